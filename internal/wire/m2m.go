package wire

// M2M message kinds, used by the transport to route an incoming datagram
// to the right handler without reflecting on the payload type.
type M2MKind int32

const (
	M2MMmap M2MKind = iota
	M2MMunmap
	M2MMremapGrow
	M2MMremapMove
	M2MMremapMoveSplit
	M2MFindVMA
	M2MMsync
)

// M2MMmapRequest mirrors MmapRequest but additionally carries the owning
// VMA range descriptor, since the recipient may be materializing the
// task/mm for the first time (handle_m2m_mmap's lazy task creation).
type M2MMmapRequest struct {
	PID       PID
	NewRange  uint64
	Addr      uint64
	Len       uint64
	Prot      uint64
	Flags     uint64
	VMFlags   uint64
	Pgoff     uint64
	FName     string
}

type M2MMmapReply struct {
	Ret    Status
	Addr   uint64
	MaxGap uint64
}

type M2MMunmapRequest struct {
	PID   PID
	Begin uint64
	Len   uint64
}

type M2MMunmapReply struct {
	Status Status
	MaxGap uint64
}

type M2MFindVMARequest struct {
	PID   PID
	Begin uint64
	End   uint64
}

type M2MFindVMAReply struct {
	VMAExists bool
	Status    Status
}

type M2MMremapGrowRequest struct {
	PID    PID
	Addr   uint64
	OldLen uint64
	NewLen uint64
}

type M2MMremapGrowReply struct {
	Status Status
	MaxGap uint64
}

type M2MMremapMoveRequest struct {
	PID      PID
	OldAddr  uint64
	OldLen   uint64
	NewLen   uint64
	NewRange uint64
}

type M2MMremapMoveReply struct {
	NewAddr    uint64
	Status     Status
	OldMaxGap  uint64
	NewMaxGap  uint64
}

type M2MMremapMoveSplitRequest struct {
	PID     PID
	OldAddr uint64
	OldLen  uint64
	NewAddr uint64
	NewLen  uint64
}

type M2MMremapMoveSplitReply struct {
	NewAddr   uint64
	Status    Status
	OldMaxGap uint64
	NewMaxGap uint64
}

type M2MMsyncRequest struct {
	PID   PID
	Start uint64
	Len   uint64
	Flags uint64
}

type M2MMsyncReply struct {
	Status Status
}
