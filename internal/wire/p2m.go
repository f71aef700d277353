package wire

// NodeID identifies a memory or compute node in the fabric.
type NodeID uint32

// PID identifies a task on its owning (src) node.
type PID uint32

// Header is the common envelope every P2M/M2M request carries, mirroring
// struct common_header in the source: who sent it, nothing more. The
// transport layer is responsible for demultiplexing on message type.
type Header struct {
	SrcNID NodeID
}

// BrkRequest is the P2M BRK payload.
type BrkRequest struct {
	PID PID
	Brk uint64
}

// BrkReply carries the resulting brk in RetBrk and the status in Err;
// callers treat any Status != OKAY in Err as authoritative.
type BrkReply struct {
	RetBrk uint64
	Err    Status
}

// MmapRequest is the P2M MMAP payload.
type MmapRequest struct {
	PID   PID
	Addr  uint64
	Len   uint64
	Prot  uint64
	Flags uint64
	Pgoff uint64
	FName string
}

// RangeMaxGap reports the updated max_gap for a single VMA range, used
// by M2M replies so the requesting node's router can refresh its cache
// without a separate round trip.
type RangeMaxGap struct {
	RangeStart uint64
	MaxGap     uint64
}

// MmapReply is the P2M MMAP reply.
type MmapReply struct {
	Ret     Status
	RetAddr uint64
	Map     []RangeMaxGap
}

// MunmapRequest is the P2M MUNMAP payload.
type MunmapRequest struct {
	PID  PID
	Addr uint64
	Len  uint64
}

// MremapRequest is the P2M MREMAP payload.
type MremapRequest struct {
	PID     PID
	OldAddr uint64
	OldLen  uint64
	NewLen  uint64
	Flags   uint64
	NewAddr uint64
}

// Mremap flag bits, mirroring linux/mman.h's MREMAP_* constants used by
// the source.
const (
	MremapMaymove uint64 = 1 << iota
	MremapFixed
)

// MremapReply is the P2M MREMAP reply. Line is the stable FailPoint
// enumeration replacing the source's __LINE__ debug tag.
type MremapReply struct {
	Status  Status
	NewAddr uint64
	Line    FailPoint
	Map     []RangeMaxGap
}

// MsyncRequest is the P2M MSYNC payload.
type MsyncRequest struct {
	PID   PID
	Start uint64
	Len   uint64
	Flags uint64
}

// Msync flag bits.
const (
	MsSync  uint64 = 1 << 0
	MsAsync uint64 = 1 << 1
)

// MprotectRequest is the P2M MPROTECT payload. The protocol reserves
// this message but the handler always replies EINVAL today — see
// SPEC_FULL.md's resolution of the source's open question.
type MprotectRequest struct {
	PID   PID
	Addr  uint64
	Len   uint64
	Prot  uint64
}
