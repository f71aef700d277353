package kernel

import (
	"context"

	"github.com/wuklab/legomem/internal/wire"
	"github.com/wuklab/legomem/pkg/ids"
	"github.com/wuklab/legomem/pkg/vma"
)

// M2MMmap implements handle_m2m_mmap: a remote memory node materializes
// the task (and its MM) on first contact if it has never seen this PID
// before, then records the range as owned by this node.
func (k *Kernel) M2MMmap(ctx context.Context, srcNID ids.NodeID, req wire.M2MMmapRequest) wire.M2MMmapReply {
	task := k.taskFor(ids.TaskKey{NID: srcNID, PID: ids.PID(req.PID)})
	mm := task.MM

	if err := mm.LockInterruptible(ctx); err != nil {
		return wire.M2MMmapReply{Ret: wire.EINTR}
	}
	defer mm.Unlock()

	addr, length := uintptr(req.Addr), alignUp(uintptr(req.Len))
	v := &vma.VMA{Start: addr, End: addr + length, Prot: uint32(req.Prot), Flags: uint32(req.Flags), VMFlags: uint32(req.VMFlags), FName: req.FName, Pgoff: req.Pgoff, Owner: k.Self}
	if err := mm.Tree.Insert(v); err != nil {
		return wire.M2MMmapReply{Ret: wire.ENOMEM}
	}
	return wire.M2MMmapReply{Ret: wire.OKAY, Addr: uint64(addr), MaxGap: uint64(v.MaxGap)}
}

// M2MMunmap implements handle_m2m_munmap: the requested range may only
// cover part of a VMA this node owns, so it goes through the same
// split/trim path as the local handler rather than an exact Remove.
func (k *Kernel) M2MMunmap(ctx context.Context, srcNID ids.NodeID, req wire.M2MMunmapRequest) wire.M2MMunmapReply {
	task := k.taskFor(ids.TaskKey{NID: srcNID, PID: ids.PID(req.PID)})
	mm := task.MM

	if err := mm.LockInterruptible(ctx); err != nil {
		return wire.M2MMunmapReply{Status: wire.EINTR}
	}
	defer mm.Unlock()

	begin, length := uintptr(req.Begin), alignUp(uintptr(req.Len))
	if mm.Tree.Trim(begin, begin+length) == 0 {
		return wire.M2MMunmapReply{Status: wire.ESRCH}
	}
	var maxGap uint64
	if v, ok := mm.Tree.FindVMA(begin); ok {
		maxGap = uint64(v.MaxGap)
	}
	return wire.M2MMunmapReply{Status: wire.OKAY, MaxGap: maxGap}
}

// M2MFindVMA implements handle_m2m_findvma.
func (k *Kernel) M2MFindVMA(ctx context.Context, srcNID ids.NodeID, req wire.M2MFindVMARequest) wire.M2MFindVMAReply {
	task := k.taskFor(ids.TaskKey{NID: srcNID, PID: ids.PID(req.PID)})
	mm := task.MM

	if err := mm.LockInterruptible(ctx); err != nil {
		return wire.M2MFindVMAReply{Status: wire.EINTR}
	}
	defer mm.Unlock()

	_, ok := mm.Tree.FindIntersection(uintptr(req.Begin), uintptr(req.End))
	return wire.M2MFindVMAReply{VMAExists: ok, Status: wire.OKAY}
}

// M2MMremapGrow implements handle_m2m_mremap_grow: grow a range this
// node owns in place.
func (k *Kernel) M2MMremapGrow(ctx context.Context, srcNID ids.NodeID, req wire.M2MMremapGrowRequest) wire.M2MMremapGrowReply {
	task := k.taskFor(ids.TaskKey{NID: srcNID, PID: ids.PID(req.PID)})
	mm := task.MM

	if err := mm.LockInterruptible(ctx); err != nil {
		return wire.M2MMremapGrowReply{Status: wire.EINTR}
	}
	defer mm.Unlock()

	v, ok := mm.Tree.FindExact(uintptr(req.Addr))
	if !ok {
		return wire.M2MMremapGrowReply{Status: wire.ESRCH}
	}
	if err := mm.Tree.Adjust(v, v.Start, v.Start+alignUp(uintptr(req.NewLen))); err != nil {
		return wire.M2MMremapGrowReply{Status: wire.ENOMEM}
	}
	return wire.M2MMremapGrowReply{Status: wire.OKAY, MaxGap: uint64(v.MaxGap)}
}

// M2MMremapMove implements handle_m2m_mremap_move: both old and new
// ranges are owned by this node, so the move is a local remove+insert.
func (k *Kernel) M2MMremapMove(ctx context.Context, srcNID ids.NodeID, req wire.M2MMremapMoveRequest) wire.M2MMremapMoveReply {
	task := k.taskFor(ids.TaskKey{NID: srcNID, PID: ids.PID(req.PID)})
	mm := task.MM

	if err := mm.LockInterruptible(ctx); err != nil {
		return wire.M2MMremapMoveReply{Status: wire.EINTR}
	}
	defer mm.Unlock()

	oldAddr, oldLen, newLen := uintptr(req.OldAddr), alignUp(uintptr(req.OldLen)), alignUp(uintptr(req.NewLen))
	v, ok := mm.Tree.FindExact(oldAddr)
	if !ok || v.End-v.Start != oldLen {
		return wire.M2MMremapMoveReply{Status: wire.ESRCH}
	}
	oldGap := v.MaxGap
	newAddr, ok := mm.Tree.GetUnmappedArea(newLen, true)
	if !ok {
		return wire.M2MMremapMoveReply{Status: wire.ENOMEM}
	}
	mm.Tree.Remove(v.Start, v.End)
	nv := &vma.VMA{Start: newAddr, End: newAddr + newLen, Prot: v.Prot, Flags: v.Flags, FName: v.FName, Pgoff: v.Pgoff, Owner: k.Self}
	if err := mm.Tree.Insert(nv); err != nil {
		return wire.M2MMremapMoveReply{Status: wire.ENOMEM}
	}
	return wire.M2MMremapMoveReply{Status: wire.OKAY, NewAddr: uint64(newAddr), OldMaxGap: uint64(oldGap), NewMaxGap: uint64(nv.MaxGap)}
}

// M2MMremapMoveSplit implements handle_m2m_mremap_move_split: the
// cross-node case, where the old range's owner hands off just the
// moved portion (here, the whole thing — DistVM ranges are fixed-width
// and a single VMA never straddles two ranges on this node) and the
// caller's node will separately track the new range's different owner.
func (k *Kernel) M2MMremapMoveSplit(ctx context.Context, srcNID ids.NodeID, req wire.M2MMremapMoveSplitRequest) wire.M2MMremapMoveSplitReply {
	task := k.taskFor(ids.TaskKey{NID: srcNID, PID: ids.PID(req.PID)})
	mm := task.MM

	if err := mm.LockInterruptible(ctx); err != nil {
		return wire.M2MMremapMoveSplitReply{Status: wire.EINTR}
	}
	defer mm.Unlock()

	oldAddr := uintptr(req.OldAddr)
	v, ok := mm.Tree.FindExact(oldAddr)
	if !ok {
		return wire.M2MMremapMoveSplitReply{Status: wire.ESRCH}
	}
	oldGap := v.MaxGap
	if _, ok := mm.Tree.Remove(v.Start, v.End); !ok {
		return wire.M2MMremapMoveSplitReply{Status: wire.ESRCH}
	}
	return wire.M2MMremapMoveSplitReply{Status: wire.OKAY, NewAddr: req.NewAddr, OldMaxGap: uint64(oldGap)}
}

// M2MMsync implements handle_m2m_msync: flush every resident, dirty
// pcache line this node owns within [start, end) whose VMA is
// MS_SYNC ∧ file-backed ∧ VM_SHARED via Cache.FlushRange, accumulating
// ENOMEM for any portion of the range no VMA here covers but continuing
// the scan regardless (spec.md §4.9).
func (k *Kernel) M2MMsync(ctx context.Context, srcNID ids.NodeID, req wire.M2MMsyncRequest) wire.M2MMsyncReply {
	task := k.taskFor(ids.TaskKey{NID: srcNID, PID: ids.PID(req.PID)})
	mm := task.MM

	if err := mm.LockInterruptible(ctx); err != nil {
		return wire.M2MMsyncReply{Status: wire.EINTR}
	}
	start, length := uintptr(req.Start), alignUp(uintptr(req.Len))
	end := start + length
	vmas := mm.Tree.FindAllIntersecting(start, end)
	mmKey := mm.Key
	mm.Unlock()

	if len(vmas) == 0 {
		return wire.M2MMsyncReply{Status: wire.ESRCH}
	}

	status := wire.OKAY
	var covered uintptr
	for _, v := range vmas {
		segStart, segEnd := v.Start, v.End
		if segStart < start {
			segStart = start
		}
		if segEnd > end {
			segEnd = end
		}
		covered += segEnd - segStart

		if req.Flags&wire.MsSync == 0 || v.FName == "" || v.VMFlags&vmFlagShared == 0 {
			continue
		}
		if k.Cache == nil {
			continue
		}
		if err := k.Cache.FlushRange(mmKey, segStart, segEnd); err != nil {
			status = wire.ENOMEM
		}
	}
	if covered < length {
		status = wire.ENOMEM
	}
	return wire.M2MMsyncReply{Status: status}
}
