package kernel

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/wuklab/legomem/internal/wire"
	"github.com/wuklab/legomem/pkg/distvm"
	"github.com/wuklab/legomem/pkg/ids"
	"github.com/wuklab/legomem/pkg/vma"
)

// Brk implements handle_p2m_brk: grow or shrink the task's heap VMA in
// place. The source's distributed build still keeps brk single-node
// (the heap range is never split across memory nodes), so both
// variants share this one code path.
func (k *Kernel) Brk(ctx context.Context, pid ids.PID, nid ids.NodeID, req wire.BrkRequest) wire.BrkReply {
	task := k.taskFor(ids.TaskKey{NID: nid, PID: pid})
	mm := task.MM

	if err := mm.LockInterruptible(ctx); err != nil {
		return wire.BrkReply{Err: wire.EINTR}
	}
	defer mm.Unlock()

	newBrk := uintptr(req.Brk)
	if newBrk < mm.heapBase {
		return wire.BrkReply{RetBrk: uint64(mm.Brk), Err: wire.EINVAL}
	}

	if v, ok := mm.Tree.FindExact(mm.heapBase); ok && mm.Brk > mm.heapBase {
		if newBrk == v.Start {
			mm.Tree.Remove(v.Start, v.End)
		} else if err := mm.Tree.Adjust(v, v.Start, newBrk); err != nil {
			// A conflicting mapping in the requested range leaves brk
			// unchanged rather than failing the call (spec.md §4.9).
			return wire.BrkReply{RetBrk: uint64(mm.Brk), Err: wire.OKAY}
		}
	} else if newBrk > mm.heapBase {
		v := &vma.VMA{Start: mm.heapBase, End: newBrk, VMFlags: vmFlagGrowsUp}
		if err := mm.Tree.Insert(v); err != nil {
			return wire.BrkReply{RetBrk: uint64(mm.Brk), Err: wire.OKAY}
		}
	}
	mm.Brk = newBrk
	return wire.BrkReply{RetBrk: uint64(mm.Brk), Err: wire.OKAY}
}

const (
	vmFlagGrowsUp uint32 = 1 << iota
	vmFlagShared
)

// Mmap implements handle_p2m_mmap: pick an address (or honor a
// MAP_FIXED one), insert the VMA, and — under the distributed router —
// forward to the range's owner when it isn't this node.
func (k *Kernel) Mmap(ctx context.Context, pid ids.PID, nid ids.NodeID, req wire.MmapRequest) wire.MmapReply {
	task := k.taskFor(ids.TaskKey{NID: nid, PID: pid})
	mm := task.MM

	if err := mm.LockInterruptible(ctx); err != nil {
		return wire.MmapReply{Ret: wire.EINTR}
	}
	defer mm.Unlock()

	const mapFixed = 0x10
	length := alignUp(uintptr(req.Len))
	var addr uintptr
	if req.Flags&mapFixed != 0 {
		addr = uintptr(req.Addr)
		if !mm.Tree.CheckFixed(addr, length) {
			return wire.MmapReply{Ret: wire.ENOMEM}
		}
	} else {
		a, ok := mm.Tree.GetUnmappedArea(length, true)
		if !ok {
			return wire.MmapReply{Ret: wire.ENOMEM}
		}
		addr = a
	}

	if !k.Router.IsLocal(addr) {
		if k.Client == nil {
			return wire.MmapReply{Ret: wire.EINVAL}
		}
		owner := k.Router.Owner(addr)
		reply, err := k.Client.M2MMmap(ctx, owner, wire.M2MMmapRequest{
			PID: wire.PID(pid), Addr: uint64(addr), Len: uint64(length),
			Prot: req.Prot, Flags: req.Flags, Pgoff: req.Pgoff, FName: req.FName,
		})
		if err != nil {
			return wire.MmapReply{Ret: wire.EIO}
		}
		if reply.Ret != wire.OKAY {
			return wire.MmapReply{Ret: reply.Ret}
		}
		v := &vma.VMA{Start: addr, End: addr + length, Prot: uint32(req.Prot), Flags: uint32(req.Flags), FName: req.FName, Pgoff: req.Pgoff, Owner: owner}
		if err := mm.Tree.Insert(v); err != nil {
			return wire.MmapReply{Ret: wire.ENOMEM}
		}
		return wire.MmapReply{Ret: wire.OKAY, RetAddr: uint64(addr), Map: []wire.RangeMaxGap{{RangeStart: uint64(addr), MaxGap: uint64(v.MaxGap)}}}
	}

	v := &vma.VMA{Start: addr, End: addr + length, Prot: uint32(req.Prot), Flags: uint32(req.Flags), FName: req.FName, Pgoff: req.Pgoff, Owner: k.Self}
	if err := mm.Tree.Insert(v); err != nil {
		return wire.MmapReply{Ret: wire.ENOMEM}
	}
	return wire.MmapReply{Ret: wire.OKAY, RetAddr: uint64(addr), Map: []wire.RangeMaxGap{{RangeStart: uint64(addr), MaxGap: uint64(v.MaxGap)}}}
}

// Munmap implements handle_p2m_munmap: split every VMA straddling
// either endpoint of [addr, addr+length), remove what's fully covered,
// and forward the removal to every remote range owner the covered
// region touches before trimming the local view (spec.md §4.9).
func (k *Kernel) Munmap(ctx context.Context, pid ids.PID, nid ids.NodeID, req wire.MunmapRequest) wire.Status {
	task := k.taskFor(ids.TaskKey{NID: nid, PID: pid})
	mm := task.MM

	if err := mm.LockInterruptible(ctx); err != nil {
		return wire.EINTR
	}
	defer mm.Unlock()

	addr, length := uintptr(req.Addr), alignUp(uintptr(req.Len))
	end := addr + length

	owners := map[ids.NodeID]bool{}
	for _, v := range mm.Tree.FindAllIntersecting(addr, end) {
		if !k.Router.IsLocal(v.Start) {
			owners[v.Owner] = true
		}
	}
	for owner := range owners {
		if k.Client == nil {
			return wire.EINVAL
		}
		reply, err := k.Client.M2MMunmap(ctx, owner, wire.M2MMunmapRequest{PID: wire.PID(pid), Begin: uint64(addr), Len: uint64(length)})
		if err != nil {
			return wire.EIO
		}
		if reply.Status != wire.OKAY && reply.Status != wire.ESRCH {
			return reply.Status
		}
	}

	if mm.Tree.Trim(addr, end) == 0 {
		return wire.ESRCH
	}
	return wire.OKAY
}

// Mremap implements handle_p2m_mremap, covering both in-place growth
// and the move path; cross-node moves delegate to
// distvm.CrossNodeMremapMove, which sends a single MOVE_SPLIT request
// to the source range's owner.
func (k *Kernel) Mremap(ctx context.Context, pid ids.PID, nid ids.NodeID, req wire.MremapRequest) wire.MremapReply {
	task := k.taskFor(ids.TaskKey{NID: nid, PID: pid})
	mm := task.MM

	if err := mm.LockInterruptible(ctx); err != nil {
		return wire.MremapReply{Status: wire.EINTR, Line: wire.FailAcquireSem}
	}
	defer mm.Unlock()

	oldAddr, oldLen, newLen := uintptr(req.OldAddr), alignUp(uintptr(req.OldLen)), alignUp(uintptr(req.NewLen))
	v, ok := mm.Tree.FindExact(oldAddr)
	if !ok || v.End-v.Start != oldLen {
		return wire.MremapReply{Status: wire.EINVAL, Line: wire.FailVMAToResize}
	}

	if newLen <= oldLen {
		mm.Tree.Adjust(v, v.Start, v.Start+newLen)
		return wire.MremapReply{Status: wire.OKAY, NewAddr: uint64(v.Start), Map: []wire.RangeMaxGap{{RangeStart: uint64(v.Start), MaxGap: uint64(v.MaxGap)}}}
	}

	// Try growing in place first.
	if err := mm.Tree.Adjust(v, v.Start, v.Start+newLen); err == nil {
		return wire.MremapReply{Status: wire.OKAY, NewAddr: uint64(v.Start), Map: []wire.RangeMaxGap{{RangeStart: uint64(v.Start), MaxGap: uint64(v.MaxGap)}}}
	}

	if req.Flags&wire.MremapMaymove == 0 {
		return wire.MremapReply{Status: wire.ENOMEM, Line: wire.FailGetUnmappedArea}
	}

	newAddr, ok := mm.Tree.GetUnmappedArea(newLen, true)
	if !ok {
		return wire.MremapReply{Status: wire.ENOMEM, Line: wire.FailGetUnmappedArea}
	}

	if !k.Router.IsLocal(v.Start) || !k.Router.IsLocal(newAddr) {
		if k.Client == nil {
			return wire.MremapReply{Status: wire.EINVAL, Line: wire.FailCrossNodeSplit}
		}
		srcOwner := k.Router.Owner(v.Start)
		reply, err := distvm.CrossNodeMremapMove(ctx, k.Client, srcOwner, k.Router.Owner(newAddr), ids.PID(pid), v.Start, oldLen, newAddr, newLen)
		if err != nil {
			return wire.MremapReply{Status: wire.EIO, Line: wire.FailCrossNodeSplit}
		}
		if reply.Status != wire.OKAY {
			return wire.MremapReply{Status: reply.Status, Line: wire.FailCrossNodeSplit}
		}
		mm.Tree.Remove(v.Start, v.End)
		nv := &vma.VMA{Start: newAddr, End: newAddr + newLen, Prot: v.Prot, Flags: v.Flags, FName: v.FName, Pgoff: v.Pgoff, Owner: k.Router.Owner(newAddr)}
		mm.Tree.Insert(nv)
		return wire.MremapReply{Status: wire.OKAY, NewAddr: uint64(newAddr), Map: []wire.RangeMaxGap{{RangeStart: uint64(newAddr), MaxGap: uint64(nv.MaxGap)}}}
	}

	mm.Tree.Remove(v.Start, v.End)
	nv := &vma.VMA{Start: newAddr, End: newAddr + newLen, Prot: v.Prot, Flags: v.Flags, FName: v.FName, Pgoff: v.Pgoff, Owner: k.Self}
	if err := mm.Tree.Insert(nv); err != nil {
		return wire.MremapReply{Status: wire.ENOMEM, Line: wire.FailMoveVMA}
	}
	return wire.MremapReply{Status: wire.OKAY, NewAddr: uint64(newAddr), Map: []wire.RangeMaxGap{{RangeStart: uint64(newAddr), MaxGap: uint64(nv.MaxGap)}}}
}

// Msync implements do_msync / handle_p2m_msync: walk every VMA
// intersecting [start, end), flush pcache content for the ones that are
// MS_SYNC ∧ file-backed ∧ VM_SHARED (forwarding to the owning node when
// it isn't this one), and accumulate ENOMEM for any portion of the
// requested range no VMA covers — without stopping the scan early
// (spec.md §4.9). The lock is dropped for the duration of the
// (potentially slow) per-VMA flush, same hazard as the source's
// mm_struct lock drop around do_writeback: the VMA list snapshotted
// here may go stale if the range is unmapped concurrently, which is
// tolerated since this path never mutates the tree itself.
func (k *Kernel) Msync(ctx context.Context, pid ids.PID, nid ids.NodeID, req wire.MsyncRequest) wire.Status {
	task := k.taskFor(ids.TaskKey{NID: nid, PID: pid})
	mm := task.MM

	if err := mm.LockInterruptible(ctx); err != nil {
		return wire.EINTR
	}
	start, length := uintptr(req.Start), alignUp(uintptr(req.Len))
	end := start + length
	vmas := mm.Tree.FindAllIntersecting(start, end)
	mmKey := mm.Key
	mm.Unlock() // drop the lock before the (slow) per-VMA flush

	if len(vmas) == 0 {
		return wire.ESRCH
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

		if k.Router.IsLocal(v.Start) {
			if k.Cache == nil {
				continue
			}
			if err := k.Cache.FlushRange(mmKey, segStart, segEnd); err != nil {
				status = wire.ENOMEM
			}
			continue
		}
		if k.Client == nil {
			status = wire.EINVAL
			continue
		}
		reply, err := k.Client.M2MMsync(ctx, v.Owner, wire.M2MMsyncRequest{PID: wire.PID(pid), Start: uint64(segStart), Len: uint64(segEnd - segStart), Flags: req.Flags})
		if err != nil {
			status = wire.EIO
		} else if reply.Status != wire.OKAY {
			status = reply.Status
		}
	}
	if covered < length {
		status = wire.ENOMEM
	}
	return status
}

// Mprotect implements handle_p2m_mprotect. The source's handler is a
// stub (WARN_ON(1), never actually changing protection); SPEC_FULL.md
// resolves the behavior explicitly rather than silently no-op'ing: log
// and reply EINVAL so a caller cannot mistake silence for success.
func (k *Kernel) Mprotect(ctx context.Context, pid ids.PID, nid ids.NodeID, req wire.MprotectRequest) wire.Status {
	k.log.WithFields(logrus.Fields{
		"pid": pid, "nid": nid, "addr": req.Addr, "len": req.Len,
	}).Warn("mprotect is unimplemented upstream of this node; refusing")
	return wire.EINVAL
}

func alignUp(n uintptr) uintptr {
	const pageSize = 4096
	return (n + pageSize - 1) &^ (pageSize - 1)
}
