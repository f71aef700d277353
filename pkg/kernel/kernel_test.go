package kernel

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/wuklab/legomem/internal/config"
	"github.com/wuklab/legomem/internal/wire"
	"github.com/wuklab/legomem/pkg/ids"
	"github.com/wuklab/legomem/pkg/vma"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	cfg := config.Default()
	return New(cfg, nil, nil, testLogger())
}

func TestMmapThenMunmapRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	reply := k.Mmap(ctx, 1, 1, wire.MmapRequest{PID: 1, Len: 4096})
	if reply.Ret != wire.OKAY {
		t.Fatalf("mmap failed: %v", reply.Ret)
	}

	status := k.Munmap(ctx, 1, 1, wire.MunmapRequest{Addr: reply.RetAddr, Len: 4096})
	if status != wire.OKAY {
		t.Fatalf("munmap failed: %v", status)
	}

	status = k.Munmap(ctx, 1, 1, wire.MunmapRequest{Addr: reply.RetAddr, Len: 4096})
	if status != wire.ESRCH {
		t.Fatalf("expected ESRCH on double munmap, got %v", status)
	}
}

func TestBrkGrowsThenShrinks(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	key := ids.TaskKey{NID: 1, PID: 1}
	task := k.taskFor(key)

	reply := k.Brk(ctx, 1, 1, wire.BrkRequest{PID: 1, Brk: uint64(task.MM.Brk) + 4096})
	if reply.Err != wire.OKAY {
		t.Fatalf("brk grow failed: %v", reply.Err)
	}
	if task.MM.Brk != uintptr(reply.RetBrk) {
		t.Fatalf("mm.Brk not updated")
	}

	shrink := k.Brk(ctx, 1, 1, wire.BrkRequest{PID: 1, Brk: reply.RetBrk - 4096})
	if shrink.Err != wire.OKAY {
		t.Fatalf("brk shrink failed: %v", shrink.Err)
	}
}

func TestBrkGrowConflictLeavesBrkUnchanged(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	key := ids.TaskKey{NID: 1, PID: 1}
	task := k.taskFor(key)
	oldBrk := task.MM.Brk

	// Occupy the space brk would otherwise grow into.
	if err := task.MM.Tree.Insert(&vma.VMA{Start: oldBrk, End: oldBrk + 4096}); err != nil {
		t.Fatalf("setup insert: %v", err)
	}

	reply := k.Brk(ctx, 1, 1, wire.BrkRequest{PID: 1, Brk: uint64(oldBrk) + 4096})
	if reply.Err != wire.OKAY {
		t.Fatalf("expected OKAY on a conflicting grow, got %v", reply.Err)
	}
	if reply.RetBrk != uint64(oldBrk) {
		t.Fatalf("expected brk to stay at %#x, got %#x", oldBrk, reply.RetBrk)
	}
}

func TestMunmapSplitsMiddleOfLargerMapping(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	m := k.Mmap(ctx, 1, 1, wire.MmapRequest{PID: 1, Len: 0x3000})
	if m.Ret != wire.OKAY {
		t.Fatalf("mmap failed: %v", m.Ret)
	}

	status := k.Munmap(ctx, 1, 1, wire.MunmapRequest{Addr: m.RetAddr + 0x1000, Len: 0x1000})
	if status != wire.OKAY {
		t.Fatalf("munmap of the middle page failed: %v", status)
	}

	task := k.taskFor(ids.TaskKey{NID: 1, PID: 1})
	if task.MM.Tree.Len() != 2 {
		t.Fatalf("expected the mapping to split into two remainders, got %d entries", task.MM.Tree.Len())
	}
	if _, ok := task.MM.Tree.FindExact(uintptr(m.RetAddr)); !ok {
		t.Fatalf("expected the left remainder to still start at the original address")
	}
	if _, ok := task.MM.Tree.FindExact(uintptr(m.RetAddr) + 0x2000); !ok {
		t.Fatalf("expected a right remainder starting after the unmapped page")
	}
}

func TestMsyncReportsENOMEMForUncoveredPortion(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	key := ids.TaskKey{NID: 1, PID: 1}
	task := k.taskFor(key)

	// Only the first half of the requested range is actually mapped.
	if err := task.MM.Tree.Insert(&vma.VMA{Start: 0x1000, End: 0x2000, FName: "f", VMFlags: vmFlagShared}); err != nil {
		t.Fatalf("insert vma: %v", err)
	}

	status := k.Msync(ctx, 1, 1, wire.MsyncRequest{PID: 1, Start: 0x1000, Len: 0x2000, Flags: wire.MsSync})
	if status != wire.ENOMEM {
		t.Fatalf("expected ENOMEM for a partially-unmapped range, got %v", status)
	}
}

func TestMsyncFullyUnmappedRangeReturnsESRCH(t *testing.T) {
	k := newTestKernel(t)
	status := k.Msync(context.Background(), 1, 1, wire.MsyncRequest{PID: 1, Start: 0x9000, Len: 0x1000, Flags: wire.MsSync})
	if status != wire.ESRCH {
		t.Fatalf("expected ESRCH when nothing intersects the range, got %v", status)
	}
}

func TestMprotectAlwaysRefuses(t *testing.T) {
	k := newTestKernel(t)
	status := k.Mprotect(context.Background(), 1, 1, wire.MprotectRequest{PID: 1, Addr: 0x1000, Len: 4096, Prot: 0})
	if status != wire.EINVAL {
		t.Fatalf("expected EINVAL, got %v", status)
	}
}

func TestMremapGrowInPlace(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	m := k.Mmap(ctx, 1, 1, wire.MmapRequest{PID: 1, Len: 4096})
	if m.Ret != wire.OKAY {
		t.Fatalf("mmap failed: %v", m.Ret)
	}

	r := k.Mremap(ctx, 1, 1, wire.MremapRequest{PID: 1, OldAddr: m.RetAddr, OldLen: 4096, NewLen: 8192})
	if r.Status != wire.OKAY {
		t.Fatalf("mremap grow failed: %v", r.Status)
	}
	if r.NewAddr != m.RetAddr {
		t.Fatalf("expected in-place growth to keep the same address")
	}
}
