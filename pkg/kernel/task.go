package kernel

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/wuklab/legomem/pkg/ids"
	"github.com/wuklab/legomem/pkg/vma"
)

// MM is one address space: its VMA tree, brk pointer, and the killable
// mmap_sem the source protects VMA mutation with (spec.md §5). Grounded
// on Vm_t in Oichkatzelesfrettschen-biscuit/biscuit/src/vm/as.go, which
// plays the same role (a single mutex guarding a process's address
// space) — here widened to a weighted semaphore so a pending acquire
// can be cancelled via ctx, matching mmap_sem's killable-wait contract.
type MM struct {
	Key ids.MMKey

	sem *semaphore.Weighted // weight 1; Acquire(ctx,1) is the killable down_write

	Tree     *vma.Tree
	Brk      uintptr
	heapBase uintptr // Start of the heap VMA; Brk is always its End

	mu       sync.Mutex
	refcount int32
}

// NewMM creates an address space spanning [start, end), with the heap
// break starting at the bottom of that range.
func NewMM(key ids.MMKey, start, end uintptr) *MM {
	return &MM{
		Key:      key,
		sem:      semaphore.NewWeighted(1),
		Tree:     vma.NewTree(start, end),
		Brk:      start,
		heapBase: start,
		refcount: 1,
	}
}

// LockInterruptible acquires the mmap_sem equivalent, returning
// wire.EINTR-mappable ctx.Err() if ctx is cancelled first — the killable
// wait spec.md §5 calls for instead of an uninterruptible mutex.
func (m *MM) LockInterruptible(ctx context.Context) error {
	return m.sem.Acquire(ctx, 1)
}

// Unlock releases the mmap_sem equivalent.
func (m *MM) Unlock() { m.sem.Release(1) }

func (m *MM) IncRef() { m.mu.Lock(); m.refcount++; m.mu.Unlock() }

// DecRef drops a reference, reporting whether it was the last one.
func (m *MM) DecRef() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refcount--
	return m.refcount == 0
}

// Task is a single thread of execution on some node, identified
// globally by TaskKey (spec.md §3 struct lego_task_struct).
type Task struct {
	Key ids.TaskKey
	MM  *MM
}
