package pcache

import (
	"container/list"
	"context"
	"sync"
)

// pendingEntry mirrors struct pset_eviction_entry: a line queued for
// eviction by a background sweep, found resident at scan time.
type pendingEntry struct {
	line *Line
}

// pendingListSetState is the per-pset state for the per-set
// pending-list variant: an owned queue of pendingEntry plus the
// Sweeping coordination bit that guarantees a single concurrent
// scanner per set (spec.md §4.5).
type pendingListSetState struct {
	mu      sync.Mutex
	pending *list.List // of *pendingEntry
}

// perSetListEngine evicts by first queuing every currently-resident,
// unlocked line in the set onto its pending list (the "sweep"), gated
// by the set's Sweeping flag so concurrent Evict calls on the same set
// collapse into one scan, then draining the queue FIFO.
type perSetListEngine struct {
	c *Cache
}

func newPerSetListEngine(c *Cache) *perSetListEngine {
	for _, s := range c.sets {
		s.pending = &pendingListSetState{pending: list.New()}
	}
	return &perSetListEngine{c: c}
}

// Touch is a no-op: candidates are discovered by sweeping, not by
// recency tracking.
func (e *perSetListEngine) Touch(line *Line) {}

func (e *perSetListEngine) Evict(ctx context.Context, set *Set) (*Line, error) {
	st := set.pending

	st.mu.Lock()
	if front := st.pending.Front(); front != nil {
		entry := front.Value.(*pendingEntry)
		st.pending.Remove(front)
		st.mu.Unlock()
		return e.drain(set, entry.line)
	}
	st.mu.Unlock()

	if !set.flags.TestAndSet(psetSweeping) {
		defer set.flags.Clear(psetSweeping)
		e.sweep(set)
	} else {
		// Another goroutine is already sweeping this set; the caller
		// retries rather than blocking, matching the non-sleeping
		// spinlock discipline of spec.md §5.
		return nil, nil
	}

	st.mu.Lock()
	front := st.pending.Front()
	if front == nil {
		st.mu.Unlock()
		return nil, nil
	}
	entry := front.Value.(*pendingEntry)
	st.pending.Remove(front)
	st.mu.Unlock()
	return e.drain(set, entry.line)
}

// sweep scans every way once, enqueuing resident lines it can lock
// without waiting.
func (e *perSetListEngine) sweep(set *Set) {
	st := set.pending
	for i := range set.ways {
		line := set.way(i)
		if !line.Resident() {
			continue
		}
		if line.bits.TestAndSet(bitLocked) {
			continue
		}
		line.Unlock() // re-locked at drain time; sweep only marks candidacy
		st.mu.Lock()
		st.pending.PushBack(&pendingEntry{line: line})
		st.mu.Unlock()
	}
}

// drain re-validates and tears down a previously queued candidate. The
// line may have changed state (been refilled, evicted, or relocked)
// between sweep and drain, so drain rechecks residency before acting.
func (e *perSetListEngine) drain(set *Set, line *Line) (*Line, error) {
	if line.bits.TestAndSet(bitLocked) {
		return nil, nil
	}
	if !line.Resident() {
		line.Unlock()
		return nil, nil
	}
	set.bump(statEviction)
	if err := teardown(e.c, line); err != nil {
		return nil, err
	}
	return line, nil
}
