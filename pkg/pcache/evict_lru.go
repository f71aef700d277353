package pcache

import (
	"container/list"
	"context"
	"sync"
)

// lruSetState is the per-pset state for the LRU eviction variant: an
// owned doubly-linked list ordered MRU-to-LRU, replacing the source's
// intrusive pcache_set.pcache_list (spec.md §9 "convert intrusive
// lists to an owned collection").
type lruSetState struct {
	mu   sync.Mutex
	list *list.List // of *Line, front = MRU, back = LRU
}

// lruEngine evicts the least-recently-used resident line in a set.
type lruEngine struct {
	c *Cache
}

func newLRUEngine(c *Cache) *lruEngine {
	for _, s := range c.sets {
		s.lru = &lruSetState{list: list.New()}
	}
	return &lruEngine{c: c}
}

func (e *lruEngine) Touch(line *Line) {
	st := line.set().lru
	st.mu.Lock()
	defer st.mu.Unlock()
	if line.lruElem != nil {
		st.list.MoveToFront(line.lruElem)
		return
	}
	line.lruElem = st.list.PushFront(line)
}

func (e *lruEngine) Evict(ctx context.Context, set *Set) (*Line, error) {
	if set.flags.TestAndSet(psetEvicting) {
		// Another goroutine is already evicting this set; the caller
		// retries rather than blocking (spec.md §4.5 "common teardown",
		// step 1: PsetEvicting also serialises concurrent eviction
		// attempts).
		return nil, nil
	}
	defer set.flags.Clear(psetEvicting)

	st := set.lru
	st.mu.Lock()
	for elem := st.list.Back(); elem != nil; elem = elem.Prev() {
		line := elem.Value.(*Line)
		if !line.Resident() {
			continue
		}
		if line.bits.TestAndSet(bitLocked) {
			// Already locked by another path (fault/writeback); skip.
			continue
		}
		st.list.Remove(elem)
		line.lruElem = nil
		st.mu.Unlock()

		set.bump(statEviction)
		if err := teardown(e.c, line); err != nil {
			return nil, err
		}
		return line, nil
	}
	st.mu.Unlock()
	return nil, nil
}
