package pcache

import (
	"context"
	"sync"
)

// victimSlot holds a short-lived copy of an evicted line's content, so
// a fault that immediately follows an eviction of the same page can be
// satisfied without a remote round trip (spec.md §4.5, victim-cache
// variant; §4.6 "victim fill").
type victimSlot struct {
	valid bool
	task  TaskKey
	vaddr uintptr
	frame [PageSize]byte
}

// victimSetState is the per-pset victim-cache state: a small fixed-size
// FIFO ring of victimSlot, replacing the source's per-set victim array.
type victimSetState struct {
	mu    sync.Mutex
	slots []victimSlot
	next  int // FIFO insertion cursor
	scan  int // round-robin eviction-candidate cursor
}

// victimEngine evicts lines round-robin across a set's ways (there is
// no recency list in this variant — recency is instead approximated by
// the victim slots themselves) and stashes each evicted page's content
// before tearing the line down.
type victimEngine struct {
	c *Cache
}

func newVictimEngine(c *Cache, slotsPerSet int) *victimEngine {
	if slotsPerSet <= 0 {
		slotsPerSet = 1
	}
	for _, s := range c.sets {
		s.victim = &victimSetState{slots: make([]victimSlot, slotsPerSet)}
	}
	return &victimEngine{c: c}
}

// Touch is a no-op: the victim-cache variant does not track recency
// among resident lines, only among already-evicted ones.
func (e *victimEngine) Touch(line *Line) {}

func (e *victimEngine) Evict(ctx context.Context, set *Set) (*Line, error) {
	if set.flags.TestAndSet(psetEvicting) {
		// Another goroutine is already evicting this set; the caller
		// retries rather than blocking (spec.md §4.5 "common teardown",
		// step 1: PsetEvicting also serialises concurrent eviction
		// attempts).
		return nil, nil
	}
	defer set.flags.Clear(psetEvicting)

	st := set.victim
	st.mu.Lock()
	n := len(set.ways)
	for i := 0; i < n; i++ {
		w := (st.scan + i) % n
		line := set.way(w)
		if !line.Resident() {
			continue
		}
		if line.bits.TestAndSet(bitLocked) {
			continue
		}
		st.scan = (w + 1) % n

		var owner *RmapEntry
		if line.lastOwner != nil {
			owner = line.lastOwner
		}
		var frame [PageSize]byte
		frame = *line.frame()
		st.mu.Unlock()

		if owner != nil {
			e.stash(set, owner.Task, owner.Vaddr, &frame)
		}

		set.bump(statEviction)
		if err := teardown(e.c, line); err != nil {
			return nil, err
		}
		return line, nil
	}
	st.mu.Unlock()
	return nil, nil
}

// stash records frame into the next FIFO victim slot.
func (e *victimEngine) stash(set *Set, task TaskKey, vaddr uintptr, frame *[PageSize]byte) {
	st := set.victim
	st.mu.Lock()
	defer st.mu.Unlock()
	slot := &st.slots[st.next]
	slot.valid = true
	slot.task = task
	slot.vaddr = vaddr
	slot.frame = *frame
	st.next = (st.next + 1) % len(st.slots)
}

// lookupVictim searches set's victim slots for a stashed copy of
// (task, vaddr), consuming it on a hit so a slot is never replayed
// twice (spec.md §4.6 "victim fill" is a one-shot recovery, not a
// standing cache).
func (e *victimEngine) lookupVictim(set *Set, task TaskKey, vaddr uintptr) ([PageSize]byte, bool) {
	st := set.victim
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.slots {
		s := &st.slots[i]
		if s.valid && s.task == task && s.vaddr == vaddr {
			s.valid = false
			return s.frame, true
		}
	}
	return [PageSize]byte{}, false
}
