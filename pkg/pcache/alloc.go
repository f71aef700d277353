package pcache

import (
	"context"
	"fmt"
)

// ErrRetryAlloc is returned when every way in a set is busy or locked
// and eviction could not immediately free one; the fault path may sleep
// and retry under the set's Evicting flag (spec.md §4.3).
var ErrRetryAlloc = fmt.Errorf("pcache: allocation failure, retry")

// allocate performs the two-phase claim/publish allocation described in
// spec.md §4.3 for the given set, falling back to eviction when no way
// is free.
func (c *Cache) allocate(ctx context.Context, set *Set) (*Line, error) {
	if line, ok := set.claimFree(); ok {
		set.publish(line)
		set.bump(statAlloc)
		return line, nil
	}

	line, err := c.evict.Evict(ctx, set)
	if err != nil {
		return nil, err
	}
	if line == nil {
		return nil, ErrRetryAlloc
	}
	// Evict() already leaves the line fully torn down (Allocated=0);
	// claim it now that it is free.
	if !line.bits.TestAndSet(bitAllocated) {
		set.publish(line)
		set.bump(statAlloc)
		return line, nil
	}
	return nil, ErrRetryAlloc
}

// claimFree scans the set's ways attempting TestAndSet(Allocated) on
// each free line; the first success wins (spec.md §4.3, "Claim").
func (s *Set) claimFree() (*Line, bool) {
	for i := range s.ways {
		line := &s.ways[i]
		if !line.bits.TestAndSet(bitAllocated) {
			return line, true
		}
	}
	return nil, false
}

// publish resets a freshly claimed line's metadata and marks it usable
// with release semantics (spec.md §4.3, "Publish"). The line must have
// Allocated set and Usable clear; publish does not itself set Valid —
// that happens once fill content is in place.
func (s *Set) publish(line *Line) {
	line.reset()
	line.bits.Set(bitUsable)
}

// releaseFailedClaim undoes a published claim whose fill failed or was
// superseded by a concurrent fault (spec.md §7: "clear allocated after
// clear usable"): Usable is cleared first, then Allocated.
func releaseFailedClaim(line *Line) {
	line.bits.Clear(bitUsable)
	line.bits.Clear(bitAllocated)
}
