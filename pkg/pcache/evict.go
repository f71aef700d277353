package pcache

import (
	"container/list"
	"context"
)

// EvictionEngine picks a victim line in set and tears it down, leaving
// it fully free (Allocated=0) and ready to be reclaimed by the
// allocator. It is the strategy interface spec.md §9 asks for in place
// of the source's three mutually exclusive `#ifdef` build variants.
//
// Evict returns (nil, nil) when the set currently has nothing evictable
// (e.g. every line is pinned or already under reclaim); the caller
// treats that the same as ErrRetryAlloc.
type EvictionEngine interface {
	Evict(ctx context.Context, set *Set) (*Line, error)

	// Touch records a hit on line for the engine's replacement policy
	// (e.g. moves it to the MRU end of an LRU list). It must not block.
	Touch(line *Line)
}

// teardown performs the four-step common teardown shared by every
// eviction variant (spec.md §4.5 "Common teardown"):
//
//  1. mark the line Reclaim so concurrent faults know not to trust it
//  2. tear down every rmap entry: shoot down the PTE, then drop the
//     entry
//  3. write the content back if Dirty
//  4. clear Valid, then Usable, then Allocated, in that order, then
//     clear Reclaim
//
// The caller must already hold line.Lock(); teardown releases it
// before returning. It is shared verbatim by all three engine
// variants so their only difference is victim selection.
func teardown(c *Cache, line *Line) error {
	line.bits.Set(bitReclaim)

	line.rmapWalk(func(elem *list.Element, e *RmapEntry) bool {
		if c.shoot != nil {
			c.shoot(e.Task, e.Vaddr)
		}
		if e.PTE != nil {
			e.PTE.Present = false
			e.PTE.Line = nil
		}
		line.rmapRemove(elem)
		return true
	})

	if line.Dirty() && c.write != nil {
		// Best-effort: the source's do_writeback ignores the rmap that
		// was just torn down and replicates from any one owner; we use
		// the last entry's (task, vaddr) recorded before the walk above
		// cleared it, stashed on the line itself, because spec.md's
		// edge cases call the specific owner unspecified here.
		if owner := line.lastOwner; owner != nil {
			if err := c.write(owner.Task, owner.Vaddr, line.frame()); err != nil {
				line.bits.Clear(bitReclaim)
				line.Unlock()
				return err
			}
		}
	}

	line.bits.Clear(bitValid)
	line.bits.Clear(bitDirty)
	line.bits.Clear(bitUsable)
	line.bits.Clear(bitAllocated)
	line.bits.Clear(bitReclaim)
	line.lastOwner = nil
	line.Unlock()
	return nil
}
