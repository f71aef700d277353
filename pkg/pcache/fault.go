package pcache

import (
	"context"
	"fmt"
)

// Fill resolves a page fault at vaddr within mm/task, installing pte on
// success. It implements spec.md §4.6: a hit check against the
// already-resident lines of vaddr's set, and on miss, an allocate →
// install-rmap → fetch-content → publish-valid sequence in which the
// PTE is never marked present until Valid is set (the "fault-visible
// ordering" invariant).
func (c *Cache) Fill(ctx context.Context, task TaskKey, mm MMKey, vaddr uintptr, pte *PTE, cause FaultCause) (*Line, error) {
	set := c.SetFor(vaddr)

	if line, ok := c.lookupResident(set, mm, vaddr); ok {
		c.evict.Touch(line)
		return line, nil
	}

	line, err := c.allocate(ctx, set)
	if err != nil {
		return nil, err
	}

	line.Lock()

	// Collapse a concurrent fault on the same address: another
	// goroutine may have won the race and already published a
	// different line for (mm, vaddr) while we were claiming ours.
	if other, ok := c.lookupResident(set, mm, vaddr); ok && other != line {
		line.Unlock()
		releaseFailedClaim(line)
		c.evict.Touch(other)
		return other, nil
	}

	entry := &RmapEntry{PTE: pte, MM: mm, Task: task, Vaddr: vaddr}
	switch cause {
	case FaultCOW:
		entry.Caller = RmapCOW
	case FaultZero:
		entry.Caller = RmapZeroFill
	default:
		entry.Caller = RmapFillRemote
	}
	line.rmapAdd(entry)

	if err := c.fillContent(set, line, task, vaddr, cause); err != nil {
		line.rmapRemove(line.rmap.Back())
		line.Unlock()
		releaseFailedClaim(line)
		return nil, err
	}

	// Publish: Valid must be visible before the PTE is marked present,
	// never the reverse (spec.md §4.6).
	line.bits.Set(bitValid)
	if pte != nil {
		pte.Line = line
		pte.Present = true
		pte.COW = cause == FaultCOW
	}

	line.Unlock()
	c.evict.Touch(line)
	return line, nil
}

// lookupResident scans every way of set for an rmap entry matching
// (mm, vaddr) on a currently resident line.
func (c *Cache) lookupResident(set *Set, mm MMKey, vaddr uintptr) (*Line, bool) {
	for i := range set.ways {
		line := set.way(i)
		if !line.Resident() {
			continue
		}
		line.Lock()
		_, _, found := line.rmapFind(mm, vaddr)
		line.Unlock()
		if found {
			return line, true
		}
	}
	return nil, false
}

// fillContent populates line's frame per cause, preferring a stashed
// victim-cache copy when the engine in use is the victim variant
// (spec.md §4.6 "victim fill"), then falling back to the path cause
// names. The caller must hold line.Lock().
func (c *Cache) fillContent(set *Set, line *Line, task TaskKey, vaddr uintptr, cause FaultCause) error {
	if ve, ok := c.evict.(*victimEngine); ok {
		if frame, hit := ve.lookupVictim(set, task, vaddr); hit {
			*line.frame() = frame
			set.bump(statFillVictim)
			return nil
		}
	}

	switch cause {
	case FaultZero:
		*line.frame() = [PageSize]byte{}
		set.bump(statFillMemory)
		return nil
	case FaultCOW:
		// The copy itself happens at the vma layer before Fill is
		// called for a COW fault; by the time we reach here the frame
		// has already been duplicated into line by the caller.
		set.bump(statFillMemory)
		return nil
	default:
		if c.fetch == nil {
			return fmt.Errorf("pcache: no RemoteFetcher configured")
		}
		frame, err := c.fetch.FetchPage(task, vaddr)
		if err != nil {
			return err
		}
		*line.frame() = frame
		set.bump(statFillMemory)
		return nil
	}
}
