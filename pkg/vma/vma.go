// Package vma implements the per-address-space VMA interval tree
// described in spec.md §4.7/§4.8: a set of disjoint, page-aligned
// [Start, End) ranges, each carrying protection/flags and (for DistVM)
// an owning node, augmented with the largest free gap reachable from
// each entry (MaxGap). GetUnmappedArea walks the entries linearly and
// does not consult MaxGap.
//
// Grounded on the vma/pma model in
// pkg/sentry/mm/mm.go (gvisor's MemoryManager.vmas), adapted from
// gvisor's generated segment-set package to a plain sorted slice since
// this module does not run the segment-set generator.
package vma

import (
	"fmt"
	"sort"
	"sync"

	"github.com/wuklab/legomem/pkg/ids"
)

// VMA is one mapped, page-aligned virtual memory range (spec.md §3).
type VMA struct {
	Start, End uintptr // half-open [Start, End)

	Prot    uint32
	Flags   uint32 // MAP_* flags the range was created with
	VMFlags uint32 // VM_* derived flags (VM_GROWSDOWN, VM_SHARED, ...)

	FName string
	Pgoff uint64

	// Owner is the DistVM node responsible for this range; the
	// single-node router never reads it (spec.md §4.9).
	Owner ids.NodeID

	// MaxGap is the largest free gap beginning at or after Start,
	// across this entry and everything to its right in address order
	// (spec.md §8 "max_gap correctness"). Recomputed by the owning
	// Tree after every mutation.
	MaxGap uintptr
}

func (v *VMA) Len() uintptr { return v.End - v.Start }

// Tree holds one address space's disjoint VMAs in ascending address
// order.
type Tree struct {
	mu    sync.RWMutex
	vmas  []*VMA
	start uintptr // lowest mappable address
	end   uintptr // highest mappable address (exclusive)
}

// NewTree creates an empty tree bounding the mappable range
// [start, end).
func NewTree(start, end uintptr) *Tree {
	return &Tree{start: start, end: end}
}

// FindVMA returns the VMA containing addr, or the first VMA starting
// strictly after addr if none contains it (spec.md §4.7 "find_vma":
// Linux semantics of returning the next-higher vma on a miss).
func (t *Tree) FindVMA(addr uintptr) (*VMA, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := sort.Search(len(t.vmas), func(i int) bool { return t.vmas[i].End > addr })
	if i == len(t.vmas) {
		return nil, false
	}
	return t.vmas[i], true
}

// FindExact returns the VMA whose Start exactly equals addr.
func (t *Tree) FindExact(addr uintptr) (*VMA, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := sort.Search(len(t.vmas), func(i int) bool { return t.vmas[i].Start >= addr })
	if i == len(t.vmas) || t.vmas[i].Start != addr {
		return nil, false
	}
	return t.vmas[i], true
}

// FindIntersection returns the first VMA overlapping [start, end).
func (t *Tree) FindIntersection(start, end uintptr) (*VMA, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := sort.Search(len(t.vmas), func(i int) bool { return t.vmas[i].End > start })
	if i == len(t.vmas) || t.vmas[i].Start >= end {
		return nil, false
	}
	return t.vmas[i], true
}

// Overlaps reports whether any existing VMA intersects [start, end).
func (t *Tree) Overlaps(start, end uintptr) bool {
	_, ok := t.FindIntersection(start, end)
	return ok
}

// FindAllIntersecting returns every VMA overlapping [start, end), in
// ascending address order. Unlike FindIntersection, which is enough for
// a single-VMA lookup, this is for callers (munmap, msync) that must
// walk the whole covered region regardless of how many VMAs it spans.
func (t *Tree) FindAllIntersecting(start, end uintptr) []*VMA {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := sort.Search(len(t.vmas), func(i int) bool { return t.vmas[i].End > start })
	var out []*VMA
	for ; i < len(t.vmas) && t.vmas[i].Start < end; i++ {
		out = append(out, t.vmas[i])
	}
	return out
}

// pageSize is the unit Pgoff is expressed in; kept local to avoid a
// dependency between this package and pcache for a single constant.
const pageSize = 4096

// Insert adds v, which must not overlap any existing VMA. Mirrors
// insert_vma_to_mm (spec.md §4.7).
func (t *Tree) Insert(v *VMA) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.vmas), func(i int) bool { return t.vmas[i].Start >= v.Start })
	if i > 0 && t.vmas[i-1].End > v.Start {
		return fmt.Errorf("vma: overlaps preceding range [%#x,%#x)", t.vmas[i-1].Start, t.vmas[i-1].End)
	}
	if i < len(t.vmas) && t.vmas[i].Start < v.End {
		return fmt.Errorf("vma: overlaps following range [%#x,%#x)", t.vmas[i].Start, t.vmas[i].End)
	}
	t.vmas = append(t.vmas, nil)
	copy(t.vmas[i+1:], t.vmas[i:])
	t.vmas[i] = v
	t.recomputeGaps()
	return nil
}

// Remove deletes the VMA exactly spanning [start, end).
func (t *Tree) Remove(start, end uintptr) (*VMA, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.vmas), func(i int) bool { return t.vmas[i].Start >= start })
	if i == len(t.vmas) || t.vmas[i].Start != start || t.vmas[i].End != end {
		return nil, false
	}
	v := t.vmas[i]
	t.vmas = append(t.vmas[:i], t.vmas[i+1:]...)
	t.recomputeGaps()
	return v, true
}

// Trim removes [start, end) from the tree, the way do_munmap handles a
// requested range that doesn't line up with existing VMA boundaries:
// entries fully covered are removed outright, entries straddling only
// one endpoint are shrunk, and an entry straddling both endpoints is
// split into a left and a right remainder (spec.md §4.9 "munmap": split
// VMAs straddling either endpoint, remove the middle, update max_gap).
// Returns the number of VMAs touched; 0 means nothing in the tree
// overlapped the range.
func (t *Tree) Trim(start, end uintptr) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := sort.Search(len(t.vmas), func(i int) bool { return t.vmas[i].End > start })
	touched := 0
	for i < len(t.vmas) && t.vmas[i].Start < end {
		v := t.vmas[i]
		switch {
		case v.Start >= start && v.End <= end:
			// Fully covered: drop it. The next entry slides into index i.
			t.vmas = append(t.vmas[:i], t.vmas[i+1:]...)
			touched++

		case v.Start < start && v.End > end:
			// The requested range is strictly inside this VMA: keep a
			// left remainder in place and insert a new right remainder.
			right := &VMA{
				Start: end, End: v.End,
				Prot: v.Prot, Flags: v.Flags, VMFlags: v.VMFlags,
				FName: v.FName, Pgoff: v.Pgoff + uint64(end-v.Start)/pageSize,
				Owner: v.Owner,
			}
			v.End = start
			t.vmas = append(t.vmas, nil)
			copy(t.vmas[i+2:], t.vmas[i+1:])
			t.vmas[i+1] = right
			touched++
			i += 2

		case v.Start < start:
			// Straddles only the left endpoint: trim the tail.
			v.End = start
			touched++
			i++

		default:
			// Straddles only the right endpoint: trim the head.
			v.Pgoff += uint64(end-v.Start) / pageSize
			v.Start = end
			touched++
			i++
		}
	}
	if touched > 0 {
		t.recomputeGaps()
	}
	return touched
}

// Adjust resizes an existing VMA in place (used by mremap growth and
// brk; spec.md §4.7 "adjust_vma"). The new bounds must still be
// disjoint from every other VMA.
func (t *Tree) Adjust(old *VMA, newStart, newEnd uintptr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := -1
	for i, v := range t.vmas {
		if v == old {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("vma: adjust on untracked range [%#x,%#x)", old.Start, old.End)
	}
	if idx > 0 && t.vmas[idx-1].End > newStart {
		return fmt.Errorf("vma: adjusted range overlaps preceding entry")
	}
	if idx+1 < len(t.vmas) && t.vmas[idx+1].Start < newEnd {
		return fmt.Errorf("vma: adjusted range overlaps following entry")
	}
	old.Start, old.End = newStart, newEnd
	t.recomputeGaps()
	return nil
}

// recomputeGaps refreshes every entry's MaxGap as the maximum of the
// free space immediately following it and the MaxGap of the entry to
// its right, i.e. a suffix max over address order — the same value an
// augmented interval tree's subtree_gap would hold for an in-order
// traversal, computed directly since this Tree is a flat ordered slice
// rather than a balanced tree.
func (t *Tree) recomputeGaps() {
	for i := len(t.vmas) - 1; i >= 0; i-- {
		v := t.vmas[i]
		var after uintptr
		if i+1 < len(t.vmas) {
			after = t.vmas[i+1].Start - v.End
		} else {
			after = t.end - v.End
		}
		gap := after
		if i+1 < len(t.vmas) && t.vmas[i+1].MaxGap > gap {
			gap = t.vmas[i+1].MaxGap
		}
		v.MaxGap = gap
	}
}

// GetUnmappedArea finds a free range of the given length, searching
// top-down (from the high end, like Linux's default mmap policy) or
// bottom-up (spec.md §4.7 "get_unmapped_area"). It takes no address
// hint; MAP_FIXED-style exact placement is checked by CheckFixed.
func (t *Tree) GetUnmappedArea(length uintptr, topDown bool) (uintptr, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.vmas) == 0 {
		if t.end-t.start < length {
			return 0, false
		}
		if topDown {
			return t.end - length, true
		}
		return t.start, true
	}

	if !topDown {
		prev := t.start
		for _, v := range t.vmas {
			if v.Start-prev >= length {
				return prev, true
			}
			prev = v.End
		}
		if t.end-prev >= length {
			return prev, true
		}
		return 0, false
	}

	next := t.end
	for i := len(t.vmas) - 1; i >= 0; i-- {
		v := t.vmas[i]
		if next-v.End >= length {
			return next - length, true
		}
		next = v.Start
	}
	if next-t.start >= length {
		return next - length, true
	}
	return 0, false
}

// CheckFixed reports whether [start, start+length) is free, for
// MAP_FIXED placement (spec.md §4.9 "mmap with MAP_FIXED").
func (t *Tree) CheckFixed(start, length uintptr) bool {
	return !t.Overlaps(start, start+length)
}

// Each calls f for every VMA in ascending address order; f must not
// mutate the tree.
func (t *Tree) Each(f func(*VMA)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, v := range t.vmas {
		f(v)
	}
}

// Len returns the number of tracked VMAs.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.vmas)
}
