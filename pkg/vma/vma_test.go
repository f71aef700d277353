package vma

import "testing"

func TestInsertDisjointRejectsOverlap(t *testing.T) {
	tr := NewTree(0, 1<<40)
	if err := tr.Insert(&VMA{Start: 0x1000, End: 0x3000}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tr.Insert(&VMA{Start: 0x2000, End: 0x4000}); err == nil {
		t.Fatalf("expected overlap rejection")
	}
	if err := tr.Insert(&VMA{Start: 0x3000, End: 0x4000}); err != nil {
		t.Fatalf("adjacent insert should succeed: %v", err)
	}
}

func TestFindVMA(t *testing.T) {
	tr := NewTree(0, 1<<40)
	a := &VMA{Start: 0x1000, End: 0x2000}
	b := &VMA{Start: 0x5000, End: 0x6000}
	must(t, tr.Insert(a))
	must(t, tr.Insert(b))

	if v, ok := tr.FindVMA(0x1500); !ok || v != a {
		t.Fatalf("expected hit on a, got %v %v", v, ok)
	}
	if v, ok := tr.FindVMA(0x3000); !ok || v != b {
		t.Fatalf("miss between ranges should return next-higher vma, got %v %v", v, ok)
	}
	if _, ok := tr.FindVMA(0x9000); ok {
		t.Fatalf("expected no vma past every range")
	}
}

func TestGetUnmappedAreaBottomUp(t *testing.T) {
	tr := NewTree(0, 0x10000)
	must(t, tr.Insert(&VMA{Start: 0x1000, End: 0x2000}))
	addr, ok := tr.GetUnmappedArea(0x1000, false)
	if !ok || addr != 0 {
		t.Fatalf("expected gap at 0, got %#x %v", addr, ok)
	}
	must(t, tr.Insert(&VMA{Start: 0, End: 0x1000}))
	addr, ok = tr.GetUnmappedArea(0x1000, false)
	if !ok || addr != 0x2000 {
		t.Fatalf("expected gap at 0x2000, got %#x %v", addr, ok)
	}
}

func TestGetUnmappedAreaTopDown(t *testing.T) {
	tr := NewTree(0, 0x10000)
	must(t, tr.Insert(&VMA{Start: 0x8000, End: 0x9000}))
	addr, ok := tr.GetUnmappedArea(0x1000, true)
	if !ok || addr != 0xf000 {
		t.Fatalf("expected top-down placement at 0xf000, got %#x %v", addr, ok)
	}
}

func TestMaxGapMatchesBruteForce(t *testing.T) {
	tr := NewTree(0, 0x10000)
	must(t, tr.Insert(&VMA{Start: 0x1000, End: 0x2000}))
	must(t, tr.Insert(&VMA{Start: 0x4000, End: 0x5000}))
	must(t, tr.Insert(&VMA{Start: 0x8000, End: 0x9000}))

	var want uintptr
	bruteForceMaxGapFrom := func(from uintptr) uintptr {
		var ranges []struct{ s, e uintptr }
		tr.Each(func(v *VMA) { ranges = append(ranges, struct{ s, e uintptr }{v.Start, v.End}) })
		prev := from
		var max uintptr
		for _, r := range ranges {
			if r.s < from {
				prev = r.e
				continue
			}
			if g := r.s - prev; g > max {
				max = g
			}
			prev = r.e
		}
		if g := tr.end - prev; g > max {
			max = g
		}
		return max
	}
	want = bruteForceMaxGapFrom(0)

	var root *VMA
	tr.Each(func(v *VMA) {
		if root == nil {
			root = v
		}
	})
	if root.MaxGap != want {
		t.Fatalf("MaxGap mismatch: got %#x want %#x", root.MaxGap, want)
	}
}

func TestAdjustVMAGrow(t *testing.T) {
	tr := NewTree(0, 0x10000)
	v := &VMA{Start: 0x1000, End: 0x2000}
	must(t, tr.Insert(v))
	if err := tr.Adjust(v, 0x1000, 0x3000); err != nil {
		t.Fatalf("grow into free space should succeed: %v", err)
	}
	must(t, tr.Insert(&VMA{Start: 0x3000, End: 0x4000}))
	if err := tr.Adjust(v, 0x1000, 0x3500); err == nil {
		t.Fatalf("grow into occupied space should fail")
	}
}

func TestTrimSplitsVMAStraddlingBothEndpoints(t *testing.T) {
	tr := NewTree(0, 0x10000)
	must(t, tr.Insert(&VMA{Start: 0x1000, End: 0x4000, FName: "f", Pgoff: 0}))

	if n := tr.Trim(0x2000, 0x3000); n != 1 {
		t.Fatalf("expected 1 VMA touched, got %d", n)
	}
	if tr.Len() != 2 {
		t.Fatalf("expected a left and right remainder, got %d entries", tr.Len())
	}
	left, ok := tr.FindExact(0x1000)
	if !ok || left.End != 0x2000 {
		t.Fatalf("left remainder wrong: %+v %v", left, ok)
	}
	right, ok := tr.FindExact(0x3000)
	if !ok || right.End != 0x4000 {
		t.Fatalf("right remainder wrong: %+v %v", right, ok)
	}
	if right.Pgoff != 2 {
		t.Fatalf("expected right remainder's pgoff advanced by 2 pages, got %d", right.Pgoff)
	}
}

func TestTrimRemovesFullyCoveredVMA(t *testing.T) {
	tr := NewTree(0, 0x10000)
	must(t, tr.Insert(&VMA{Start: 0x1000, End: 0x2000}))
	if n := tr.Trim(0x1000, 0x2000); n != 1 {
		t.Fatalf("expected 1 VMA touched, got %d", n)
	}
	if tr.Len() != 0 {
		t.Fatalf("expected the tree to be empty, got %d entries", tr.Len())
	}
}

func TestTrimShrinksVMAStraddlingOneEndpoint(t *testing.T) {
	tr := NewTree(0, 0x10000)
	must(t, tr.Insert(&VMA{Start: 0x1000, End: 0x3000}))
	if n := tr.Trim(0x2000, 0x4000); n != 1 {
		t.Fatalf("expected 1 VMA touched, got %d", n)
	}
	v, ok := tr.FindExact(0x1000)
	if !ok || v.End != 0x2000 {
		t.Fatalf("expected tail trimmed to 0x2000, got %+v %v", v, ok)
	}

	must(t, tr.Insert(&VMA{Start: 0x5000, End: 0x7000}))
	if n := tr.Trim(0x4000, 0x6000); n != 1 {
		t.Fatalf("expected 1 VMA touched, got %d", n)
	}
	v2, ok := tr.FindExact(0x6000)
	if !ok || v2.End != 0x7000 {
		t.Fatalf("expected head trimmed to start at 0x6000, got %+v %v", v2, ok)
	}
}

func TestTrimReportsZeroWhenNothingOverlaps(t *testing.T) {
	tr := NewTree(0, 0x10000)
	must(t, tr.Insert(&VMA{Start: 0x1000, End: 0x2000}))
	if n := tr.Trim(0x5000, 0x6000); n != 0 {
		t.Fatalf("expected no VMA touched, got %d", n)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
