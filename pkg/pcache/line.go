package pcache

import (
	"container/list"
	"runtime"
	"sync/atomic"

	"github.com/wuklab/legomem/pkg/bitflags"
)

// pcm bit positions, mirroring enum pcache_meta_bits in
// include/processor/pcache_types.h.
const (
	bitLocked uint = iota
	bitAllocated
	bitUsable
	bitValid
	bitDirty
	bitReclaim
	bitWriteback
)

// flagsCheckAtFree is PCACHE_FLAGS_CHECK_AT_FREE: none of these may be
// set at the instant Allocated transitions 1->0.
const flagsCheckAtFree = 1<<bitLocked | 1<<bitValid | 1<<bitDirty |
	1<<bitReclaim | 1<<bitWriteback

// Line is a single pcache way: a 4KiB frame plus its cache-line-sized
// metadata record (spec.md §3, struct pcache_meta).
//
// Locked doubles as the leaf spinlock for rmap list mutation and bit
// transitions that must be atomic with rmap walks (spec.md §4.1). It is
// a genuine spinlock: TestAndSet(Locked) to acquire, Clear(Locked) to
// release, busy-waiting with a scheduler yield in between attempts.
// Callers must never block (sleep, RPC) while holding it.
type Line struct {
	cache *Cache
	index int

	bits     bitflags.Word
	mapcount int32 // atomic; must equal len(rmap) whenever Locked==0
	refcount int32 // atomic

	rmap *list.List // of *RmapEntry, mutated only while Locked is held

	// lastOwner remembers the most recently added rmap entry so
	// teardown has somewhere to write a dirty line back to after the
	// rmap list itself has been torn down (spec.md §4.5 step 3).
	lastOwner *RmapEntry

	// lruElem links this line into its pset's LRU list. Only
	// meaningful when the cache's eviction engine is the LRU variant.
	lruElem *list.Element
}

func (l *Line) set() *Set    { return l.cache.sets[l.index/l.cache.NWay] }
func (l *Line) way() int     { return l.index % l.cache.NWay }
func (l *Line) frame() *[PageSize]byte { return &l.cache.frames[l.index] }

// Lock acquires the line's Locked bit, spinning. Spin locks in this
// package never sleep and never issue RPCs while held (spec.md §5).
func (l *Line) Lock() {
	for l.bits.TestAndSet(bitLocked) {
		runtime.Gosched()
	}
}

// Unlock releases the line's Locked bit.
func (l *Line) Unlock() {
	l.bits.Clear(bitLocked)
}

// Allocated, Usable, Valid, Dirty, Reclaim, Writeback report the
// corresponding bit. A reader that observes !Usable() must treat the
// line as not present even if Allocated() is true (spec.md §4.3).
func (l *Line) Allocated() bool { return l.bits.Test(bitAllocated) }
func (l *Line) Usable() bool    { return l.bits.Test(bitUsable) }
func (l *Line) Valid() bool     { return l.bits.Test(bitValid) }
func (l *Line) Dirty() bool     { return l.bits.Test(bitDirty) }
func (l *Line) Reclaim() bool   { return l.bits.Test(bitReclaim) }
func (l *Line) Writeback() bool { return l.bits.Test(bitWriteback) }

// Resident reports whether the line currently holds a usable, hit-able
// mapping: the conjunction eviction candidates must satisfy (spec.md
// §4.5: "allocated ∧ usable ∧ valid").
func (l *Line) Resident() bool {
	m := l.bits.Mask()
	want := uint64(1<<bitAllocated | 1<<bitUsable | 1<<bitValid)
	return m&want == want
}

// Mapcount returns the current rmap reference count.
func (l *Line) Mapcount() int32 { return atomic.LoadInt32(&l.mapcount) }

// rmapAdd appends an rmap entry, incrementing mapcount. The caller must
// hold l.Lock(). Mirrors pcache_add_rmap (spec.md §4.4).
func (l *Line) rmapAdd(e *RmapEntry) {
	if l.rmap == nil {
		l.rmap = list.New()
	}
	l.rmap.PushBack(e)
	l.lastOwner = e
	atomic.AddInt32(&l.mapcount, 1)
}

// rmapRemove removes elem (as returned alongside the entry by
// rmapWalk), decrementing mapcount. The caller must hold l.Lock().
func (l *Line) rmapRemove(elem *list.Element) {
	l.rmap.Remove(elem)
	atomic.AddInt32(&l.mapcount, -1)
}

// rmapWalk calls f for every rmap entry in order, stopping early if f
// returns false. The caller must hold l.Lock(); f may remove the
// current element via rmapRemove (container/list supports that during
// iteration because the next pointer is captured before the callback).
func (l *Line) rmapWalk(f func(elem *list.Element, e *RmapEntry) bool) {
	if l.rmap == nil {
		return
	}
	for e := l.rmap.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*RmapEntry)
		if !f(e, entry) {
			return
		}
		e = next
	}
}

// rmapFind returns the rmap entry (and its list element) matching
// (mm, vaddr), used by the fault path's hit check and by the second
// lookup that collapses concurrent faults on the same address
// (spec.md §4.6).
func (l *Line) rmapFind(mm MMKey, vaddr uintptr) (*list.Element, *RmapEntry, bool) {
	var foundElem *list.Element
	var found *RmapEntry
	l.rmapWalk(func(elem *list.Element, e *RmapEntry) bool {
		if e.MM == mm && e.Vaddr == vaddr {
			foundElem, found = elem, e
			return false
		}
		return true
	})
	return foundElem, found, found != nil
}

// reset clears all per-line metadata back to the free state. Called
// only by the allocator's Publish phase, never concurrently with a
// reader (the line is still !Usable at this point).
func (l *Line) reset() {
	l.rmap = list.New()
	l.lastOwner = nil
	atomic.StoreInt32(&l.mapcount, 0)
	atomic.StoreInt32(&l.refcount, 1)
}

// RmapEntry is a single reverse-map record: which PTE, which mm, which
// task, which page-aligned user virtual address, and why the mapping
// was installed (spec.md §3).
type RmapEntry struct {
	PTE    *PTE
	MM     MMKey
	Task   TaskKey
	Vaddr  uintptr
	Caller RmapCaller
}

// PTE is the processor-side page table entry slot a line is published
// into. It stands in for the source's raw `pte_t *`: a pointer the
// fault/eviction paths mutate directly (spec.md §4.6 "PTE must not be
// published until valid=1").
type PTE struct {
	Present bool
	COW     bool
	Line    *Line
}
