package pcache

import (
	"sync/atomic"

	"github.com/wuklab/legomem/pkg/bitflags"
)

// pset stat indices, mirroring enum pcache_set_stat_item.
const (
	statAlloc = iota
	statFillMemory
	statFillVictim
	statEviction
	nrPsetStatItems
)

// pset flag bits, mirroring enum pcache_set_flags.
const (
	psetEvicting uint = iota
	psetSweeping
)

// SetStats is a snapshot of a pset's counters for debug dumps.
type SetStats struct {
	Alloc      int64
	FillMemory int64
	FillVictim int64
	Eviction   int64
}

// Set is one hash bucket of the set-associative cache: NWay lines plus
// the eviction-variant-specific state named in spec.md §3. Exactly one
// of lru / victim / pending is populated, chosen by the Cache's
// EvictionEngine at construction (spec.md §9).
type Set struct {
	idx   int
	cache *Cache
	ways  []Line

	counters [nrPsetStatItems]int64 // atomic
	flags    bitflags.Word

	lru     *lruSetState
	victim  *victimSetState
	pending *pendingListSetState
}

func (s *Set) bump(stat int) { atomic.AddInt64(&s.counters[stat], 1) }

// Stats snapshots this set's counters.
func (s *Set) Stats() SetStats {
	return SetStats{
		Alloc:      atomic.LoadInt64(&s.counters[statAlloc]),
		FillMemory: atomic.LoadInt64(&s.counters[statFillMemory]),
		FillVictim: atomic.LoadInt64(&s.counters[statFillVictim]),
		Eviction:   atomic.LoadInt64(&s.counters[statEviction]),
	}
}

// Evicting reports whether this set is currently under eviction; it
// also serialises concurrent eviction attempts on the same set
// (spec.md §4.5 "common teardown", step 1).
func (s *Set) Evicting() bool { return s.flags.Test(psetEvicting) }

// Sweeping reports whether a per-set-list Evict call is currently
// scanning this set (spec.md §4.5, per-set pending-list variant: "a
// single concurrent scanner per set"). The sweep runs inline in Evict;
// there is no background sweeper thread.
func (s *Set) Sweeping() bool { return s.flags.Test(psetSweeping) }

// way returns the line at the given way index within this set.
func (s *Set) way(w int) *Line {
	return &s.ways[w]
}
