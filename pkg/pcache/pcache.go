// Package pcache implements the set-associative, software-managed
// processor cache described in spec.md §2(A–F): a fixed array of sets
// × ways of 4KiB lines, its allocator, reverse-map registry, eviction
// engine, and page-fault fill path. PCache is virtually indexed and
// tag-matched by rmap traversal rather than a stored tag field
// (spec.md §4.2).
package pcache

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/wuklab/legomem/internal/config"
)

// PageSize is the fixed payload size of a single cache line, matching
// the platform page size (x86-64, 4KiB pages).
const PageSize = 4096

// PageShift is log2(PageSize).
const PageShift = 12

// goldenRatio64 is the same multiplicative-hash constant the source
// uses for its generic hash_64_generic() (include/lego/hashtable.h);
// reused here to distribute virtual address bits across cache sets.
const goldenRatio64 = 0x61C8864680B583EB

// Cache is the top-level PCache instance: a fixed NSet*NWay array of
// lines, their backing physical frames, and per-set bookkeeping.
type Cache struct {
	NSet, NWay int

	sets   []*Set
	lines  []Line
	frames [][PageSize]byte

	evict  EvictionEngine
	fetch  RemoteFetcher
	write  WritebackFunc
	shoot  ShootdownFunc
	log    *logrus.Logger
}

// RemoteFetcher fetches a page's content from the owning memory node.
// It is the PCache-side contract for the transport's remote-fetch RPC
// (spec.md §4.6 "Remote fetch").
type RemoteFetcher interface {
	FetchPage(task TaskKey, vaddr uintptr) ([PageSize]byte, error)
}

// WritebackFunc persists a dirty line's content to the owning memory
// node before the line is reclaimed (spec.md §4.5, teardown step 3).
type WritebackFunc func(task TaskKey, vaddr uintptr, frame *[PageSize]byte) error

// ShootdownFunc invalidates the mapping of the page at vaddr for task;
// eviction teardown calls it once per rmap entry. It is the external
// collaborator named in spec.md §1 and pinned down synchronously per SPEC_FULL.md (the
// line is not considered gone until this returns).
type ShootdownFunc func(task TaskKey, vaddr uintptr)

// New builds a Cache from cfg, wiring the eviction engine variant the
// configuration selects (spec.md §9: "Model as sum-typed strategies
// selected at construction").
func New(cfg *config.KernelConfig, fetch RemoteFetcher, write WritebackFunc, shoot ShootdownFunc, log *logrus.Logger) (*Cache, error) {
	nSet, nWay := cfg.PCache.Sets, cfg.PCache.Ways
	if nSet <= 0 || nWay <= 0 {
		return nil, fmt.Errorf("pcache: invalid geometry %dx%d", nSet, nWay)
	}
	c := &Cache{
		NSet:   nSet,
		NWay:   nWay,
		sets:   make([]*Set, nSet),
		lines:  make([]Line, nSet*nWay),
		frames: make([][PageSize]byte, nSet*nWay),
		fetch:  fetch,
		write:  write,
		shoot:  shoot,
		log:    log,
	}
	for i := range c.lines {
		c.lines[i].cache = c
		c.lines[i].index = i
	}
	for s := 0; s < nSet; s++ {
		set := &Set{idx: s, cache: c, ways: c.lines[s*nWay : (s+1)*nWay]}
		c.sets[s] = set
	}
	switch cfg.PCache.Eviction {
	case config.EvictionLRU:
		c.evict = newLRUEngine(c)
	case config.EvictionVictim:
		c.evict = newVictimEngine(c, cfg.PCache.VictimSlotsPerSet)
	case config.EvictionPerSetList:
		c.evict = newPerSetListEngine(c)
	default:
		return nil, fmt.Errorf("pcache: unknown eviction policy %q", cfg.PCache.Eviction)
	}
	return c, nil
}

// setIndex maps a user virtual address to its cache set, per spec.md
// §4.2: shift off the page offset, then hash the remaining bits.
func (c *Cache) setIndex(vaddr uintptr) int {
	pgn := uint64(vaddr) >> PageShift
	h := pgn * goldenRatio64
	return int(h>>32) % c.NSet
}

// SetFor returns the cache set that vaddr maps to.
func (c *Cache) SetFor(vaddr uintptr) *Set {
	return c.sets[c.setIndex(vaddr)]
}

// Line returns the line at (set, way).
func (c *Cache) Line(set, way int) *Line {
	return &c.lines[set*c.NWay+way]
}

// Stats snapshots the NR_PSET_STAT_ITEMS counters across every set,
// summed, for debug/monitoring dumps.
func (c *Cache) Stats() SetStats {
	var total SetStats
	for _, s := range c.sets {
		st := s.Stats()
		total.Alloc += st.Alloc
		total.FillMemory += st.FillMemory
		total.FillVictim += st.FillVictim
		total.Eviction += st.Eviction
	}
	return total
}
