// Package distvm implements the DistVM address-space partitioning
// described in spec.md §4.9: fixed-width VMA ranges, each owned by one
// memory node, and the router that decides whether an operation on a
// given address stays local or must be forwarded as an M2M RPC.
//
// Grounded on the range-ownership dispatch in
// original_source/managers/memory/handle_mmap.c (handle_p2m_mmap's
// "distributed" branch, handle_m2m_* family), reworked from the
// source's compile-time CONFIG_DISTRIBUTED_VMA #ifdef into the
// sum-typed Router strategy spec.md §9 asks for. The ownership index
// itself is grounded on maxnasonov-gvisor's go.mod dependency on
// github.com/google/btree, used here in place of a hand-rolled rbtree.
package distvm

import (
	"github.com/google/btree"

	"github.com/wuklab/legomem/internal/config"
	"github.com/wuklab/legomem/pkg/ids"
)

// rangeEntry is one fixed-width range's ownership record.
type rangeEntry struct {
	start uintptr
	node  ids.NodeID
}

func (a rangeEntry) Less(than btree.Item) bool {
	return a.start < than.(rangeEntry).start
}

// RangeTable indexes which node owns each fixed-width VMA range.
type RangeTable struct {
	bt         *btree.BTree
	rangeBytes uintptr
}

// NewRangeTable creates an empty table partitioning the address space
// into rangeBytes-wide ranges (spec.md glossary "VMA range").
func NewRangeTable(rangeBytes uintptr) *RangeTable {
	return &RangeTable{bt: btree.New(32), rangeBytes: rangeBytes}
}

func (t *RangeTable) alignDown(addr uintptr) uintptr {
	return addr - (addr % t.rangeBytes)
}

// Assign records that node owns the range containing addr.
func (t *RangeTable) Assign(addr uintptr, node ids.NodeID) {
	t.bt.ReplaceOrInsert(rangeEntry{start: t.alignDown(addr), node: node})
}

// Owner returns the node owning the range containing addr, and false
// if no range has been assigned there yet.
func (t *RangeTable) Owner(addr uintptr) (ids.NodeID, bool) {
	item := t.bt.Get(rangeEntry{start: t.alignDown(addr)})
	if item == nil {
		return 0, false
	}
	return item.(rangeEntry).node, true
}

// RangeStart returns the aligned start of the range containing addr.
func (t *RangeTable) RangeStart(addr uintptr) uintptr { return t.alignDown(addr) }

// RangeBytes returns the fixed width of a VMA range.
func (t *RangeTable) RangeBytes() uintptr { return t.rangeBytes }

// Router decides, per spec.md §4.9, whether an address belongs to the
// local node or must be routed to a remote memory node via M2M RPC.
// LocalRouter and DistributedRouter are the two build variants the
// source selected at compile time with CONFIG_DISTRIBUTED_VMA; here
// they are chosen once at Kernel construction from config.RouterMode.
type Router interface {
	Mode() config.RouterMode
	// Owner returns the node responsible for addr. For LocalRouter this
	// is always the local node.
	Owner(addr uintptr) ids.NodeID
	IsLocal(addr uintptr) bool
}

// LocalRouter is the non-distributed variant: every address belongs to
// the local node, matching handle_p2m_mmap's non-CONFIG_DISTRIBUTED_VMA
// path.
type LocalRouter struct {
	Self ids.NodeID
}

func (r *LocalRouter) Mode() config.RouterMode { return config.RouterLocal }
func (r *LocalRouter) Owner(uintptr) ids.NodeID { return r.Self }
func (r *LocalRouter) IsLocal(uintptr) bool     { return true }

// DistributedRouter consults a RangeTable to find each range's owner,
// matching the CONFIG_DISTRIBUTED_VMA path's find_region()/owner
// lookups.
type DistributedRouter struct {
	Self  ids.NodeID
	Table *RangeTable
}

func (r *DistributedRouter) Mode() config.RouterMode { return config.RouterDistributed }

func (r *DistributedRouter) Owner(addr uintptr) ids.NodeID {
	if n, ok := r.Table.Owner(addr); ok {
		return n
	}
	return r.Self
}

func (r *DistributedRouter) IsLocal(addr uintptr) bool {
	return r.Owner(addr) == r.Self
}

// NewRouter builds the Router variant cfg selects.
func NewRouter(cfg *config.KernelConfig, self ids.NodeID) Router {
	switch cfg.VMA.Router {
	case config.RouterDistributed:
		return &DistributedRouter{Self: self, Table: NewRangeTable(uintptr(cfg.VMA.RangeBytes))}
	default:
		return &LocalRouter{Self: self}
	}
}
