// Package ids defines the small set of identifiers shared across the
// pcache, vma, distvm and kernel packages, so those packages can
// reference "which task" and "which address space" without importing
// each other and forming a cycle — the Go answer to the source's
// rmap-to-mm back-pointer cycle (spec.md §9, "Cyclic references").
package ids

// NodeID identifies a compute or memory node in the fabric.
type NodeID uint32

// PID identifies a task on its owning (source) node. PIDs are only
// unique in combination with the owning NodeID.
type PID uint32

// TaskKey uniquely identifies a task across the whole fabric, the Go
// analogue of the source's (src_nid, pid) lookup key for
// find_lego_task_by_pid.
type TaskKey struct {
	NID NodeID
	PID PID
}

// MMKey is an opaque, comparable handle for an address space (a
// lego_mm_struct). rmap entries hold an MMKey rather than a pointer to
// the owning address space so that tearing down an mm does not require
// every rmap entry pointing at it to be found through the mm itself;
// instead a sweep keyed by MMKey removes them (spec.md §9).
type MMKey uint64
