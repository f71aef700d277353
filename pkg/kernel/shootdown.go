package kernel

import "github.com/wuklab/legomem/pkg/ids"

// ShootdownLocal looks up (task, vaddr) in this node's own task table
// and changes nothing: the PTE itself is cleared by the eviction
// teardown that calls it. It is the degenerate single-node case of the
// TLB-shootdown contract spec.md §9 leaves as an Open Question;
// SPEC_FULL.md resolves it as a synchronous call that, on a real
// multi-compute-node deployment, would fan out over every compute node
// currently mapping the page before returning.
func (k *Kernel) ShootdownLocal(task ids.TaskKey, vaddr uintptr) {
	t, ok := k.tasks.Lookup(task)
	if !ok {
		return
	}
	if v, ok := t.MM.Tree.FindExact(vaddr &^ (4096 - 1)); ok {
		_ = v // the PTE itself lives in pcache.Line.rmap entries, already
		// cleared by the eviction teardown that triggered this call;
		// this hook exists for a multi-node fan-out that has nothing
		// further to do locally beyond confirming the range still maps.
	}
}
