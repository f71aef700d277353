package kernel

import (
	"sync"

	"github.com/wuklab/legomem/pkg/ids"
)

// taskTable is a sharded, per-bucket-locked map from TaskKey to *Task,
// matching find_lego_task_by_pid's RCU-protected hashtable: reads never
// block a concurrent reader, and only the bucket a write touches is
// locked (spec.md §5 "RCU-style task hashtable"). Grounded on
// Oichkatzelesfrettschen-biscuit/biscuit/src/hashtable/hashtable.go's
// per-bucket sync.RWMutex bucket array.
type taskTable struct {
	buckets []taskBucket
	mask    uint64
}

type taskBucket struct {
	mu    sync.RWMutex
	tasks map[ids.TaskKey]*Task
}

// newTaskTable creates a table with nBuckets buckets; nBuckets must be
// a power of two.
func newTaskTable(nBuckets int) *taskTable {
	t := &taskTable{buckets: make([]taskBucket, nBuckets), mask: uint64(nBuckets - 1)}
	for i := range t.buckets {
		t.buckets[i].tasks = make(map[ids.TaskKey]*Task)
	}
	return t
}

func (t *taskTable) bucketFor(key ids.TaskKey) *taskBucket {
	h := uint64(key.NID)*31 + uint64(key.PID)
	return &t.buckets[h&t.mask]
}

// Lookup finds a task by key without blocking writers to other
// buckets.
func (t *taskTable) Lookup(key ids.TaskKey) (*Task, bool) {
	b := t.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	task, ok := b.tasks[key]
	return task, ok
}

// Insert adds task, replacing any existing entry for the same key.
func (t *taskTable) Insert(task *Task) {
	b := t.bucketFor(task.Key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[task.Key] = task
}

// Remove deletes the task identified by key, if present.
func (t *taskTable) Remove(key ids.TaskKey) {
	b := t.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tasks, key)
}

// LookupOrCreate returns the existing task for key, or creates and
// inserts one via newFn if absent — the lazy materialization
// handle_m2m_mmap performs when a remote memory node sees a PID it has
// never heard of before.
func (t *taskTable) LookupOrCreate(key ids.TaskKey, newFn func() *Task) *Task {
	b := t.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if task, ok := b.tasks[key]; ok {
		return task
	}
	task := newFn()
	b.tasks[key] = task
	return task
}
