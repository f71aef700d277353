// Package kernel wires the PCache, VMA and DistVM components together
// behind the P2M/M2M handler surface described in spec.md §4.9/§6: the
// single long-lived Kernel value design note 9 asks for in place of the
// source's module-level globals (current_pcache, phys_mem, ...).
package kernel

import (
	"github.com/sirupsen/logrus"

	"github.com/wuklab/legomem/internal/config"
	"github.com/wuklab/legomem/pkg/distvm"
	"github.com/wuklab/legomem/pkg/ids"
	"github.com/wuklab/legomem/pkg/pcache"
)

// addressSpaceStart/End bound every MM's mappable range: 0x10000 to the
// canonical x86-64 userspace ceiling.
const (
	addressSpaceStart = 0x10000
	addressSpaceEnd   = 0x0000_7fff_ffff_f000
)

// Kernel is the top-level value every P2M/M2M handler closes over: it
// replaces the source's scattered global state (spec.md §9).
type Kernel struct {
	Self ids.NodeID

	Cache  *pcache.Cache
	Router distvm.Router
	Client distvm.Client // nil under RouterLocal

	tasks *taskTable
	log   *logrus.Logger

	cfg *config.KernelConfig
}

// New builds a Kernel from cfg. client may be nil when cfg selects
// RouterLocal; it must be non-nil under RouterDistributed.
func New(cfg *config.KernelConfig, cache *pcache.Cache, client distvm.Client, log *logrus.Logger) *Kernel {
	self := ids.NodeID(cfg.NodeID)
	return &Kernel{
		Self:   self,
		Cache:  cache,
		Router: distvm.NewRouter(cfg, self),
		Client: client,
		tasks:  newTaskTable(256),
		log:    log,
		cfg:    cfg,
	}
}

// taskFor returns the task for key, materializing a fresh one (with a
// fresh, empty MM) if this is the first time the kernel has seen it —
// the lazy-creation behavior handle_m2m_mmap documents for a memory
// node receiving its first request about a PID.
func (k *Kernel) taskFor(key ids.TaskKey) *Task {
	return k.tasks.LookupOrCreate(key, func() *Task {
		return &Task{Key: key, MM: NewMM(ids.MMKey(key.PID)|ids.MMKey(key.NID)<<32, addressSpaceStart, addressSpaceEnd)}
	})
}

// TaskFor exposes taskFor for callers outside the package (e.g. a local
// P2M entrypoint). Like taskFor it creates the task on first use, since
// the Kernel has no separate "task creation" RPC of its own (one is
// never defined by the source either — tasks appear on first mmap).
func (k *Kernel) TaskFor(key ids.TaskKey) *Task { return k.taskFor(key) }
