package pcache

import "github.com/wuklab/legomem/pkg/ids"

// TaskKey identifies the owning task of an rmap entry.
type TaskKey = ids.TaskKey

// MMKey identifies the owning address space of an rmap entry.
type MMKey = ids.MMKey

// RmapCaller records why a pcache line was filled, mirroring enum
// rmap_caller in include/processor/pcache_types.h.
type RmapCaller int

const (
	RmapFillRemote RmapCaller = iota
	RmapZeroFill
	RmapVictimFill
	RmapCOW
	RmapFork
	RmapMremapSlowpath
)

func (c RmapCaller) String() string {
	switch c {
	case RmapFillRemote:
		return "fill_remote"
	case RmapZeroFill:
		return "zerofill"
	case RmapVictimFill:
		return "victim_fill"
	case RmapCOW:
		return "cow"
	case RmapFork:
		return "fork"
	case RmapMremapSlowpath:
		return "mremap_slowpath"
	default:
		return "unknown"
	}
}

// FaultCause is why Cache.Fill was invoked, spec.md §4.6.
type FaultCause int

const (
	FaultMiss FaultCause = iota
	FaultCOW
	FaultZero
)
