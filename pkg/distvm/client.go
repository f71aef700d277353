package distvm

import (
	"context"

	"github.com/wuklab/legomem/internal/wire"
	"github.com/wuklab/legomem/pkg/ids"
)

// Client is the M2M RPC contract a DistributedRouter uses to reach a
// remote range's owning node, mirroring the handle_m2m_* family in
// original_source/managers/memory/handle_mmap.c. pkg/transport
// provides the concrete implementation; distvm only depends on this
// interface to stay free of a transport import cycle.
type Client interface {
	M2MMmap(ctx context.Context, node ids.NodeID, req wire.M2MMmapRequest) (wire.M2MMmapReply, error)
	M2MMunmap(ctx context.Context, node ids.NodeID, req wire.M2MMunmapRequest) (wire.M2MMunmapReply, error)
	M2MFindVMA(ctx context.Context, node ids.NodeID, req wire.M2MFindVMARequest) (wire.M2MFindVMAReply, error)
	M2MMremapGrow(ctx context.Context, node ids.NodeID, req wire.M2MMremapGrowRequest) (wire.M2MMremapGrowReply, error)
	M2MMremapMove(ctx context.Context, node ids.NodeID, req wire.M2MMremapMoveRequest) (wire.M2MMremapMoveReply, error)
	M2MMremapMoveSplit(ctx context.Context, node ids.NodeID, req wire.M2MMremapMoveSplitRequest) (wire.M2MMremapMoveSplitReply, error)
	M2MMsync(ctx context.Context, node ids.NodeID, req wire.M2MMsyncRequest) (wire.M2MMsyncReply, error)
}

// CrossNodeMremapMove performs a cross-node mremap-with-move by sending
// one M2MMremapMoveSplit request to srcNode, whose handler removes the
// VMA at oldAddr; the reply is returned as is. dstNode is not
// contacted: nothing is reserved or recorded at the destination range's
// owner, and no separate M2MMunmap is sent.
func CrossNodeMremapMove(ctx context.Context, cli Client, srcNode, dstNode ids.NodeID, pid ids.PID, oldAddr, oldLen, newAddr, newLen uintptr) (wire.M2MMremapMoveSplitReply, error) {
	req := wire.M2MMremapMoveSplitRequest{
		PID:     wire.PID(pid),
		OldAddr: uint64(oldAddr),
		OldLen:  uint64(oldLen),
		NewAddr: uint64(newAddr),
		NewLen:  uint64(newLen),
	}
	return cli.M2MMremapMoveSplit(ctx, srcNode, req)
}
