package transport

import (
	"context"

	"github.com/cenkalti/backoff"

	"github.com/wuklab/legomem/internal/config"
	"github.com/wuklab/legomem/internal/wire"
	"github.com/wuklab/legomem/pkg/ids"
)

// Client implements distvm.Client over a Registry of in-process
// Servers, retrying each call under a fresh backoff.BackOff per
// spec.md §5's retry-on-transient-failure expectation for M2M RPCs.
// Self identifies the node issuing the calls, threaded through as the
// srcNID every M2M handler expects.
type Client struct {
	Self     ids.NodeID
	registry *Registry
	cfg      *config.KernelConfig
}

// NewClient builds a Client issuing calls as self, resolved through
// registry.
func NewClient(cfg *config.KernelConfig, self ids.NodeID, registry *Registry) *Client {
	return &Client{Self: self, registry: registry, cfg: cfg}
}

func retry[T any](ctx context.Context, cfg *config.KernelConfig, fn func() (T, error)) (T, error) {
	var result T
	op := func() error {
		var err error
		result, err = fn()
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(NewBackoff(cfg), ctx))
	return result, err
}

func (c *Client) M2MMmap(ctx context.Context, node ids.NodeID, req wire.M2MMmapRequest) (wire.M2MMmapReply, error) {
	return retry(ctx, c.cfg, func() (wire.M2MMmapReply, error) {
		srv, err := c.registry.lookup(node)
		if err != nil {
			return wire.M2MMmapReply{}, err
		}
		if err := srv.admit(ctx); err != nil {
			return wire.M2MMmapReply{}, err
		}
		return srv.handler.M2MMmap(ctx, c.Self, req), nil
	})
}

func (c *Client) M2MMunmap(ctx context.Context, node ids.NodeID, req wire.M2MMunmapRequest) (wire.M2MMunmapReply, error) {
	return retry(ctx, c.cfg, func() (wire.M2MMunmapReply, error) {
		srv, err := c.registry.lookup(node)
		if err != nil {
			return wire.M2MMunmapReply{}, err
		}
		if err := srv.admit(ctx); err != nil {
			return wire.M2MMunmapReply{}, err
		}
		return srv.handler.M2MMunmap(ctx, c.Self, req), nil
	})
}

func (c *Client) M2MFindVMA(ctx context.Context, node ids.NodeID, req wire.M2MFindVMARequest) (wire.M2MFindVMAReply, error) {
	return retry(ctx, c.cfg, func() (wire.M2MFindVMAReply, error) {
		srv, err := c.registry.lookup(node)
		if err != nil {
			return wire.M2MFindVMAReply{}, err
		}
		if err := srv.admit(ctx); err != nil {
			return wire.M2MFindVMAReply{}, err
		}
		return srv.handler.M2MFindVMA(ctx, c.Self, req), nil
	})
}

func (c *Client) M2MMremapGrow(ctx context.Context, node ids.NodeID, req wire.M2MMremapGrowRequest) (wire.M2MMremapGrowReply, error) {
	return retry(ctx, c.cfg, func() (wire.M2MMremapGrowReply, error) {
		srv, err := c.registry.lookup(node)
		if err != nil {
			return wire.M2MMremapGrowReply{}, err
		}
		if err := srv.admit(ctx); err != nil {
			return wire.M2MMremapGrowReply{}, err
		}
		return srv.handler.M2MMremapGrow(ctx, c.Self, req), nil
	})
}

func (c *Client) M2MMremapMove(ctx context.Context, node ids.NodeID, req wire.M2MMremapMoveRequest) (wire.M2MMremapMoveReply, error) {
	return retry(ctx, c.cfg, func() (wire.M2MMremapMoveReply, error) {
		srv, err := c.registry.lookup(node)
		if err != nil {
			return wire.M2MMremapMoveReply{}, err
		}
		if err := srv.admit(ctx); err != nil {
			return wire.M2MMremapMoveReply{}, err
		}
		return srv.handler.M2MMremapMove(ctx, c.Self, req), nil
	})
}

func (c *Client) M2MMremapMoveSplit(ctx context.Context, node ids.NodeID, req wire.M2MMremapMoveSplitRequest) (wire.M2MMremapMoveSplitReply, error) {
	return retry(ctx, c.cfg, func() (wire.M2MMremapMoveSplitReply, error) {
		srv, err := c.registry.lookup(node)
		if err != nil {
			return wire.M2MMremapMoveSplitReply{}, err
		}
		if err := srv.admit(ctx); err != nil {
			return wire.M2MMremapMoveSplitReply{}, err
		}
		return srv.handler.M2MMremapMoveSplit(ctx, c.Self, req), nil
	})
}

func (c *Client) M2MMsync(ctx context.Context, node ids.NodeID, req wire.M2MMsyncRequest) (wire.M2MMsyncReply, error) {
	return retry(ctx, c.cfg, func() (wire.M2MMsyncReply, error) {
		srv, err := c.registry.lookup(node)
		if err != nil {
			return wire.M2MMsyncReply{}, err
		}
		if err := srv.admit(ctx); err != nil {
			return wire.M2MMsyncReply{}, err
		}
		return srv.handler.M2MMsync(ctx, c.Self, req), nil
	})
}
