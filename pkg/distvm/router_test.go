package distvm

import (
	"testing"

	"github.com/wuklab/legomem/internal/config"
	"github.com/wuklab/legomem/pkg/ids"
)

func TestLocalRouterAlwaysLocal(t *testing.T) {
	r := &LocalRouter{Self: 7}
	if !r.IsLocal(0x1234) {
		t.Fatalf("LocalRouter must report every address as local")
	}
	if r.Owner(0x1234) != 7 {
		t.Fatalf("LocalRouter must attribute ownership to itself")
	}
}

func TestRangeTableAssignAndOwner(t *testing.T) {
	rt := NewRangeTable(1 << 30)
	rt.Assign(0, ids.NodeID(1))
	rt.Assign(1<<30, ids.NodeID(2))

	if n, ok := rt.Owner(100); !ok || n != 1 {
		t.Fatalf("expected range 0 owned by node 1, got %v %v", n, ok)
	}
	if n, ok := rt.Owner((1 << 30) + 100); !ok || n != 2 {
		t.Fatalf("expected range 1 owned by node 2, got %v %v", n, ok)
	}
	if _, ok := rt.Owner(3 << 30); ok {
		t.Fatalf("expected no owner for an unassigned range")
	}
}

func TestDistributedRouterFallsBackToSelf(t *testing.T) {
	rt := NewRangeTable(1 << 30)
	r := &DistributedRouter{Self: 9, Table: rt}
	if !r.IsLocal(0x1000) {
		t.Fatalf("an unassigned range should default to this node")
	}
	rt.Assign(0, ids.NodeID(42))
	if r.IsLocal(0x1000) {
		t.Fatalf("expected range owned by node 42 to be non-local")
	}
}

func TestNewRouterSelectsVariant(t *testing.T) {
	cfg := config.Default()
	cfg.VMA.Router = config.RouterLocal
	if _, ok := NewRouter(cfg, 1).(*LocalRouter); !ok {
		t.Fatalf("expected LocalRouter for RouterLocal config")
	}
	cfg.VMA.Router = config.RouterDistributed
	if _, ok := NewRouter(cfg, 1).(*DistributedRouter); !ok {
		t.Fatalf("expected DistributedRouter for RouterDistributed config")
	}
}
