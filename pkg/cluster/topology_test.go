package cluster

import (
	"context"
	"errors"
	"testing"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
)

func newTestTopology(t *testing.T) *Topology {
	t.Helper()
	topo := NewTopology()
	if err := topo.AddServer("db1", "localhost:5001", prototype.RoleDBServer); err != nil {
		t.Fatalf("AddServer failed: %v", err)
	}
	if err := topo.AddServer("db2", "localhost:5002", prototype.RoleDBServer); err != nil {
		t.Fatalf("AddServer failed: %v", err)
	}
	return topo
}

func TestTopology_ResolveLeader(t *testing.T) {
	ctx := context.Background()
	topo := newTestTopology(t)

	if err := topo.SetLeader(1, "db2"); err != nil {
		t.Fatalf("SetLeader failed: %v", err)
	}

	loc, err := topo.ResolveLeader(ctx, 1)
	if err != nil {
		t.Fatalf("ResolveLeader failed: %v", err)
	}
	if loc.ServerID != "db2" || loc.Address != "localhost:5002" {
		t.Errorf("unexpected location %+v", loc)
	}
}

func TestTopology_ResolveErrors(t *testing.T) {
	ctx := context.Background()
	topo := newTestTopology(t)

	tests := []struct {
		name  string
		setup func()
		id    prototype.StateID
		want  error
	}{
		{
			name: "unknown state",
			id:   99,
			want: prototype.ErrStateNotFound,
		},
		{
			name:  "no leader yet",
			setup: func() { topo.CreateState(2) },
			id:    2,
			want:  prototype.ErrLeaderResigned,
		},
		{
			name: "resigned",
			setup: func() {
				topo.SetLeader(3, "db1")
				topo.MarkResigned(3, "db1")
			},
			id:   3,
			want: prototype.ErrLeaderResigned,
		},
		{
			name: "leader server without address",
			setup: func() {
				topo.AddServer("db3", "", prototype.RoleDBServer)
				topo.SetLeader(4, "db3")
			},
			id:   4,
			want: prototype.ErrLeaderResigned,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			_, err := topo.ResolveLeader(ctx, tt.id)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestTopology_SetLeaderUnknownServer(t *testing.T) {
	topo := newTestTopology(t)

	if err := topo.SetLeader(1, "nope"); err == nil {
		t.Error("expected error for unknown server")
	}
}

func TestTopology_StaleResignationIgnored(t *testing.T) {
	ctx := context.Background()
	topo := newTestTopology(t)

	topo.SetLeader(1, "db1")
	topo.SetLeader(1, "db2")

	// db1 reports losing a leadership it no longer holds
	if err := topo.MarkResigned(1, "db1"); err != nil {
		t.Fatalf("MarkResigned failed: %v", err)
	}

	loc, err := topo.ResolveLeader(ctx, 1)
	if err != nil {
		t.Fatalf("ResolveLeader failed: %v", err)
	}
	if loc.ServerID != "db2" {
		t.Errorf("expected db2 to remain leader, got %s", loc.ServerID)
	}

	record, _ := topo.Leader(1)
	if record.Term != 2 {
		t.Errorf("expected term 2, got %d", record.Term)
	}
}

func TestTopology_NewLeaderAfterResignation(t *testing.T) {
	ctx := context.Background()
	topo := newTestTopology(t)

	topo.SetLeader(1, "db1")
	topo.MarkResigned(1, "")
	if _, err := topo.ResolveLeader(ctx, 1); !errors.Is(err, prototype.ErrLeaderResigned) {
		t.Fatalf("expected ErrLeaderResigned, got %v", err)
	}

	topo.SetLeader(1, "db2")
	loc, err := topo.ResolveLeader(ctx, 1)
	if err != nil || loc.ServerID != "db2" {
		t.Errorf("expected db2 after re-election, got %+v, %v", loc, err)
	}
}

func TestTopology_RemoveServerResignsItsStates(t *testing.T) {
	ctx := context.Background()
	topo := newTestTopology(t)

	topo.SetLeader(1, "db1")
	topo.SetLeader(2, "db2")

	if err := topo.RemoveServer("db1"); err != nil {
		t.Fatalf("RemoveServer failed: %v", err)
	}

	if _, err := topo.ResolveLeader(ctx, 1); !errors.Is(err, prototype.ErrLeaderResigned) {
		t.Errorf("expected ErrLeaderResigned for state of removed server, got %v", err)
	}
	if _, err := topo.ResolveLeader(ctx, 2); err != nil {
		t.Errorf("state 2 should be unaffected, got %v", err)
	}
}

func TestTopology_RemoveState(t *testing.T) {
	topo := newTestTopology(t)
	topo.SetLeader(1, "db1")
	topo.CreateState(2)

	if ids := topo.States(); len(ids) != 2 {
		t.Fatalf("expected 2 states, got %v", ids)
	}

	topo.RemoveState(1)
	if _, err := topo.ResolveLeader(context.Background(), 1); !errors.Is(err, prototype.ErrStateNotFound) {
		t.Errorf("expected ErrStateNotFound after removal, got %v", err)
	}
}

func TestTopology_ResolveCanceled(t *testing.T) {
	topo := newTestTopology(t)
	topo.SetLeader(1, "db1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := topo.ResolveLeader(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestTopology_Serialize(t *testing.T) {
	topo := newTestTopology(t)
	topo.SetLeader(7, "db2")
	topo.SetLeader(8, "db1")
	topo.MarkResigned(8, "db1")

	data, err := topo.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	restored := NewTopology()
	if err := restored.Deserialize(data); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}

	loc, err := restored.ResolveLeader(context.Background(), 7)
	if err != nil || loc.Address != "localhost:5002" {
		t.Errorf("restored ResolveLeader(7) = %+v, %v", loc, err)
	}
	if _, err := restored.ResolveLeader(context.Background(), 8); !errors.Is(err, prototype.ErrLeaderResigned) {
		t.Errorf("expected resigned state to survive serialization, got %v", err)
	}
	if member, ok := restored.Server("db1"); !ok || member.Role != prototype.RoleDBServer {
		t.Errorf("expected db1 dbserver after restore, got %+v", member)
	}
}

func TestStaticResolver(t *testing.T) {
	ctx := context.Background()

	loc, err := StaticResolver{Address: "localhost:8529"}.ResolveLeader(ctx, 5)
	if err != nil {
		t.Fatalf("ResolveLeader failed: %v", err)
	}
	if loc.Address != "localhost:8529" || loc.ServerID != "localhost:8529" {
		t.Errorf("unexpected location %+v", loc)
	}

	if _, err := (StaticResolver{}).ResolveLeader(ctx, 5); !errors.Is(err, prototype.ErrLeaderResigned) {
		t.Errorf("expected ErrLeaderResigned without address, got %v", err)
	}
}

func TestTopology_CoordinatorWithoutElectedLeader(t *testing.T) {
	topo := newTestTopology(t)
	topo.CreateState(5)

	methods, err := prototype.NewMethods(prototype.Config{
		Role:     prototype.RoleCoordinator,
		Resolver: topo,
	})
	if err != nil {
		t.Fatalf("NewMethods failed: %v", err)
	}

	_, err = methods.Insert(context.Background(), 5, map[string]string{"a": "1"})
	if !errors.Is(err, prototype.ErrLeaderResigned) {
		t.Errorf("expected ErrLeaderResigned before election, got %v", err)
	}
	if errors.Is(err, prototype.ErrLeaderUnavailable) || errors.Is(err, prototype.ErrStateNotFound) {
		t.Errorf("state without leader must only report resignation, got %v", err)
	}
}
