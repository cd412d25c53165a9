package rpc

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/cluster"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
)

func startAgency(t *testing.T) (*cluster.Topology, *Client) {
	t.Helper()

	topology := cluster.NewTopology()
	server, err := NewServer("bufnet", topology, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	if err := server.Serve(lis); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	client, err := NewClient("passthrough:///bufnet", time.Second,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := client.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return topology, client
}

func TestNewServer_RequiresTopology(t *testing.T) {
	if _, err := NewServer("localhost:0", nil, nil); err == nil {
		t.Error("expected error for nil topology")
	}
}

func TestAgency_RegisterReportResolve(t *testing.T) {
	ctx := context.Background()
	_, client := startAgency(t)

	if err := client.RegisterServer(ctx, "db1", "localhost:8530", prototype.RoleDBServer); err != nil {
		t.Fatalf("RegisterServer failed: %v", err)
	}
	if err := client.ReportLeader(ctx, 12, "db1", true); err != nil {
		t.Fatalf("ReportLeader failed: %v", err)
	}

	loc, err := client.ResolveLeader(ctx, 12)
	if err != nil {
		t.Fatalf("ResolveLeader failed: %v", err)
	}
	if loc.ServerID != "db1" || loc.Address != "localhost:8530" {
		t.Errorf("unexpected location %+v", loc)
	}
}

func TestAgency_ResolveErrors(t *testing.T) {
	ctx := context.Background()
	topology, client := startAgency(t)

	topology.AddServer("db1", "localhost:8530", prototype.RoleDBServer)
	topology.SetLeader(1, "db1")
	topology.MarkResigned(1, "db1")
	topology.CreateState(2)

	tests := []struct {
		name string
		id   prototype.StateID
		want error
	}{
		{"unknown state", 99, prototype.ErrStateNotFound},
		{"resigned leader", 1, prototype.ErrLeaderResigned},
		{"no leader", 2, prototype.ErrLeaderResigned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ResolveLeader(ctx, tt.id)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestAgency_ReportResignation(t *testing.T) {
	ctx := context.Background()
	_, client := startAgency(t)

	client.RegisterServer(ctx, "db1", "localhost:8530", prototype.RoleDBServer)
	client.ReportLeader(ctx, 3, "db1", true)

	if err := client.ReportLeader(ctx, 3, "db1", false); err != nil {
		t.Fatalf("ReportLeader(false) failed: %v", err)
	}

	if _, err := client.ResolveLeader(ctx, 3); !errors.Is(err, prototype.ErrLeaderResigned) {
		t.Errorf("expected ErrLeaderResigned, got %v", err)
	}
}

func TestAgency_ReportUnknownServer(t *testing.T) {
	_, client := startAgency(t)

	err := client.ReportLeader(context.Background(), 3, "ghost", true)
	if err == nil {
		t.Fatal("expected error for unregistered server")
	}
	if errors.Is(err, prototype.ErrLeaderResigned) || errors.Is(err, prototype.ErrStateNotFound) {
		t.Errorf("unknown server must not map to an access-layer kind, got %v", err)
	}
}

func TestAgency_RegisterInvalidRole(t *testing.T) {
	_, client := startAgency(t)

	if err := client.RegisterServer(context.Background(), "x", "localhost:1", prototype.Role("primary")); err == nil {
		t.Error("expected error for invalid role")
	}
}

func TestAgency_InvalidStateID(t *testing.T) {
	topology := cluster.NewTopology()
	server, _ := NewServer("unused", topology, log.New(io.Discard, "", 0))

	_, err := server.ResolveLeader(context.Background(), wrapperspb.String("not-a-number"))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestAgency_UnreachableAgency(t *testing.T) {
	client, err := NewClient("passthrough:///nowhere", 2*time.Second,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		}),
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := client.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	_, err = client.ResolveLeader(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error for unreachable agency")
	}
	if status.Code(errors.Unwrap(err)) != codes.Unavailable {
		t.Errorf("expected wrapped Unavailable status, got %v", err)
	}
	var perr *prototype.Error
	if errors.As(err, &perr) {
		t.Errorf("agency outage must not map to an access-layer kind, got %v", perr.Kind)
	}
}

func TestClient_NotConnected(t *testing.T) {
	client, _ := NewClient("localhost:1", 0)

	if _, err := client.ResolveLeader(context.Background(), 1); err == nil {
		t.Error("expected error before Connect")
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{prototype.StateNotFoundError(1), codes.NotFound},
		{prototype.LeaderResignedError(1), codes.FailedPrecondition},
		{prototype.LeaderUnavailableError(1), codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}

	for _, tt := range tests {
		if got := status.Code(toStatus(tt.err)); got != tt.want {
			t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
