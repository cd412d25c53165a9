package cluster

import (
	"context"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
)

// StaticResolver resolves every state to one fixed server
type StaticResolver struct {
	ServerID string
	Address  string
}

var _ prototype.LeaderResolver = StaticResolver{}

// ResolveLeader returns the fixed server
func (r StaticResolver) ResolveLeader(ctx context.Context, id prototype.StateID) (prototype.LeaderLocation, error) {
	if err := ctx.Err(); err != nil {
		return prototype.LeaderLocation{}, err
	}
	if r.Address == "" {
		return prototype.LeaderLocation{}, prototype.LeaderResignedError(id).
			WithDetail("reason", "no leader address configured")
	}

	serverID := r.ServerID
	if serverID == "" {
		serverID = r.Address
	}
	return prototype.LeaderLocation{ServerID: serverID, Address: r.Address}, nil
}
