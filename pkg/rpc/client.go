package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
)

// Client is a gRPC client of the agency service
type Client struct {
	mu      sync.RWMutex
	address string
	conn    *grpc.ClientConn
	timeout time.Duration
	opts    []grpc.DialOption
}

var _ prototype.LeaderResolver = (*Client)(nil)

// NewClient creates a new agency client. Extra dial options are appended to
// the default insecure transport credentials.
func NewClient(address string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	c := &Client{
		address: address,
		timeout: timeout,
		opts:    append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
	}

	return c, nil
}

// Connect creates the connection to the agency. The connection is
// established lazily by the first call.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil // Already connected
	}

	conn, err := grpc.NewClient(c.address, c.opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.address, err)
	}

	c.conn = conn
	return nil
}

// Close closes the connection to the agency
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Address returns the address of the agency
func (c *Client) Address() string {
	return c.address
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("client not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return conn.Invoke(ctx, method, in, out)
}

// ResolveLeader asks the agency for the leader of state id
func (c *Client) ResolveLeader(ctx context.Context, id prototype.StateID) (prototype.LeaderLocation, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, resolveLeaderMethod, wrapperspb.String(id.String()), out); err != nil {
		return prototype.LeaderLocation{}, fromStatus(id, err)
	}

	if boolField(out, fieldResigned) {
		return prototype.LeaderLocation{}, prototype.LeaderResignedError(id)
	}

	loc := prototype.LeaderLocation{
		ServerID: stringField(out, fieldServer),
		Address:  stringField(out, fieldAddress),
	}
	if loc.Address == "" {
		return prototype.LeaderLocation{}, prototype.LeaderResignedError(id).
			WithDetail("server_id", loc.ServerID).
			WithDetail("reason", "leader address unknown")
	}
	return loc, nil
}

// ReportLeader tells the agency that serverID gained or lost leadership of state id
func (c *Client) ReportLeader(ctx context.Context, id prototype.StateID, serverID string, leader bool) error {
	in, err := structpb.NewStruct(map[string]interface{}{
		fieldState:  id.String(),
		fieldServer: serverID,
		fieldLeader: leader,
	})
	if err != nil {
		return err
	}

	if err := c.invoke(ctx, reportLeaderMethod, in, new(emptypb.Empty)); err != nil {
		return fromStatus(id, err)
	}
	return nil
}

// RegisterServer announces a server and its REST address to the agency
func (c *Client) RegisterServer(ctx context.Context, serverID, address string, role prototype.Role) error {
	in, err := structpb.NewStruct(map[string]interface{}{
		fieldServer:  serverID,
		fieldAddress: address,
		fieldRole:    string(role),
	})
	if err != nil {
		return err
	}

	if err := c.invoke(ctx, registerServerMethod, in, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("failed to register %s with agency: %w", serverID, err)
	}
	return nil
}

// fromStatus maps gRPC status codes back to access-layer errors
func fromStatus(id prototype.StateID, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("agency call for prototype state %s failed: %w", id, err)
	}

	switch st.Code() {
	case codes.NotFound:
		return prototype.StateNotFoundError(id)
	case codes.FailedPrecondition:
		return prototype.LeaderResignedError(id).WithDetail("agency", st.Message())
	case codes.Unavailable:
		return fmt.Errorf("agency unavailable for prototype state %s: %w", id, err)
	default:
		return fmt.Errorf("agency call for prototype state %s failed: %w", id, err)
	}
}
