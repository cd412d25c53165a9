package rpc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/cluster"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
)

// Server serves the agency service on top of a cluster topology
type Server struct {
	mu       sync.RWMutex
	address  string
	listener net.Listener
	grpc     *grpc.Server
	topology *cluster.Topology
	logger   *log.Logger
	started  bool
}

var _ AgencyServer = (*Server)(nil)

// NewServer creates a new agency server
func NewServer(address string, topology *cluster.Topology, logger *log.Logger) (*Server, error) {
	if topology == nil {
		return nil, fmt.Errorf("topology cannot be nil")
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Server{
		address:  address,
		topology: topology,
		logger:   logger,
	}, nil
}

// Start listens on the server address and starts serving
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	return s.Serve(listener)
}

// Serve starts serving on an existing listener
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server already started")
	}

	s.listener = listener
	s.address = listener.Addr().String()
	s.grpc = grpc.NewServer()
	RegisterAgencyServer(s.grpc, s)
	s.started = true

	go func() {
		if err := s.grpc.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Printf("[ERROR] Agency server stopped: %v", err)
		}
	}()

	s.logger.Printf("[INFO] Agency listening on %s", s.address)
	return nil
}

// Stop stops the gRPC server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	if s.grpc != nil {
		s.grpc.GracefulStop()
		s.grpc = nil
	}

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}

	s.started = false
	return nil
}

// Address returns the server address
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// ResolveLeader implements the ResolveLeader RPC
func (s *Server) ResolveLeader(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := prototype.ParseStateID(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	loc, err := s.topology.ResolveLeader(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}

	return structpb.NewStruct(map[string]interface{}{
		fieldServer:   loc.ServerID,
		fieldAddress:  loc.Address,
		fieldResigned: false,
	})
}

// ReportLeader implements the ReportLeader RPC
func (s *Server) ReportLeader(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id, err := prototype.ParseStateID(stringField(req, fieldState))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	server := stringField(req, fieldServer)
	if server == "" {
		return nil, status.Error(codes.InvalidArgument, "server is required")
	}

	if boolField(req, fieldLeader) {
		if err := s.topology.SetLeader(id, server); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		s.logger.Printf("[INFO] Server %s leads prototype state %s", server, id)
	} else {
		if err := s.topology.MarkResigned(id, server); err != nil {
			return nil, toStatus(err)
		}
		s.logger.Printf("[INFO] Server %s resigned prototype state %s", server, id)
	}

	return &emptypb.Empty{}, nil
}

// RegisterServer implements the RegisterServer RPC
func (s *Server) RegisterServer(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	server := stringField(req, fieldServer)
	if server == "" {
		return nil, status.Error(codes.InvalidArgument, "server is required")
	}

	role, err := prototype.ParseRole(stringField(req, fieldRole))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := s.topology.AddServer(server, stringField(req, fieldAddress), role); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.logger.Printf("[INFO] Registered %s %s at %s", role, server, stringField(req, fieldAddress))
	return &emptypb.Empty{}, nil
}

// toStatus maps access-layer errors to gRPC status codes
func toStatus(err error) error {
	switch {
	case errors.Is(err, prototype.ErrStateNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, prototype.ErrLeaderResigned):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, prototype.ErrLeaderUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
