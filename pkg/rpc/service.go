package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC name of the agency service
const ServiceName = "protostate.Agency"

const (
	resolveLeaderMethod  = "/" + ServiceName + "/ResolveLeader"
	reportLeaderMethod   = "/" + ServiceName + "/ReportLeader"
	registerServerMethod = "/" + ServiceName + "/RegisterServer"
)

// Message field names
const (
	fieldState    = "state"
	fieldServer   = "server"
	fieldAddress  = "address"
	fieldRole     = "role"
	fieldLeader   = "leader"
	fieldResigned = "resigned"
)

// AgencyServer is the server API of the agency service.
// Messages are well-known protobuf types so no generated code is needed.
type AgencyServer interface {
	// ResolveLeader takes a state id and returns {server, address, resigned}
	ResolveLeader(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)

	// ReportLeader takes {state, server, leader} from a server that gained or lost leadership
	ReportLeader(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)

	// RegisterServer takes {server, address, role}
	RegisterServer(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

// RegisterAgencyServer registers srv on a gRPC server
func RegisterAgencyServer(s *grpc.Server, srv AgencyServer) {
	s.RegisterService(&agencyServiceDesc, srv)
}

var agencyServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgencyServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ResolveLeader", Handler: resolveLeaderHandler},
		{MethodName: "ReportLeader", Handler: reportLeaderHandler},
		{MethodName: "RegisterServer", Handler: registerServerHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agency.proto",
}

func resolveLeaderHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgencyServer).ResolveLeader(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: resolveLeaderMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgencyServer).ResolveLeader(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func reportLeaderHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgencyServer).ReportLeader(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: reportLeaderMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgencyServer).ReportLeader(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func registerServerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgencyServer).RegisterServer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: registerServerMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgencyServer).RegisterServer(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// stringField returns a string field of s, empty if missing or not a string
func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[name].GetStringValue()
}

// boolField returns a bool field of s, false if missing or not a bool
func boolField(s *structpb.Struct, name string) bool {
	if s == nil {
		return false
	}
	return s.GetFields()[name].GetBoolValue()
}
