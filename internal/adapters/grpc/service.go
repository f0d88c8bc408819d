package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name. Messages are
// protobuf well-known types, so no generated code is needed.
const ServiceName = "avh.v1.RunHistory"

const (
	listRunsMethod = "/" + ServiceName + "/ListRuns"
	getRunMethod   = "/" + ServiceName + "/GetRun"
)

// RunHistoryServer is the server side of avh.v1.RunHistory. ListRuns
// returns a list of run structs, GetRun a single run struct with its steps.
type RunHistoryServer interface {
	ListRuns(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	GetRun(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

var RunHistoryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunHistoryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListRuns", Handler: listRunsHandler},
		{MethodName: "GetRun", Handler: getRunHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "avh/v1/history.proto",
}

func RegisterRunHistoryServer(s grpc.ServiceRegistrar, srv RunHistoryServer) {
	s.RegisterService(&RunHistoryServiceDesc, srv)
}

func listRunsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunHistoryServer).ListRuns(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listRunsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RunHistoryServer).ListRuns(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getRunHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunHistoryServer).GetRun(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getRunMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RunHistoryServer).GetRun(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}
