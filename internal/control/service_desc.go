package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "relay.control.v1.LinkControl"

// LinkControlServer is the server API for the LinkControl service. Messages
// are well-known protobuf types so no generated code is required.
type LinkControlServer interface {
	GetPolicy(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Configure(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ResetStats(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	GetPublicKeys(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes LinkControl for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LinkControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetPolicy", newEmpty, func(s LinkControlServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.GetPolicy(ctx, in)
		}),
		unary("Configure", newStruct, func(s LinkControlServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.Configure(ctx, in)
		}),
		unary("GetStats", newEmpty, func(s LinkControlServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.GetStats(ctx, in)
		}),
		unary("ResetStats", newEmpty, func(s LinkControlServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.ResetStats(ctx, in)
		}),
		unary("GetPublicKeys", newEmpty, func(s LinkControlServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.GetPublicKeys(ctx, in)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "relay/control/v1/link_control.proto",
}

// RegisterLinkControlServer registers srv on s.
func RegisterLinkControlServer(s grpc.ServiceRegistrar, srv LinkControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func newEmpty() *emptypb.Empty    { return new(emptypb.Empty) }
func newStruct() *structpb.Struct { return new(structpb.Struct) }

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func unary[Req proto.Message](name string, newReq func() Req, call func(LinkControlServer, context.Context, Req) (proto.Message, error)) grpc.MethodDesc {
	full := fullMethod(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LinkControlServer), ctx, in)
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LinkControlServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, handler)
		},
	}
}
