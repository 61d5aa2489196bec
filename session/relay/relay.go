// Package relay carries session frames between nodes over gRPC.
//
// Protobuf well-known wrapper types are used deliberately so this package
// does not require a protoc/codegen toolchain; the frame itself travels as
// canonical CBOR inside a BytesValue.
//
// Proto definition: relay.proto.
package relay

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// RelayServer is the server API for the Relay gRPC service.
type RelayServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error)
}

// UnimplementedRelayServer can be embedded to have forward compatible implementations.
type UnimplementedRelayServer struct{}

func (UnimplementedRelayServer) Deliver(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Deliver not implemented")
}

// RegisterRelayServer registers the Relay service on a gRPC server.
func RegisterRelayServer(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&Relay_ServiceDesc, srv)
}

// RelayClient is the client API for the Relay gRPC service.
type RelayClient interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
}

type relayClient struct{ cc grpc.ClientConnInterface }

func NewRelayClient(cc grpc.ClientConnInterface) RelayClient { return &relayClient{cc: cc} }

func (c *relayClient) Deliver(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	err := c.cc.Invoke(ctx, "/xdao.txflow.session.relay.v1.Relay/Deliver", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func _Relay_Deliver_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/xdao.txflow.session.relay.v1.Relay/Deliver"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RelayServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Relay_ServiceDesc is the grpc.ServiceDesc for the Relay service.
var Relay_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "xdao.txflow.session.relay.v1.Relay",
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: _Relay_Deliver_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "relay.proto",
}
