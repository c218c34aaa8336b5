package rpcserver

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/oriys/groupcast/internal/rpc/wire"
	"github.com/oriys/groupcast/internal/tom"
)

// Handler is the function a Server dispatches every inbound call to. raw
// is a complete wire.Encode frame; from is the sender's NodeID, read out
// of that frame's Header before handing it off. It is a plain alias for
// tom.ReceiveFunc so a dispatch.Dispatcher's HandleInbound (or a
// GRPCTransport's installed receiver) can be passed to NewServer without
// a conversion.
type Handler = tom.ReceiveFunc

// transportServer is the HandlerType grpc.ServiceDesc binds methods
// against; Server implements it directly rather than through a generated
// stub interface.
type transportServer interface {
	invoke(ctx context.Context, raw []byte) ([]byte, error)
}

func (s *Server) invoke(ctx context.Context, raw []byte) ([]byte, error) {
	h, _, err := wire.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: decode inbound frame: %w", err)
	}
	return s.handler(ctx, h.From, raw)
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var req []byte
	if err := dec(&req); err != nil {
		return nil, err
	}
	ts := srv.(transportServer)
	if interceptor == nil {
		return ts.invoke(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceDesc.ServiceName + "/Invoke"}
	wrapped := func(ctx context.Context, req interface{}) (interface{}, error) {
		return ts.invoke(ctx, req.([]byte))
	}
	return interceptor(ctx, req, info, wrapped)
}

// serviceDesc is the hand-authored equivalent of what protoc would emit
// for a service with one raw-bytes-in, raw-bytes-out unary RPC.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "groupcast.rpcserver.Transport",
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/rpcserver/service.go",
}
