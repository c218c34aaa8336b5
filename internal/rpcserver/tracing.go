package rpcserver

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"

	"github.com/oriys/groupcast/internal/observability"
)

// tracingInterceptor opens one server span per inbound Invoke call via
// the shared observability.Tracer, tagging it with the method name and
// recording handler errors against it.
func tracingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if !observability.Enabled() {
		return handler(ctx, req)
	}
	ctx, span := observability.StartServerSpan(ctx, info.FullMethod, attribute.String("rpc.method", info.FullMethod))
	defer span.End()

	resp, err := handler(ctx, req)
	if err != nil {
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
	}
	return resp, err
}
