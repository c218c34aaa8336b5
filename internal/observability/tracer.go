package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a new server span for an inbound RPC call.
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan creates a new client span for an outbound RPC call.
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span { return trace.SpanFromContext(ctx) }

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) { span.SetStatus(codes.Ok, "") }

// Common attribute keys for groupcast spans.
var (
	AttrSubgroupID  = attribute.Key("groupcast.subgroup_id")
	AttrFunctionTag = attribute.Key("groupcast.function_tag")
	AttrNodeID      = attribute.Key("groupcast.node_id")
	AttrViewID      = attribute.Key("groupcast.view_id")
	AttrIsReply     = attribute.Key("groupcast.is_reply")
)
