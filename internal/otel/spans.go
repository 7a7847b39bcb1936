package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for daemon spans.
var (
	AttrMethod     = attribute.Key("hiboss.rpc.method")
	AttrPrincipal  = attribute.Key("hiboss.rpc.principal")
	AttrAgent      = attribute.Key("hiboss.agent")
	AttrEnvelopeID = attribute.Key("hiboss.envelope.id")
	AttrRunID      = attribute.Key("hiboss.run.id")
	AttrAdapter    = attribute.Key("hiboss.adapter")
	AttrCronID     = attribute.Key("hiboss.cron.id")
	AttrTraceID    = attribute.Key("hiboss.trace.id")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound RPC request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (adapter send,
// provider turn).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
