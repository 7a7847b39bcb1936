// Package shared holds small cross-cutting helpers: request-context
// identifiers used to correlate log lines, and secret redaction for anything
// that leaves the process (logs, audit trail).
package shared

import (
	"context"

	"github.com/hiboss/hi-boss/internal/ids"
)

type traceKey struct{}
type agentKey struct{}
type runKey struct{}
type methodKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return ids.Short(ids.New()) + ids.Short(ids.New())
}

// WithAgent attaches the acting agent name to the context.
func WithAgent(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, agentKey{}, name)
}

// Agent extracts the acting agent name. Returns "" if absent.
func Agent(ctx context.Context) string {
	if v, ok := ctx.Value(agentKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches the active run id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunID extracts the active run id. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runKey{}).(string); ok {
		return v
	}
	return ""
}

// WithMethod attaches the RPC method being served to the context.
func WithMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, methodKey{}, method)
}

// Method extracts the RPC method being served. Returns "" if absent.
func Method(ctx context.Context) string {
	if v, ok := ctx.Value(methodKey{}).(string); ok {
		return v
	}
	return ""
}
