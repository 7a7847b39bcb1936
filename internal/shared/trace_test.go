package shared

import (
	"context"
	"testing"
)

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Errorf("TraceID on empty ctx = %q, want \"-\"", got)
	}
	ctx = WithTraceID(ctx, "abc123")
	if got := TraceID(ctx); got != "abc123" {
		t.Errorf("TraceID = %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == b {
		t.Error("trace ids collided")
	}
	if len(a) != 16 {
		t.Errorf("trace id %q: want 16 chars", a)
	}
}

func TestAgentAndRunContext(t *testing.T) {
	ctx := context.Background()
	if Agent(ctx) != "" || RunID(ctx) != "" || Method(ctx) != "" {
		t.Fatal("empty context should yield empty values")
	}
	ctx = WithAgent(ctx, "nex")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithMethod(ctx, "envelope.send")
	if Agent(ctx) != "nex" || RunID(ctx) != "run-1" || Method(ctx) != "envelope.send" {
		t.Errorf("context round trip failed: %q %q %q", Agent(ctx), RunID(ctx), Method(ctx))
	}
}
