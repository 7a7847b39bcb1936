package persistence_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/hiboss/hi-boss/internal/persistence"
)

// BenchmarkStartup measures cold start: Open plus schema migration.
func BenchmarkStartup(b *testing.B) {
	for i := 0; i < b.N; i++ {
		dir := b.TempDir()
		store, err := persistence.Open(filepath.Join(dir, "hiboss.db"), nil)
		if err != nil {
			b.Fatalf("open: %v", err)
		}
		_ = store.Close()
	}
}

// BenchmarkEnvelopeSendDrain measures the hot path: insert a pending
// envelope, list the due inbox, mark done.
func BenchmarkEnvelopeSendDrain(b *testing.B) {
	dir := b.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "hiboss.db"), nil)
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		env, err := store.CreateEnvelope(ctx, persistence.CreateEnvelopeInput{
			From:    "agent:boss",
			To:      fmt.Sprintf("agent:worker-%d", i%8),
			Content: persistence.Content{Text: "ping"},
		})
		if err != nil {
			b.Fatalf("create: %v", err)
		}
		if _, err := store.ListPendingInboxForAgent(ctx, fmt.Sprintf("worker-%d", i%8), env.CreatedAt); err != nil {
			b.Fatalf("inbox: %v", err)
		}
		if _, err := store.MarkEnvelopeDone(ctx, env.ID); err != nil {
			b.Fatalf("done: %v", err)
		}
	}
}
