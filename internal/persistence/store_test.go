package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hiboss/hi-boss/internal/clock"
	"github.com/hiboss/hi-boss/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "hiboss.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

// openTestStoreAt opens a store whose clock is pinned to the given fake, so
// tests can control created_at ordering exactly.
func openTestStoreAt(t *testing.T, clk *clock.Fake) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "hiboss.db"), clk)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func mustCreateAgent(t *testing.T, store *persistence.Store, name string) *persistence.Agent {
	t.Helper()
	a := &persistence.Agent{
		Name:      name,
		Token:     "hb_tok_" + name,
		Workspace: "/tmp/" + name,
		Provider:  "claude",
	}
	if err := store.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("create agent %s: %v", name, err)
	}
	return a
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	requiredTables := []string{"schema_migrations", "config", "agents", "agent_bindings", "envelopes", "cron_schedules", "agent_runs"}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)

	var version int
	var checksum string
	if err := store.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	if checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	mustCreateAgent(t, store, "alpha")
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	if _, err := reopened.GetAgent(context.Background(), "alpha"); err != nil {
		t.Fatalf("agent lost across reopen: %v", err)
	}

	var rows int
	if err := reopened.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations;`).Scan(&rows); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected single migration row after reopen, got %d", rows)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "hiboss.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath, nil)
	if err == nil {
		t.Fatalf("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered';`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	_, err := persistence.Open(dbPath, nil)
	if err == nil {
		t.Fatalf("expected error for checksum mismatch")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum error, got %v", err)
	}
}

func TestStore_OpenRejectsEmptyPath(t *testing.T) {
	if _, err := persistence.Open("", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, store, "alpha")

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE name = 'alpha';`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := store.GetAgent(ctx, "alpha"); err != nil {
		t.Fatalf("rollback lost the agent: %v", err)
	}
}

func TestStore_FakeClockDrivesCreatedAt(t *testing.T) {
	base := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(base)
	store := openTestStoreAt(t, clk)
	ctx := context.Background()
	mustCreateAgent(t, store, "alpha")

	env, err := store.CreateEnvelope(ctx, persistence.CreateEnvelopeInput{
		From: "agent:boss", To: "agent:alpha",
		Content: persistence.Content{Text: "hi"},
	})
	if err != nil {
		t.Fatalf("create envelope: %v", err)
	}
	if !env.CreatedAt.Equal(base) {
		t.Fatalf("createdAt = %v, want %v", env.CreatedAt, base)
	}
}
