// Package persistence owns the daemon's durable state: agents, bindings,
// envelopes, cron schedules, agent runs and configuration, all in one SQLite
// file under the data dir. Writes are serialized on a single connection and
// every operation that crosses entities runs in an explicit transaction.
// Read paths return value objects; row handles never escape.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hiboss/hi-boss/internal/clock"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "hb-v1-2026-03-20-core"

	busyMaxRetries = 5
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert or update violates uniqueness.
	ErrConflict = errors.New("already exists")
)

// AmbiguousPrefixError reports a short-id prefix that matches more than one
// row. Candidates carries the full ids (capped, see findByIDPrefix).
type AmbiguousPrefixError struct {
	Entity     string
	Prefix     string
	MatchCount int
	Candidates []string
}

func (e *AmbiguousPrefixError) Error() string {
	return fmt.Sprintf("%s id prefix %q is ambiguous (%d matches)", e.Entity, e.Prefix, e.MatchCount)
}

type Store struct {
	db  *sql.DB
	clk clock.Clock
}

// Open opens (creating if needed) the database at path. A nil clk means the
// system clock.
func Open(path string, clk clock.Clock) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open store: empty path")
	}
	if clk == nil {
		clk = clock.System{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, clk: clk}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) now() time.Time { return s.clk.Now() }

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			name TEXT PRIMARY KEY,
			token TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			workspace TEXT NOT NULL,
			provider TEXT NOT NULL CHECK(provider IN ('claude', 'codex')),
			model TEXT NOT NULL DEFAULT '',
			reasoning_effort TEXT NOT NULL DEFAULT '',
			permission_level TEXT NOT NULL DEFAULT 'standard'
				CHECK(permission_level IN ('restricted', 'standard', 'privileged', 'boss')),
			session_policy TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			last_seen_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS agent_bindings (
			agent_name TEXT NOT NULL REFERENCES agents(name) ON DELETE CASCADE,
			adapter_type TEXT NOT NULL,
			adapter_token TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (agent_name, adapter_type),
			UNIQUE (adapter_type, adapter_token)
		);`,
		`CREATE TABLE IF NOT EXISTS envelopes (
			id TEXT PRIMARY KEY,
			from_addr TEXT NOT NULL,
			to_addr TEXT NOT NULL,
			from_boss INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL DEFAULT '{}',
			deliver_at INTEGER,
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'done')),
			metadata TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_due ON envelopes(status, deliver_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_to ON envelopes(to_addr, status);`,
		`CREATE TABLE IF NOT EXISTS cron_schedules (
			id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL REFERENCES agents(name) ON DELETE CASCADE,
			cron_expr TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			to_addr TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			pending_envelope_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL REFERENCES agents(name) ON DELETE CASCADE,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			envelope_ids TEXT NOT NULL DEFAULT '[]',
			final_response TEXT NOT NULL DEFAULT '',
			context_length INTEGER,
			status TEXT NOT NULL DEFAULT 'running'
				CHECK(status IN ('running', 'completed', 'failed', 'cancelled')),
			error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_runs_one_running
			ON agent_runs(agent_name) WHERE status = 'running';`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_history ON agent_runs(agent_name, started_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersion, schemaChecksum,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, retrying the whole unit on SQLITE_BUSY.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, busyMaxRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// findByIDPrefix resolves a normalized id prefix against one table. It
// returns the full id on a unique match, ErrNotFound on none, and an
// AmbiguousPrefixError (candidates capped at 8) on several.
func (s *Store) findByIDPrefix(ctx context.Context, table, entity, prefix string) (string, error) {
	var query string
	switch table {
	case "envelopes":
		query = `SELECT id FROM envelopes WHERE id LIKE ? || '%' ORDER BY id LIMIT 8;`
	case "cron_schedules":
		query = `SELECT id FROM cron_schedules WHERE id LIKE ? || '%' ORDER BY id LIMIT 8;`
	case "agent_runs":
		query = `SELECT id FROM agent_runs WHERE id LIKE ? || '%' ORDER BY id LIMIT 8;`
	default:
		return "", fmt.Errorf("findByIDPrefix: unsupported table %q", table)
	}
	rows, err := s.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return "", fmt.Errorf("prefix lookup %s: %w", entity, err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		matches = append(matches, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%s %q: %w", entity, prefix, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousPrefixError{
			Entity:     entity,
			Prefix:     prefix,
			MatchCount: len(matches),
			Candidates: matches,
		}
	}
}

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeFromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
