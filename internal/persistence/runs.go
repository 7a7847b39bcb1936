package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hiboss/hi-boss/internal/ids"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// AgentRun records one session turn: which envelopes it consumed, the final
// response, and the observed context length. A partial unique index keeps at
// most one running row per agent.
type AgentRun struct {
	ID            string
	AgentName     string
	StartedAt     time.Time
	CompletedAt   *time.Time
	EnvelopeIDs   []string
	FinalResponse string
	ContextLength *int
	Status        RunStatus
	Error         string
}

func (r *AgentRun) ShortID() string { return ids.Short(r.ID) }

const runColumns = `id, agent_name, started_at, completed_at, envelope_ids, final_response, context_length, status, error`

func scanRun(row interface{ Scan(...any) error }) (*AgentRun, error) {
	var (
		r           AgentRun
		startedAt   int64
		completedAt sql.NullInt64
		envelopeIDs string
		contextLen  sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.AgentName, &startedAt, &completedAt,
		&envelopeIDs, &r.FinalResponse, &contextLen, &r.Status, &r.Error)
	if err != nil {
		return nil, err
	}
	r.StartedAt = time.UnixMilli(startedAt).UTC()
	r.CompletedAt = timeFromMillis(completedAt)
	if envelopeIDs != "" {
		if err := json.Unmarshal([]byte(envelopeIDs), &r.EnvelopeIDs); err != nil {
			return nil, fmt.Errorf("run %s: decode envelope ids: %w", r.ID, err)
		}
	}
	if contextLen.Valid {
		n := int(contextLen.Int64)
		r.ContextLength = &n
	}
	return &r, nil
}

// CreateRun opens a running row for the agent. A second concurrent run for
// the same agent violates the partial unique index and returns ErrConflict.
func (s *Store) CreateRun(ctx context.Context, agentName string, envelopeIDs []string) (*AgentRun, error) {
	r := &AgentRun{
		ID:          ids.New(),
		AgentName:   agentName,
		StartedAt:   s.now().UTC().Truncate(time.Millisecond),
		EnvelopeIDs: envelopeIDs,
		Status:      RunStatusRunning,
	}
	if r.EnvelopeIDs == nil {
		r.EnvelopeIDs = []string{}
	}
	encoded, err := json.Marshal(r.EnvelopeIDs)
	if err != nil {
		return nil, fmt.Errorf("encode envelope ids: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO agent_runs (id, agent_name, started_at, envelope_ids, status)
		VALUES (?, ?, ?, ?, 'running');`,
		r.ID, r.AgentName, r.StartedAt.UnixMilli(), string(encoded))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("agent %q already has a running session: %w", agentName, ErrConflict)
	}
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("agent %q: %w", agentName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

// CompleteRunAndCloseEnvelopes finishes a run and marks its envelopes done
// in one transaction, so a crash can never leave delivered envelopes
// pending.
func (s *Store) CompleteRunAndCloseEnvelopes(ctx context.Context, runID, finalResponse string, contextLength *int, envelopeIDs []string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE agent_runs
			SET status = 'completed', completed_at = ?, final_response = ?, context_length = ?
			WHERE id = ? AND status = 'running';`,
			s.now().UnixMilli(), finalResponse, intPtr(contextLength), runID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("running run %q: %w", runID, ErrNotFound)
		}
		for _, id := range envelopeIDs {
			if _, err := s.MarkEnvelopeDoneTx(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func intPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// FailRun marks a running row failed with the reason. Envelopes it consumed
// stay pending for redelivery.
func (s *Store) FailRun(ctx context.Context, runID, reason string) error {
	return s.finishRun(ctx, runID, RunStatusFailed, reason)
}

// CancelRun marks a running row cancelled.
func (s *Store) CancelRun(ctx context.Context, runID, reason string) error {
	return s.finishRun(ctx, runID, RunStatusCancelled, reason)
}

func (s *Store) finishRun(ctx context.Context, runID string, status RunStatus, reason string) error {
	res, err := s.exec(ctx, `
		UPDATE agent_runs SET status = ?, completed_at = ?, error = ?
		WHERE id = ? AND status = 'running';`,
		string(status), s.now().UnixMilli(), reason, runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("running run %q: %w", runID, ErrNotFound)
	}
	return nil
}

// GetRun fetches by full id.
func (s *Store) GetRun(ctx context.Context, id string) (*AgentRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = ?;`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	return r, err
}

// FindRunByIDPrefix resolves a short id or any unique prefix.
func (s *Store) FindRunByIDPrefix(ctx context.Context, prefix string) (*AgentRun, error) {
	norm, err := ids.NormalizePrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	id, err := s.findByIDPrefix(ctx, "agent_runs", "run", norm)
	if err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id)
}

// GetRunningRunForAgent returns the agent's in-flight run, or ErrNotFound.
func (s *Store) GetRunningRunForAgent(ctx context.Context, agentName string) (*AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE agent_name = ? AND status = 'running';`, agentName)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("running run for %q: %w", agentName, ErrNotFound)
	}
	return r, err
}

// GetLastRunForAgent returns the most recently started run regardless of
// status, or ErrNotFound when the agent has never run.
func (s *Store) GetLastRunForAgent(ctx context.Context, agentName string) (*AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE agent_name = ?
		ORDER BY started_at DESC, id DESC LIMIT 1;`, agentName)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("runs for %q: %w", agentName, ErrNotFound)
	}
	return r, err
}

// GetLastCompletedRunForAgent returns the newest completed run, used to
// carry contextLength forward across restarts.
func (s *Store) GetLastCompletedRunForAgent(ctx context.Context, agentName string) (*AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE agent_name = ? AND status = 'completed'
		ORDER BY started_at DESC, id DESC LIMIT 1;`, agentName)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("completed runs for %q: %w", agentName, ErrNotFound)
	}
	return r, err
}

// ListRuns returns newest-first runs, optionally filtered to one agent.
func (s *Store) ListRuns(ctx context.Context, agentName string, limit int) ([]*AgentRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM agent_runs`
	args := []any{}
	if agentName != "" {
		query += ` WHERE agent_name = ?`
		args = append(args, agentName)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecoverOrphanRuns fails every row still marked running, used at startup
// and shutdown when no session can actually be alive. Envelopes those runs
// consumed stay pending and will be redelivered.
func (s *Store) RecoverOrphanRuns(ctx context.Context, reason string) (int, error) {
	res, err := s.exec(ctx, `
		UPDATE agent_runs SET status = 'failed', completed_at = ?, error = ?
		WHERE status = 'running';`,
		s.now().UnixMilli(), reason)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
