package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hiboss/hi-boss/internal/ids"
)

// CronSchedule is a recurring instruction template. While enabled it keeps
// exactly one pending envelope materialized for its next fire time, tracked
// by PendingEnvelopeID.
type CronSchedule struct {
	ID                string
	AgentName         string
	Cron              string
	Timezone          string
	Enabled           bool
	To                string
	Content           string
	Metadata          string
	PendingEnvelopeID string
	CreatedAt         time.Time
	UpdatedAt         *time.Time
}

func (c *CronSchedule) ShortID() string { return ids.Short(c.ID) }

const cronColumns = `id, agent_name, cron_expr, timezone, enabled, to_addr, content, metadata, pending_envelope_id, created_at, updated_at`

func scanCronSchedule(row interface{ Scan(...any) error }) (*CronSchedule, error) {
	var (
		c         CronSchedule
		enabled   int
		pending   sql.NullString
		metadata  sql.NullString
		createdAt int64
		updatedAt sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.AgentName, &c.Cron, &c.Timezone, &enabled,
		&c.To, &c.Content, &metadata, &pending, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.Enabled = enabled != 0
	c.PendingEnvelopeID = pending.String
	c.Metadata = metadata.String
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	c.UpdatedAt = timeFromMillis(updatedAt)
	return &c, nil
}

// CreateCronScheduleInput carries the caller-decided fields.
type CreateCronScheduleInput struct {
	AgentName string
	Cron      string
	Timezone  string
	To        string
	Content   string
	Metadata  string
}

// InsertCronScheduleTx inserts an enabled schedule inside a caller-owned
// transaction so its first pending envelope can be created atomically with
// it.
func (s *Store) InsertCronScheduleTx(ctx context.Context, tx *sql.Tx, in CreateCronScheduleInput) (*CronSchedule, error) {
	c := &CronSchedule{
		ID:        ids.New(),
		AgentName: in.AgentName,
		Cron:      in.Cron,
		Timezone:  in.Timezone,
		Enabled:   true,
		To:        in.To,
		Content:   in.Content,
		Metadata:  in.Metadata,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	var metadata any
	if c.Metadata != "" {
		metadata = c.Metadata
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cron_schedules (id, agent_name, cron_expr, timezone, enabled, to_addr, content, metadata, created_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?);`,
		c.ID, c.AgentName, c.Cron, c.Timezone, c.To, c.Content, metadata,
		c.CreatedAt.UnixMilli())
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("agent %q: %w", in.AgentName, ErrNotFound)
		}
		return nil, fmt.Errorf("insert cron schedule: %w", err)
	}
	return c, nil
}

// GetCronSchedule fetches by full id.
func (s *Store) GetCronSchedule(ctx context.Context, id string) (*CronSchedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cronColumns+` FROM cron_schedules WHERE id = ?;`, id)
	c, err := scanCronSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cron schedule %q: %w", id, ErrNotFound)
	}
	return c, err
}

// FindCronScheduleByIDPrefix resolves a short id or any unique prefix.
func (s *Store) FindCronScheduleByIDPrefix(ctx context.Context, prefix string) (*CronSchedule, error) {
	norm, err := ids.NormalizePrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("cron schedule id: %w", err)
	}
	id, err := s.findByIDPrefix(ctx, "cron_schedules", "cron schedule", norm)
	if err != nil {
		return nil, err
	}
	return s.GetCronSchedule(ctx, id)
}

// ListCronSchedules returns schedules oldest-first. Disabled ones are
// included only when includeDisabled is set.
func (s *Store) ListCronSchedules(ctx context.Context, includeDisabled bool) ([]*CronSchedule, error) {
	query := `SELECT ` + cronColumns + ` FROM cron_schedules`
	if !includeDisabled {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at, id;`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CronSchedule
	for rows.Next() {
		c, err := scanCronSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCronSchedulesForAgent returns the agent's schedules oldest-first,
// disabled included.
func (s *Store) ListCronSchedulesForAgent(ctx context.Context, agentName string) ([]*CronSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cronColumns+` FROM cron_schedules
		WHERE agent_name = ? ORDER BY created_at, id;`, agentName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CronSchedule
	for rows.Next() {
		c, err := scanCronSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCronPendingEnvelopeIDTx swaps the pending pointer only when it still
// holds expected, guarding against concurrent reconcilers. Returns false on
// a lost race.
func (s *Store) UpdateCronPendingEnvelopeIDTx(ctx context.Context, tx *sql.Tx, id, expected, next string) (bool, error) {
	var nextVal any
	if next != "" {
		nextVal = next
	}
	var res sql.Result
	var err error
	if expected == "" {
		res, err = tx.ExecContext(ctx, `
			UPDATE cron_schedules SET pending_envelope_id = ?, updated_at = ?
			WHERE id = ? AND pending_envelope_id IS NULL;`,
			nextVal, s.now().UnixMilli(), id)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE cron_schedules SET pending_envelope_id = ?, updated_at = ?
			WHERE id = ? AND pending_envelope_id = ?;`,
			nextVal, s.now().UnixMilli(), id, expected)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetCronEnabledTx flips the enabled flag inside a caller-owned transaction.
func (s *Store) SetCronEnabledTx(ctx context.Context, tx *sql.Tx, id string, enabled bool) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE cron_schedules SET enabled = ?, updated_at = ? WHERE id = ?;`,
		boolToInt(enabled), s.now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("cron schedule %q: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteCronScheduleTx removes the schedule row inside a caller-owned
// transaction; the cron manager cancels its pending envelope in the same
// transaction.
func (s *Store) DeleteCronScheduleTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM cron_schedules WHERE id = ?;`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("cron schedule %q: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteCronSchedulesForAgentTx removes all of an agent's schedules,
// returning the pending envelope ids they held so the caller can cancel
// those envelopes in the same transaction.
func (s *Store) DeleteCronSchedulesForAgentTx(ctx context.Context, tx *sql.Tx, agentName string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT pending_envelope_id FROM cron_schedules
		WHERE agent_name = ? AND pending_envelope_id IS NOT NULL;`, agentName)
	if err != nil {
		return nil, err
	}
	var pending []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		pending = append(pending, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM cron_schedules WHERE agent_name = ?;`, agentName)
	if err != nil {
		return nil, err
	}
	return pending, nil
}
