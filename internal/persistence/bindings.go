package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Binding associates an agent with an adapter credential. Constraints:
// one binding per (agent, adapter type), and an adapter token belongs to at
// most one agent.
type Binding struct {
	AgentName    string
	AdapterType  string
	AdapterToken string
	CreatedAt    time.Time
}

// UpsertBinding creates or replaces the agent's binding for an adapter type.
// A token already bound to a different agent returns ErrConflict.
func (s *Store) UpsertBinding(ctx context.Context, b Binding) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx,
			`SELECT agent_name FROM agent_bindings WHERE adapter_type = ? AND adapter_token = ?;`,
			b.AdapterType, b.AdapterToken).Scan(&owner)
		switch {
		case err == nil && owner != b.AgentName:
			return fmt.Errorf("adapter token already bound to agent %q: %w", owner, ErrConflict)
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO agent_bindings (agent_name, adapter_type, adapter_token, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(agent_name, adapter_type)
			DO UPDATE SET adapter_token = excluded.adapter_token;`,
			b.AgentName, b.AdapterType, b.AdapterToken, s.now().UnixMilli())
		if isUniqueViolation(err) {
			return fmt.Errorf("adapter token already bound: %w", ErrConflict)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("agent %q: %w", b.AgentName, ErrNotFound)
		}
		return err
	})
}

// GetBindingForAgent looks up an agent's binding for one adapter type.
func (s *Store) GetBindingForAgent(ctx context.Context, agentName, adapterType string) (*Binding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_name, adapter_type, adapter_token, created_at
		FROM agent_bindings WHERE agent_name = ? AND adapter_type = ?;`,
		agentName, adapterType)
	return scanBinding(row)
}

// GetBindingByAdapterToken resolves the agent owning an adapter credential.
func (s *Store) GetBindingByAdapterToken(ctx context.Context, adapterType, adapterToken string) (*Binding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_name, adapter_type, adapter_token, created_at
		FROM agent_bindings WHERE adapter_type = ? AND adapter_token = ?;`,
		adapterType, adapterToken)
	return scanBinding(row)
}

func scanBinding(row *sql.Row) (*Binding, error) {
	var b Binding
	var createdAt int64
	err := row.Scan(&b.AgentName, &b.AdapterType, &b.AdapterToken, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("binding: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	b.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &b, nil
}

// ListBindings returns every binding, ordered for stable output.
func (s *Store) ListBindings(ctx context.Context) ([]Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_name, adapter_type, adapter_token, created_at
		FROM agent_bindings ORDER BY agent_name, adapter_type;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		var b Binding
		var createdAt int64
		if err := rows.Scan(&b.AgentName, &b.AdapterType, &b.AdapterToken, &createdAt); err != nil {
			return nil, err
		}
		b.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListBindingsForAgent returns one agent's bindings.
func (s *Store) ListBindingsForAgent(ctx context.Context, agentName string) ([]Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_name, adapter_type, adapter_token, created_at
		FROM agent_bindings WHERE agent_name = ? ORDER BY adapter_type;`, agentName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		var b Binding
		var createdAt int64
		if err := rows.Scan(&b.AgentName, &b.AdapterType, &b.AdapterToken, &createdAt); err != nil {
			return nil, err
		}
		b.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteBinding removes one binding; missing rows return ErrNotFound.
func (s *Store) DeleteBinding(ctx context.Context, agentName, adapterType string) error {
	res, err := s.exec(ctx,
		`DELETE FROM agent_bindings WHERE agent_name = ? AND adapter_type = ?;`,
		agentName, adapterType)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("binding %s/%s: %w", agentName, adapterType, ErrNotFound)
	}
	return nil
}

// CountBindingsForAdapterToken reports how many agents still use a
// credential, so the registry can stop adapters with no remaining bindings.
func (s *Store) CountBindingsForAdapterToken(ctx context.Context, adapterType, adapterToken string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_bindings WHERE adapter_type = ? AND adapter_token = ?;`,
		adapterType, adapterToken).Scan(&n)
	return n, err
}
