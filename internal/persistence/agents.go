package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PermissionLevel orders what a principal may call; see the authorizer.
type PermissionLevel string

const (
	LevelRestricted PermissionLevel = "restricted"
	LevelStandard   PermissionLevel = "standard"
	LevelPrivileged PermissionLevel = "privileged"
	LevelBoss       PermissionLevel = "boss"
)

// Rank returns the lattice position, restricted < standard < privileged < boss.
// Unknown levels rank below restricted so they never grant anything.
func (l PermissionLevel) Rank() int {
	switch l {
	case LevelRestricted:
		return 1
	case LevelStandard:
		return 2
	case LevelPrivileged:
		return 3
	case LevelBoss:
		return 4
	default:
		return 0
	}
}

func (l PermissionLevel) Valid() bool { return l.Rank() > 0 }

// SessionPolicy controls when an agent's provider session is refreshed.
// Zero values mean "not set".
type SessionPolicy struct {
	DailyResetAt       string `json:"dailyResetAt,omitempty"` // "HH:MM", host-local
	IdleTimeoutSeconds int64  `json:"idleTimeoutSeconds,omitempty"`
	MaxContextLength   int    `json:"maxContextLength,omitempty"`
}

func (p SessionPolicy) Empty() bool {
	return p.DailyResetAt == "" && p.IdleTimeoutSeconds == 0 && p.MaxContextLength == 0
}

// Agent is a registered principal that can receive envelopes and run
// provider turns. Name is the primary key; the token is its only credential.
type Agent struct {
	Name            string
	Token           string
	Description     string
	Workspace       string
	Provider        string // "claude" or "codex"
	Model           string
	ReasoningEffort string // "", "none", "low", "medium", "high", "xhigh"
	PermissionLevel PermissionLevel
	SessionPolicy   *SessionPolicy
	Metadata        json.RawMessage
	CreatedAt       time.Time
	LastSeenAt      *time.Time
}

const agentColumns = `name, token, description, workspace, provider, model,
	reasoning_effort, permission_level, session_policy, metadata, created_at, last_seen_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var (
		a          Agent
		policy     sql.NullString
		metadata   sql.NullString
		createdAt  int64
		lastSeenAt sql.NullInt64
	)
	err := row.Scan(&a.Name, &a.Token, &a.Description, &a.Workspace, &a.Provider,
		&a.Model, &a.ReasoningEffort, &a.PermissionLevel, &policy, &metadata,
		&createdAt, &lastSeenAt)
	if err != nil {
		return nil, err
	}
	if policy.Valid && policy.String != "" {
		var p SessionPolicy
		if err := json.Unmarshal([]byte(policy.String), &p); err != nil {
			return nil, fmt.Errorf("agent %s: decode session policy: %w", a.Name, err)
		}
		if !p.Empty() {
			a.SessionPolicy = &p
		}
	}
	if metadata.Valid && metadata.String != "" {
		a.Metadata = json.RawMessage(metadata.String)
	}
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.LastSeenAt = timeFromMillis(lastSeenAt)
	return &a, nil
}

// CreateAgent inserts a new agent. Name and token collisions return
// ErrConflict.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if a.PermissionLevel == "" {
		a.PermissionLevel = LevelStandard
	}
	if !a.PermissionLevel.Valid() {
		return fmt.Errorf("invalid permission level %q", a.PermissionLevel)
	}
	a.CreatedAt = s.now().UTC().Truncate(time.Millisecond)

	var policy any
	if a.SessionPolicy != nil && !a.SessionPolicy.Empty() {
		b, err := json.Marshal(a.SessionPolicy)
		if err != nil {
			return fmt.Errorf("encode session policy: %w", err)
		}
		policy = string(b)
	}
	var metadata any
	if len(a.Metadata) > 0 {
		metadata = string(a.Metadata)
	}

	_, err := s.exec(ctx, `
		INSERT INTO agents (name, token, description, workspace, provider, model,
			reasoning_effort, permission_level, session_policy, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		a.Name, a.Token, a.Description, a.Workspace, a.Provider, a.Model,
		a.ReasoningEffort, string(a.PermissionLevel), policy, metadata,
		a.CreatedAt.UnixMilli())
	if isUniqueViolation(err) {
		return fmt.Errorf("agent %q: %w", a.Name, ErrConflict)
	}
	return err
}

// GetAgent returns the agent by exact name.
func (s *Store) GetAgent(ctx context.Context, name string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE name = ?;`, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	return a, err
}

// GetAgentByToken matches a credential exactly.
func (s *Store) GetAgentByToken(ctx context.Context, token string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE token = ?;`, token)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// AgentUpdate carries the mutable fields of agent.set; nil means unchanged.
type AgentUpdate struct {
	Description     *string
	Workspace       *string
	Model           *string
	ReasoningEffort *string
	PermissionLevel *PermissionLevel
	Metadata        json.RawMessage
}

// UpdateAgent applies a partial update.
func (s *Store) UpdateAgent(ctx context.Context, name string, u AgentUpdate) error {
	sets := make([]string, 0, 6)
	args := make([]any, 0, 7)
	if u.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *u.Description)
	}
	if u.Workspace != nil {
		sets = append(sets, "workspace = ?")
		args = append(args, *u.Workspace)
	}
	if u.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, *u.Model)
	}
	if u.ReasoningEffort != nil {
		sets = append(sets, "reasoning_effort = ?")
		args = append(args, *u.ReasoningEffort)
	}
	if u.PermissionLevel != nil {
		if !u.PermissionLevel.Valid() {
			return fmt.Errorf("invalid permission level %q", *u.PermissionLevel)
		}
		sets = append(sets, "permission_level = ?")
		args = append(args, string(*u.PermissionLevel))
	}
	if len(u.Metadata) > 0 {
		sets = append(sets, "metadata = ?")
		args = append(args, string(u.Metadata))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, name)
	res, err := s.exec(ctx,
		`UPDATE agents SET `+strings.Join(sets, ", ")+` WHERE name = ?;`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	return nil
}

// SetAgentSessionPolicy replaces the whole policy; nil clears it.
func (s *Store) SetAgentSessionPolicy(ctx context.Context, name string, p *SessionPolicy) error {
	var policy any
	if p != nil && !p.Empty() {
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode session policy: %w", err)
		}
		policy = string(b)
	}
	res, err := s.exec(ctx, `UPDATE agents SET session_policy = ? WHERE name = ?;`, policy, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	return nil
}

// TouchAgentLastSeen records token activity.
func (s *Store) TouchAgentLastSeen(ctx context.Context, name string) error {
	_, err := s.exec(ctx, `UPDATE agents SET last_seen_at = ? WHERE name = ?;`,
		s.now().UnixMilli(), name)
	return err
}

// DeleteAgent removes the agent; bindings cascade via the foreign key.
func (s *Store) DeleteAgent(ctx context.Context, name string) error {
	res, err := s.exec(ctx, `DELETE FROM agents WHERE name = ?;`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	return nil
}
