package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hiboss/hi-boss/internal/address"
	"github.com/hiboss/hi-boss/internal/ids"
)

type EnvelopeStatus string

const (
	EnvelopeStatusPending EnvelopeStatus = "pending"
	EnvelopeStatusDone    EnvelopeStatus = "done"
)

// Attachment references a file by local path, URL or platform file id. The
// concrete type (image/video/audio/file) is inferred from the filename
// extension at render and send time.
type Attachment struct {
	Source         string `json:"source"`
	Filename       string `json:"filename,omitempty"`
	TelegramFileID string `json:"telegramFileId,omitempty"`
}

// Content is an envelope's payload.
type Content struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Author identifies the platform user behind an inbound channel message.
type Author struct {
	ID          string `json:"id,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Chat identifies the platform conversation. Name is empty for private chats.
type Chat struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// DeliveryError is the recorded classification of the latest failed
// delivery attempt. Kind is one of no-binding, adapter-not-loaded,
// send-failed.
type DeliveryError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
	Hint   string `json:"hint,omitempty"`
	At     int64  `json:"at"` // epoch ms
}

// Metadata models the known envelope metadata keys as typed fields and keeps
// unknown keys intact in Extra across read-modify-write cycles. The legacy
// replyToMessageId key is preserved on the wire but never honored by the
// router; only replyToEnvelopeId resolves to a platform reply.
type Metadata struct {
	Platform               string
	ChannelMessageID       string
	Author                 *Author
	Chat                   *Chat
	InReplyTo              string
	ReplyToEnvelopeID      string
	LegacyReplyToMessageID string
	ParseMode              string
	CronScheduleID         string
	LastDeliveryError      *DeliveryError
	Cancelled              bool
	CancelledAt            int64

	Extra map[string]json.RawMessage
}

func (m Metadata) Empty() bool {
	return m.Platform == "" && m.ChannelMessageID == "" && m.Author == nil &&
		m.Chat == nil && m.InReplyTo == "" && m.ReplyToEnvelopeID == "" &&
		m.LegacyReplyToMessageID == "" && m.ParseMode == "" &&
		m.CronScheduleID == "" && m.LastDeliveryError == nil &&
		!m.Cancelled && m.CancelledAt == 0 && len(m.Extra) == 0
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, 12+len(m.Extra))
	for k, v := range m.Extra {
		out[k] = v
	}
	put := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = b
		return nil
	}
	if m.Platform != "" {
		if err := put("platform", m.Platform); err != nil {
			return nil, err
		}
	}
	if m.ChannelMessageID != "" {
		if err := put("channelMessageId", m.ChannelMessageID); err != nil {
			return nil, err
		}
	}
	if m.Author != nil {
		if err := put("author", m.Author); err != nil {
			return nil, err
		}
	}
	if m.Chat != nil {
		if err := put("chat", m.Chat); err != nil {
			return nil, err
		}
	}
	if m.InReplyTo != "" {
		if err := put("inReplyTo", m.InReplyTo); err != nil {
			return nil, err
		}
	}
	if m.ReplyToEnvelopeID != "" {
		if err := put("replyToEnvelopeId", m.ReplyToEnvelopeID); err != nil {
			return nil, err
		}
	}
	if m.LegacyReplyToMessageID != "" {
		if err := put("replyToMessageId", m.LegacyReplyToMessageID); err != nil {
			return nil, err
		}
	}
	if m.ParseMode != "" {
		if err := put("parseMode", m.ParseMode); err != nil {
			return nil, err
		}
	}
	if m.CronScheduleID != "" {
		if err := put("cronScheduleId", m.CronScheduleID); err != nil {
			return nil, err
		}
	}
	if m.LastDeliveryError != nil {
		if err := put("lastDeliveryError", m.LastDeliveryError); err != nil {
			return nil, err
		}
	}
	if m.Cancelled {
		if err := put("cancelled", true); err != nil {
			return nil, err
		}
	}
	if m.CancelledAt != 0 {
		if err := put("cancelledAt", m.CancelledAt); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	take := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		return json.Unmarshal(v, dst)
	}
	if err := take("platform", &m.Platform); err != nil {
		return err
	}
	if err := take("channelMessageId", &m.ChannelMessageID); err != nil {
		return err
	}
	if _, ok := raw["author"]; ok {
		m.Author = &Author{}
		if err := take("author", m.Author); err != nil {
			return err
		}
	}
	if _, ok := raw["chat"]; ok {
		m.Chat = &Chat{}
		if err := take("chat", m.Chat); err != nil {
			return err
		}
	}
	if err := take("inReplyTo", &m.InReplyTo); err != nil {
		return err
	}
	if err := take("replyToEnvelopeId", &m.ReplyToEnvelopeID); err != nil {
		return err
	}
	if err := take("replyToMessageId", &m.LegacyReplyToMessageID); err != nil {
		return err
	}
	if err := take("parseMode", &m.ParseMode); err != nil {
		return err
	}
	if err := take("cronScheduleId", &m.CronScheduleID); err != nil {
		return err
	}
	if _, ok := raw["lastDeliveryError"]; ok {
		m.LastDeliveryError = &DeliveryError{}
		if err := take("lastDeliveryError", m.LastDeliveryError); err != nil {
			return err
		}
	}
	if err := take("cancelled", &m.Cancelled); err != nil {
		return err
	}
	if err := take("cancelledAt", &m.CancelledAt); err != nil {
		return err
	}
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// Envelope is the durable message record, the system's sole unit of
// communication.
type Envelope struct {
	ID        string
	From      string
	To        string
	FromBoss  bool
	Content   Content
	DeliverAt *time.Time
	Status    EnvelopeStatus
	Metadata  Metadata
	CreatedAt time.Time
}

// ShortID is the user-facing identifier.
func (e *Envelope) ShortID() string { return ids.Short(e.ID) }

// DueAt reports whether the envelope should be delivered at now (a nil
// deliverAt means due immediately).
func (e *Envelope) DueAt(now time.Time) bool {
	return e.DeliverAt == nil || !e.DeliverAt.After(now)
}

// CreateEnvelopeInput is everything the caller decides; the store assigns
// id, status and createdAt.
type CreateEnvelopeInput struct {
	From      string
	To        string
	FromBoss  bool
	Content   Content
	DeliverAt *time.Time
	Metadata  Metadata
}

func (in *CreateEnvelopeInput) validate() error {
	if _, err := address.Parse(in.From); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if _, err := address.Parse(in.To); err != nil {
		return fmt.Errorf("to: %w", err)
	}
	return nil
}

const envelopeColumns = `id, from_addr, to_addr, from_boss, content, deliver_at, status, metadata, created_at`

func scanEnvelope(row interface{ Scan(...any) error }) (*Envelope, error) {
	var (
		e         Envelope
		fromBoss  int
		content   string
		deliverAt sql.NullInt64
		metadata  sql.NullString
		createdAt int64
	)
	err := row.Scan(&e.ID, &e.From, &e.To, &fromBoss, &content, &deliverAt,
		&e.Status, &metadata, &createdAt)
	if err != nil {
		return nil, err
	}
	e.FromBoss = fromBoss != 0
	if content != "" {
		if err := json.Unmarshal([]byte(content), &e.Content); err != nil {
			return nil, fmt.Errorf("envelope %s: decode content: %w", e.ID, err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("envelope %s: decode metadata: %w", e.ID, err)
		}
	}
	e.DeliverAt = timeFromMillis(deliverAt)
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &e, nil
}

// CreateEnvelope inserts a pending envelope and returns it.
func (s *Store) CreateEnvelope(ctx context.Context, in CreateEnvelopeInput) (*Envelope, error) {
	var env *Envelope
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		env, err = s.CreateEnvelopeTx(ctx, tx, in)
		return err
	})
	return env, err
}

// CreateEnvelopeTx is CreateEnvelope inside a caller-owned transaction, used
// by the cron scheduler to materialize envelopes atomically with schedule
// updates.
func (s *Store) CreateEnvelopeTx(ctx context.Context, tx *sql.Tx, in CreateEnvelopeInput) (*Envelope, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	env := &Envelope{
		ID:        ids.New(),
		From:      in.From,
		To:        in.To,
		FromBoss:  in.FromBoss,
		Content:   in.Content,
		DeliverAt: in.DeliverAt,
		Status:    EnvelopeStatusPending,
		Metadata:  in.Metadata,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	content, err := json.Marshal(env.Content)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	var metadata any
	if !env.Metadata.Empty() {
		b, err := json.Marshal(env.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(b)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO envelopes (id, from_addr, to_addr, from_boss, content, deliver_at, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		env.ID, env.From, env.To, boolToInt(env.FromBoss), string(content),
		millisPtr(env.DeliverAt), string(env.Status), metadata, env.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert envelope: %w", err)
	}
	return env, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetEnvelope fetches by full id.
func (s *Store) GetEnvelope(ctx context.Context, id string) (*Envelope, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+envelopeColumns+` FROM envelopes WHERE id = ?;`, id)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("envelope %q: %w", id, ErrNotFound)
	}
	return env, err
}

// FindEnvelopeByIDPrefix resolves a short id or any unique prefix.
func (s *Store) FindEnvelopeByIDPrefix(ctx context.Context, prefix string) (*Envelope, error) {
	norm, err := ids.NormalizePrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("envelope id: %w", err)
	}
	id, err := s.findByIDPrefix(ctx, "envelopes", "envelope", norm)
	if err != nil {
		return nil, err
	}
	return s.GetEnvelope(ctx, id)
}

// EnvelopeFilter narrows ListEnvelopes. Zero fields are ignored.
type EnvelopeFilter struct {
	Status EnvelopeStatus
	To     string
	From   string
	Agent  string // matches either endpoint being agent:<name>
	Limit  int
}

// ListEnvelopes returns newest-first envelopes matching the filter.
func (s *Store) ListEnvelopes(ctx context.Context, f EnvelopeFilter) ([]*Envelope, error) {
	where := []string{"1=1"}
	args := []any{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.To != "" {
		where = append(where, "to_addr = ?")
		args = append(args, f.To)
	}
	if f.From != "" {
		where = append(where, "from_addr = ?")
		args = append(args, f.From)
	}
	if f.Agent != "" {
		where = append(where, "(to_addr = ? OR from_addr = ?)")
		agentAddr := address.ForAgent(f.Agent).String()
		args = append(args, agentAddr, agentAddr)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+envelopeColumns+` FROM envelopes
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id DESC LIMIT ?;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEnvelopes(rows)
}

func collectEnvelopes(rows *sql.Rows) ([]*Envelope, error) {
	var out []*Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// ListDueChannelEnvelopes returns pending channel-destined envelopes due at
// now, ordered (deliverAt NULLS FIRST, createdAt), capped at limit.
func (s *Store) ListDueChannelEnvelopes(ctx context.Context, now time.Time, limit int) ([]*Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+envelopeColumns+` FROM envelopes
		WHERE status = 'pending' AND to_addr LIKE 'channel:%'
		  AND (deliver_at IS NULL OR deliver_at <= ?)
		ORDER BY deliver_at IS NOT NULL, deliver_at, created_at, id
		LIMIT ?;`, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEnvelopes(rows)
}

// ListAgentNamesWithDueEnvelopes returns the distinct agent names that have
// a due pending envelope addressed to them.
func (s *Store) ListAgentNamesWithDueEnvelopes(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT substr(to_addr, 7) FROM envelopes
		WHERE status = 'pending' AND to_addr LIKE 'agent:%'
		  AND (deliver_at IS NULL OR deliver_at <= ?)
		ORDER BY 1;`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ListPendingInboxForAgent returns the agent's due pending envelopes in
// drain order (deliverAt NULLS FIRST, createdAt).
func (s *Store) ListPendingInboxForAgent(ctx context.Context, agentName string, now time.Time) ([]*Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+envelopeColumns+` FROM envelopes
		WHERE status = 'pending' AND to_addr = ?
		  AND (deliver_at IS NULL OR deliver_at <= ?)
		ORDER BY deliver_at IS NOT NULL, deliver_at, created_at, id;`,
		address.ForAgent(agentName).String(), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEnvelopes(rows)
}

// NextScheduledDeliverAt returns the nearest strictly-future deliverAt among
// pending envelopes, or nil when none is scheduled.
func (s *Store) NextScheduledDeliverAt(ctx context.Context, now time.Time) (*time.Time, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(deliver_at) FROM envelopes
		WHERE status = 'pending' AND deliver_at > ?;`, now.UnixMilli()).Scan(&next)
	if err != nil {
		return nil, err
	}
	return timeFromMillis(next), nil
}

// CountDuePendingEnvelopes counts pending envelopes due at now (nil
// deliverAt counts as due).
func (s *Store) CountDuePendingEnvelopes(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM envelopes
		WHERE status = 'pending' AND (deliver_at IS NULL OR deliver_at <= ?);`,
		now.UnixMilli()).Scan(&n)
	return n, err
}

// CountPendingEnvelopes counts all pending envelopes.
func (s *Store) CountPendingEnvelopes(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM envelopes WHERE status = 'pending';`).Scan(&n)
	return n, err
}

// MarkEnvelopeDone transitions pending → done. Done is terminal: marking an
// already-done envelope is a no-op and returns false.
func (s *Store) MarkEnvelopeDone(ctx context.Context, id string) (bool, error) {
	var changed bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		changed, err = s.MarkEnvelopeDoneTx(ctx, tx, id)
		return err
	})
	return changed, err
}

// MarkEnvelopeDoneTx is MarkEnvelopeDone inside a caller-owned transaction.
func (s *Store) MarkEnvelopeDoneTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE envelopes SET status = 'done' WHERE id = ? AND status = 'pending';`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish terminal from missing.
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM envelopes WHERE id = ?;`, id).Scan(&exists); err != nil {
			return false, err
		}
		if exists == 0 {
			return false, fmt.Errorf("envelope %q: %w", id, ErrNotFound)
		}
		return false, nil
	}
	return true, nil
}

// UpdateEnvelopeMetadata replaces the metadata blob.
func (s *Store) UpdateEnvelopeMetadata(ctx context.Context, id string, md Metadata) error {
	var metadata any
	if !md.Empty() {
		b, err := json.Marshal(md)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(b)
	}
	res, err := s.exec(ctx, `UPDATE envelopes SET metadata = ? WHERE id = ?;`, metadata, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("envelope %q: %w", id, ErrNotFound)
	}
	return nil
}

// RecordDeliveryError stores the latest delivery failure on the envelope's
// metadata without touching its status.
func (s *Store) RecordDeliveryError(ctx context.Context, id string, de DeliveryError) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+envelopeColumns+` FROM envelopes WHERE id = ?;`, id)
		env, err := scanEnvelope(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("envelope %q: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		env.Metadata.LastDeliveryError = &de
		b, err := json.Marshal(env.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE envelopes SET metadata = ? WHERE id = ?;`, string(b), id)
		return err
	})
}

// CancelEnvelopeTx marks an envelope done with the cancelled audit marker.
func (s *Store) CancelEnvelopeTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+envelopeColumns+` FROM envelopes WHERE id = ? AND status = 'pending';`, id)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	env.Metadata.Cancelled = true
	env.Metadata.CancelledAt = s.now().UnixMilli()
	b, err := json.Marshal(env.Metadata)
	if err != nil {
		return false, fmt.Errorf("encode metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE envelopes SET status = 'done', metadata = ? WHERE id = ? AND status = 'pending';`,
		string(b), id)
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClearDueNonCronEnvelopes cancels the agent's due pending envelopes that
// did not originate from a cron schedule. Returns the ids it cancelled.
func (s *Store) ClearDueNonCronEnvelopes(ctx context.Context, agentName string, now time.Time) ([]string, error) {
	inbox, err := s.ListPendingInboxForAgent(ctx, agentName, now)
	if err != nil {
		return nil, err
	}
	var cleared []string
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, env := range inbox {
			if env.Metadata.CronScheduleID != "" {
				continue
			}
			done, err := s.CancelEnvelopeTx(ctx, tx, env.ID)
			if err != nil {
				return err
			}
			if done {
				cleared = append(cleared, env.ID)
			}
		}
		return nil
	})
	return cleared, err
}

// CancelPendingEnvelopesTo cancels every pending envelope addressed to addr,
// scheduled and cron-origin ones included. Used when the destination itself
// goes away.
func (s *Store) CancelPendingEnvelopesTo(ctx context.Context, addr string) (int, error) {
	envs, err := s.ListEnvelopes(ctx, EnvelopeFilter{Status: EnvelopeStatusPending, To: addr})
	if err != nil {
		return 0, err
	}
	if len(envs) == 0 {
		return 0, nil
	}
	cancelled := 0
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		cancelled = 0
		for _, env := range envs {
			done, err := s.CancelEnvelopeTx(ctx, tx, env.ID)
			if err != nil {
				return err
			}
			if done {
				cancelled++
			}
		}
		return nil
	})
	return cancelled, err
}

// ClearOrphanChannelEnvelopes marks done (bounded by cap) the due channel
// envelopes whose sender can no longer deliver: the sender is not an agent
// or has no binding for the destination adapter type. Runs at startup so a
// stale backlog cannot wedge the first scheduler tick.
func (s *Store) ClearOrphanChannelEnvelopes(ctx context.Context, now time.Time, cap int) (int, error) {
	due, err := s.ListDueChannelEnvelopes(ctx, now, cap)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, env := range due {
		to, err := address.Parse(env.To)
		if err != nil {
			continue
		}
		orphan := false
		from, err := address.Parse(env.From)
		if err != nil || from.Kind != address.KindAgent {
			orphan = true
		} else if _, err := s.GetBindingForAgent(ctx, from.Agent, to.AdapterType); err != nil {
			if !errors.Is(err, ErrNotFound) {
				return cleared, err
			}
			orphan = true
		}
		if !orphan {
			continue
		}
		derr := DeliveryError{Kind: "no-binding", Detail: "cleared at startup", At: s.now().UnixMilli()}
		err = s.WithTx(ctx, func(tx *sql.Tx) error {
			env.Metadata.LastDeliveryError = &derr
			env.Metadata.Cancelled = true
			env.Metadata.CancelledAt = derr.At
			b, err := json.Marshal(env.Metadata)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE envelopes SET status = 'done', metadata = ? WHERE id = ? AND status = 'pending';`,
				string(b), env.ID)
			return err
		})
		if err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}
