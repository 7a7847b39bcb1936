// Package cron keeps recurring schedules materialized as envelopes. While a
// schedule is enabled exactly one pending envelope exists for its next
// occurrence; when that envelope closes, the scheduler materializes the one
// after. Advancement is compare-and-swap guarded on the schedule's pending
// envelope id, so replayed events and concurrent reconciles cannot
// double-advance a schedule.
package cron

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/hiboss/hi-boss/internal/address"
	"github.com/hiboss/hi-boss/internal/bus"
	"github.com/hiboss/hi-boss/internal/clock"
	"github.com/hiboss/hi-boss/internal/ids"
	"github.com/hiboss/hi-boss/internal/persistence"
)

// cronParser accepts standard 5-field expressions, 6-field with a leading
// seconds column, and the @daily family of descriptors.
var cronParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour |
		cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// errStalePending aborts a materialization whose schedule advanced under it.
var errStalePending = errors.New("schedule pending envelope changed")

// ValidateExpression checks expr against the accepted grammar without
// touching any schedule. The RPC layer calls it to reject bad input before
// anything persists.
func ValidateExpression(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Clock  clock.Clock
	Logger *slog.Logger
}

// Scheduler materializes and advances cron schedules.
type Scheduler struct {
	store  *persistence.Store
	bus    *bus.Bus
	clk    clock.Clock
	logger *slog.Logger

	mu  sync.Mutex
	sub *bus.Subscription
}

// CreateInput describes a new schedule. Timezone "" and "local" both mean
// the boss timezone (falling back to the host zone).
type CreateInput struct {
	AgentName  string
	Expression string
	Timezone   string
	To         string
	Text       string
	Metadata   string // extra envelope metadata, JSON object
}

// ReconcileStats reports what a reconcile pass changed.
type ReconcileStats struct {
	Materialized int
	Misfires     int
	Cleaned      int
}

func NewScheduler(cfg Config) *Scheduler {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  cfg.Store,
		bus:    cfg.Bus,
		clk:    clk,
		logger: logger,
	}
}

// Start subscribes to envelope completions so schedules advance as their
// envelopes close. Call after ReconcileAll so startup cleanup does not race
// live advancement.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return
	}
	s.sub = s.bus.Subscribe(bus.TopicEnvelopeDone, func(ev bus.Event) {
		payload, ok := ev.Payload.(bus.EnvelopeEvent)
		if !ok || payload.CronScheduleID == "" {
			return
		}
		if err := s.advance(ctx, payload.CronScheduleID, payload.EnvelopeID); err != nil {
			s.logger.Error("cron: advance schedule",
				"schedule", ids.Short(payload.CronScheduleID), "error", err)
		}
	})
	s.logger.Info("cron scheduler started")
}

// Stop detaches from the bus.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		s.bus.Unsubscribe(sub)
		s.logger.Info("cron scheduler stopped")
	}
}

// CreateSchedule validates the expression, timezone and destination, then
// inserts the schedule and its first pending envelope in one transaction.
func (s *Scheduler) CreateSchedule(ctx context.Context, in CreateInput) (*persistence.CronSchedule, error) {
	if _, err := cronParser.Parse(in.Expression); err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", in.Expression, err)
	}
	tz, err := normalizeTimezone(in.Timezone)
	if err != nil {
		return nil, err
	}
	if _, err := address.Parse(in.To); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	if in.Metadata != "" {
		var md persistence.Metadata
		if err := json.Unmarshal([]byte(in.Metadata), &md); err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
	}
	loc, err := s.location(ctx, tz)
	if err != nil {
		return nil, err
	}

	var (
		sched *persistence.CronSchedule
		env   *persistence.Envelope
	)
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		sched, err = s.store.InsertCronScheduleTx(ctx, tx, persistence.CreateCronScheduleInput{
			AgentName: in.AgentName,
			Cron:      in.Expression,
			Timezone:  tz,
			To:        in.To,
			Content:   in.Text,
			Metadata:  in.Metadata,
		})
		if err != nil {
			return err
		}
		env, err = s.materializeTx(ctx, tx, sched, loc, s.clk.Now(), "")
		return err
	})
	if err != nil {
		return nil, err
	}
	sched.PendingEnvelopeID = env.ID
	s.publishCreated(env)
	s.logger.Info("cron schedule created",
		"schedule", sched.ShortID(), "agent", sched.AgentName,
		"expr", sched.Cron, "next", env.DeliverAt)
	return sched, nil
}

// EnableSchedule turns a schedule on, disposing any stray pending envelope
// and materializing a fresh next occurrence. Accepts a short id prefix.
func (s *Scheduler) EnableSchedule(ctx context.Context, id string) error {
	sched, err := s.store.FindCronScheduleByIDPrefix(ctx, id)
	if err != nil {
		return err
	}
	loc, err := s.location(ctx, sched.Timezone)
	if err != nil {
		return err
	}
	var env *persistence.Envelope
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if sched.PendingEnvelopeID != "" {
			if _, err := s.store.CancelEnvelopeTx(ctx, tx, sched.PendingEnvelopeID); err != nil {
				return err
			}
		}
		if err := s.store.SetCronEnabledTx(ctx, tx, sched.ID, true); err != nil {
			return err
		}
		var err error
		env, err = s.materializeTx(ctx, tx, sched, loc, s.clk.Now(), sched.PendingEnvelopeID)
		return err
	})
	if err != nil {
		return err
	}
	s.publishCreated(env)
	s.logger.Info("cron schedule enabled", "schedule", sched.ShortID(), "next", env.DeliverAt)
	return nil
}

// DisableSchedule turns a schedule off and withdraws its pending envelope.
func (s *Scheduler) DisableSchedule(ctx context.Context, id string) error {
	sched, err := s.store.FindCronScheduleByIDPrefix(ctx, id)
	if err != nil {
		return err
	}
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.clearPendingTx(ctx, tx, sched); err != nil {
			return err
		}
		return s.store.SetCronEnabledTx(ctx, tx, sched.ID, false)
	})
	if err != nil {
		return err
	}
	s.logger.Info("cron schedule disabled", "schedule", sched.ShortID())
	return nil
}

// DeleteSchedule withdraws the pending envelope and removes the schedule.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id string) error {
	sched, err := s.store.FindCronScheduleByIDPrefix(ctx, id)
	if err != nil {
		return err
	}
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if sched.PendingEnvelopeID != "" {
			if _, err := s.store.CancelEnvelopeTx(ctx, tx, sched.PendingEnvelopeID); err != nil {
				return err
			}
		}
		return s.store.DeleteCronScheduleTx(ctx, tx, sched.ID)
	})
	if err != nil {
		return err
	}
	s.logger.Info("cron schedule deleted", "schedule", sched.ShortID())
	return nil
}

// DeleteSchedulesForAgent removes all of an agent's schedules and withdraws
// their pending envelopes, used when the agent itself is deleted.
func (s *Scheduler) DeleteSchedulesForAgent(ctx context.Context, agentName string) error {
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		pending, err := s.store.DeleteCronSchedulesForAgentTx(ctx, tx, agentName)
		if err != nil {
			return err
		}
		for _, envID := range pending {
			if _, err := s.store.CancelEnvelopeTx(ctx, tx, envID); err != nil {
				return err
			}
		}
		return nil
	})
}

// advance reacts to a schedule's pending envelope closing: it materializes
// the next occurrence strictly after now. The CAS on pendingEnvelopeId makes
// replayed or duplicate done-events no-ops, and catches the schedule being
// disabled, advanced or deleted between the read and the swap.
func (s *Scheduler) advance(ctx context.Context, scheduleID, envelopeID string) error {
	sched, err := s.store.GetCronSchedule(ctx, scheduleID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil // deleted since the envelope closed
		}
		return err
	}
	if !sched.Enabled || sched.PendingEnvelopeID != envelopeID {
		return nil
	}
	loc, err := s.location(ctx, sched.Timezone)
	if err != nil {
		return err
	}
	var env *persistence.Envelope
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		env, err = s.materializeTx(ctx, tx, sched, loc, s.clk.Now(), envelopeID)
		return err
	})
	if errors.Is(err, errStalePending) {
		return nil
	}
	if err != nil {
		return err
	}
	s.publishCreated(env)
	s.logger.Info("cron schedule advanced",
		"schedule", sched.ShortID(), "next", env.DeliverAt)
	return nil
}

// ReconcileAll restores the one-pending-envelope-per-enabled-schedule
// invariant after a restart. With skipMisfires, pending envelopes already
// past due are withdrawn and replaced by the next occurrence after now;
// without it they are left in place to deliver immediately.
func (s *Scheduler) ReconcileAll(ctx context.Context, skipMisfires bool) (ReconcileStats, error) {
	var stats ReconcileStats
	scheds, err := s.store.ListCronSchedules(ctx, true)
	if err != nil {
		return stats, err
	}
	now := s.clk.Now()
	var created []*persistence.Envelope
	for _, sched := range scheds {
		env, misfire, err := s.reconcileOne(ctx, sched, now, skipMisfires)
		if err != nil {
			s.logger.Error("cron: reconcile schedule",
				"schedule", sched.ShortID(), "error", err)
			continue
		}
		if misfire {
			stats.Misfires++
		}
		switch {
		case env != nil:
			stats.Materialized++
			created = append(created, env)
		case !sched.Enabled && sched.PendingEnvelopeID != "":
			stats.Cleaned++
		}
	}
	for _, env := range created {
		s.publishCreated(env)
	}
	s.logger.Info("cron schedules reconciled",
		"materialized", stats.Materialized, "misfires", stats.Misfires,
		"cleaned", stats.Cleaned, "skip_misfires", skipMisfires)
	return stats, nil
}

// reconcileOne brings a single schedule back to its invariant. It returns
// the envelope it materialized, if any, and whether it withdrew a misfire.
func (s *Scheduler) reconcileOne(ctx context.Context, sched *persistence.CronSchedule, now time.Time, skipMisfires bool) (*persistence.Envelope, bool, error) {
	if !sched.Enabled {
		if sched.PendingEnvelopeID == "" {
			return nil, false, nil
		}
		err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
			return s.clearPendingTx(ctx, tx, sched)
		})
		return nil, false, err
	}

	cancelPending := false
	misfire := false
	if sched.PendingEnvelopeID != "" {
		env, err := s.store.GetEnvelope(ctx, sched.PendingEnvelopeID)
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			// Stray reference; re-materialize below.
		case err != nil:
			return nil, false, err
		case env.Status == persistence.EnvelopeStatusPending:
			if !skipMisfires || env.DeliverAt == nil || env.DeliverAt.After(now) {
				return nil, false, nil // healthy
			}
			misfire = true
			cancelPending = true
		default:
			// Closed but never advanced (crash between the status write
			// and the done event); re-materialize below.
		}
	}

	loc, err := s.location(ctx, sched.Timezone)
	if err != nil {
		return nil, false, err
	}
	var env *persistence.Envelope
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if cancelPending {
			if _, err := s.store.CancelEnvelopeTx(ctx, tx, sched.PendingEnvelopeID); err != nil {
				return err
			}
		}
		var err error
		env, err = s.materializeTx(ctx, tx, sched, loc, now, sched.PendingEnvelopeID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return env, misfire, nil
}

// NextOccurrence computes when a schedule fires next after the given time,
// honoring its timezone.
func (s *Scheduler) NextOccurrence(ctx context.Context, sched *persistence.CronSchedule, after time.Time) (time.Time, error) {
	loc, err := s.location(ctx, sched.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	return nextOccurrence(sched, loc, after)
}

func nextOccurrence(sched *persistence.CronSchedule, loc *time.Location, after time.Time) (time.Time, error) {
	parsed, err := cronParser.Parse(sched.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron expression %q: %w", sched.Cron, err)
	}
	next := parsed.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", sched.Cron)
	}
	return next.UTC(), nil
}

// materializeTx creates the schedule's next envelope and swings
// pendingEnvelopeId from expected to it. A failed swap aborts the
// transaction, rolling the new envelope back with it. Callers resolve the
// location up front; the store holds a single connection, so nothing inside
// the transaction may issue non-Tx queries.
func (s *Scheduler) materializeTx(ctx context.Context, tx *sql.Tx, sched *persistence.CronSchedule, loc *time.Location, after time.Time, expected string) (*persistence.Envelope, error) {
	next, err := nextOccurrence(sched, loc, after)
	if err != nil {
		return nil, err
	}

	md := persistence.Metadata{}
	if sched.Metadata != "" {
		if err := json.Unmarshal([]byte(sched.Metadata), &md); err != nil {
			return nil, fmt.Errorf("schedule %s metadata: %w", sched.ShortID(), err)
		}
	}
	md.CronScheduleID = sched.ID

	env, err := s.store.CreateEnvelopeTx(ctx, tx, persistence.CreateEnvelopeInput{
		From:      address.ForAgent(sched.AgentName).String(),
		To:        sched.To,
		Content:   persistence.Content{Text: sched.Content},
		DeliverAt: &next,
		Metadata:  md,
	})
	if err != nil {
		return nil, err
	}
	swapped, err := s.store.UpdateCronPendingEnvelopeIDTx(ctx, tx, sched.ID, expected, env.ID)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, errStalePending
	}
	return env, nil
}

// clearPendingTx withdraws the schedule's pending envelope and clears the
// reference.
func (s *Scheduler) clearPendingTx(ctx context.Context, tx *sql.Tx, sched *persistence.CronSchedule) error {
	if sched.PendingEnvelopeID == "" {
		return nil
	}
	if _, err := s.store.CancelEnvelopeTx(ctx, tx, sched.PendingEnvelopeID); err != nil {
		return err
	}
	swapped, err := s.store.UpdateCronPendingEnvelopeIDTx(ctx, tx, sched.ID, sched.PendingEnvelopeID, "")
	if err != nil {
		return err
	}
	if !swapped {
		return errStalePending
	}
	return nil
}

func (s *Scheduler) publishCreated(env *persistence.Envelope) {
	ev := bus.EnvelopeEvent{
		EnvelopeID:     env.ID,
		From:           env.From,
		To:             env.To,
		CronScheduleID: env.Metadata.CronScheduleID,
		Scheduled:      env.DeliverAt != nil,
	}
	if a, err := address.Parse(env.To); err == nil && a.Kind == address.KindAgent {
		ev.Agent = a.Agent
	}
	s.bus.Publish(bus.TopicEnvelopeCreated, ev)
}

// normalizeTimezone validates tz and maps the inherit spellings to "".
func normalizeTimezone(tz string) (string, error) {
	if tz == "" || strings.EqualFold(tz, "local") {
		return "", nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", fmt.Errorf("timezone %q: %w", tz, err)
	}
	return tz, nil
}

// location resolves a schedule timezone, inheriting the boss timezone and
// then the host zone when unset.
func (s *Scheduler) location(ctx context.Context, tz string) (*time.Location, error) {
	if tz == "" || strings.EqualFold(tz, "local") {
		if bossTZ, err := s.store.GetConfigDefault(ctx, persistence.ConfigKeyBossTimezone, ""); err == nil && bossTZ != "" {
			return time.LoadLocation(bossTZ)
		}
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
