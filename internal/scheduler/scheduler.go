// Package scheduler owns the single wake timer that drives time-based
// delivery. Every tick drains the due channel envelopes, kicks the engine
// for agents with due inboxes, and re-arms the timer from the earliest
// scheduled envelope still in the store. Ticks run on one goroutine, so at
// most one is ever in progress; wakes requested mid-tick coalesce into
// exactly one follow-up.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hiboss/hi-boss/internal/bus"
	"github.com/hiboss/hi-boss/internal/clock"
	"github.com/hiboss/hi-boss/internal/persistence"
)

const (
	// drainCap bounds the channel envelopes delivered per tick. A larger
	// backlog immediately re-queues another tick, so order is preserved
	// without starving the wake channel.
	drainCap = 100

	// noProgressFloor paces retries when due envelopes exist but none
	// could be delivered this tick. Event-driven wakes still fire sooner.
	noProgressFloor = 30 * time.Second

	// dbRetryDelay re-arms the timer after a store error during a tick.
	dbRetryDelay = 5 * time.Second

	// maxWake is the re-arm horizon when nothing is scheduled. The timer
	// simply fires, finds nothing due and re-arms.
	maxWake = time.Duration(1<<31-1) * time.Millisecond
)

// Deliverer pushes one due envelope toward its destination; the router
// implements it.
type Deliverer interface {
	DeliverEnvelope(ctx context.Context, env *persistence.Envelope) error
}

// AgentKicker wakes an agent's run loop; the engine implements it.
// CheckAndRun must not block.
type AgentKicker interface {
	CheckAndRun(agentName string)
}

type Config struct {
	Store     *persistence.Store
	Deliverer Deliverer
	Bus       *bus.Bus
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Scheduler struct {
	store     *persistence.Store
	deliverer Deliverer
	bus       *bus.Bus
	clk       clock.Clock
	logger    *slog.Logger

	wake chan string

	mu       sync.Mutex
	kicker   AgentKicker
	cancel   context.CancelFunc
	done     chan struct{}
	sub      *bus.Subscription
	nextWake *time.Time
}

func New(cfg Config) *Scheduler {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Scheduler{
		store:     cfg.Store,
		deliverer: cfg.Deliverer,
		bus:       cfg.Bus,
		clk:       clk,
		logger:    cfg.Logger,
		wake:      make(chan string, 1),
	}
}

// SetAgentKicker wires the engine in. Until it is set, agent-bound due
// envelopes stay pending and are picked up on the first tick after wiring.
func (s *Scheduler) SetAgentKicker(k AgentKicker) {
	s.mu.Lock()
	s.kicker = k
	s.mu.Unlock()
}

func (s *Scheduler) agentKicker() AgentKicker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kicker
}

// Start launches the tick loop with an immediate startup tick and begins
// listening for envelope-created events. Idempotent while running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.sub = s.bus.Subscribe(bus.TopicEnvelopeCreated, func(bus.Event) {
		s.requestWake("envelope-created")
	})
	done := s.done
	s.mu.Unlock()

	go s.run(ctx, done)
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done, sub := s.cancel, s.done, s.sub
	s.cancel = nil
	s.sub = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	s.bus.Unsubscribe(sub)
	cancel()
	<-done
}

// NextWake reports when the timer fires next; nil when nothing is scheduled
// and the loop sits at the re-arm horizon.
func (s *Scheduler) NextWake() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextWake == nil {
		return nil
	}
	t := *s.nextWake
	return &t
}

func (s *Scheduler) requestWake(reason string) {
	select {
	case s.wake <- reason:
	default:
		// A wake is already queued; the follow-up tick re-checks everything.
	}
}

type tickResult struct {
	delivered  int
	failed     int
	capReached bool
	dbErr      bool
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(maxWake)
	defer timer.Stop()

	reason := "startup"
	for {
		res := s.tick(ctx, reason)
		if ctx.Err() != nil {
			return
		}
		if res.capReached && res.delivered > 0 {
			s.requestWake("backlog")
		}

		delay := s.nextWakeDelay(ctx, res)
		s.recordNextWake(delay)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)

		select {
		case <-ctx.Done():
			return
		case reason = <-s.wake:
		case <-timer.C:
			reason = "timer"
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, reason string) tickResult {
	now := s.clk.Now()
	var res tickResult

	envs, err := s.store.ListDueChannelEnvelopes(ctx, now, drainCap)
	if err != nil {
		s.logger.Error("list due channel envelopes", "error", err)
		res.dbErr = true
		return res
	}
	for _, env := range envs {
		if ctx.Err() != nil {
			return res
		}
		if err := s.deliverer.DeliverEnvelope(ctx, env); err != nil {
			// The router already classified and logged the failure.
			res.failed++
			continue
		}
		res.delivered++
	}
	res.capReached = len(envs) == drainCap

	agents, err := s.store.ListAgentNamesWithDueEnvelopes(ctx, now)
	if err != nil {
		s.logger.Error("list agents with due envelopes", "error", err)
		res.dbErr = true
		return res
	}
	if k := s.agentKicker(); k != nil {
		for _, name := range agents {
			k.CheckAndRun(name)
		}
	}

	if res.delivered+res.failed+len(agents) > 0 {
		s.logger.Info("scheduler tick",
			"reason", reason, "delivered", res.delivered,
			"failed", res.failed, "agents_kicked", len(agents))
	}
	return res
}

// nextWakeDelay re-arms from the earliest scheduled envelope, floors retry
// pacing when this tick left failures behind, and falls back to the re-arm
// horizon when the store holds nothing scheduled.
func (s *Scheduler) nextWakeDelay(ctx context.Context, res tickResult) time.Duration {
	if res.dbErr {
		return dbRetryDelay
	}
	now := s.clk.Now()
	delay := maxWake
	next, err := s.store.NextScheduledDeliverAt(ctx, now)
	if err != nil {
		s.logger.Error("compute next wake", "error", err)
		return dbRetryDelay
	}
	if next != nil {
		delay = next.Sub(now)
		if delay < time.Millisecond {
			delay = time.Millisecond
		}
	}
	if res.failed > 0 && delay > noProgressFloor {
		delay = noProgressFloor
	}
	if delay > maxWake {
		delay = maxWake
	}
	return delay
}

func (s *Scheduler) recordNextWake(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if delay >= maxWake {
		s.nextWake = nil
		return
	}
	t := s.clk.Now().Add(delay)
	s.nextWake = &t
}
