// Package engine executes agent runs. A run drains the agent's due inbox
// into a single provider turn, persists the outcome as an agent_runs row
// and closes the envelopes it consumed. At most one run per agent is in
// flight at any instant; wake-ups landing mid-run are absorbed because the
// finishing run re-checks the inbox before releasing the agent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hiboss/hi-boss/internal/bus"
	"github.com/hiboss/hi-boss/internal/clock"
	"github.com/hiboss/hi-boss/internal/ids"
	"github.com/hiboss/hi-boss/internal/persistence"
	"github.com/hiboss/hi-boss/internal/provider"
)

// SkillSyncer mirrors managed skills into an agent workspace during claude
// session bootstrap. The skills package implements it.
type SkillSyncer interface {
	Sync(workspace string) error
}

type Config struct {
	Store     *persistence.Store
	Providers *provider.Registry
	Bus       *bus.Bus
	Clock     clock.Clock
	Skills    SkillSyncer // optional
	DataDir   string
	Logger    *slog.Logger

	// RunTimeout caps one provider turn. Agent turns routinely take
	// minutes, so the ceiling only catches hung children.
	RunTimeout time.Duration
}

// Engine owns the per-agent run loops and their in-memory session state.
type Engine struct {
	store      *persistence.Store
	providers  *provider.Registry
	bus        *bus.Bus
	clk        clock.Clock
	skills     SkillSyncer
	dataDir    string
	logger     *slog.Logger
	runTimeout time.Duration

	mu     sync.Mutex
	ctx    context.Context
	agents map[string]*agentState

	once sync.Once
	sub  *bus.Subscription
	wg   sync.WaitGroup
}

// agentState is the in-memory record for one agent. runMu is held for the
// whole duration of a run; mu guards the remaining fields and is never held
// across blocking work.
type agentState struct {
	runMu sync.Mutex

	mu             sync.Mutex
	session        *agentSession
	pendingRefresh *refreshRequest
	active         *activeRun
}

// agentSession wraps a live provider session together with the bookkeeping
// the session policy evaluates. Sessions live only in memory; a daemon
// restart always bootstraps fresh ones.
type agentSession struct {
	session       provider.Session
	createdAt     time.Time
	lastRunDoneAt time.Time // zero until the first completed run
	lastContext   int
	turns         int
	usage         provider.Usage // cumulative across turns
}

type refreshRequest struct {
	reason      string
	requestedAt time.Time
}

type activeRun struct {
	runID   string
	cancel  context.CancelFunc
	aborted bool          // set by Abort before cancelling
	done    chan struct{} // closed once the run row reached a terminal status
}

func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	return &Engine{
		store:      cfg.Store,
		providers:  cfg.Providers,
		bus:        cfg.Bus,
		clk:        cfg.Clock,
		skills:     cfg.Skills,
		dataDir:    cfg.DataDir,
		logger:     cfg.Logger,
		runTimeout: cfg.RunTimeout,
		agents:     make(map[string]*agentState),
	}
}

// Start binds runs to ctx and subscribes to agent deletions so stale state
// is dropped. Cancelling ctx cancels in-flight provider turns; pair with
// Drain on shutdown.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		e.mu.Lock()
		e.ctx = ctx
		e.mu.Unlock()
		e.sub = e.bus.Subscribe(bus.TopicAgentDeleted, func(ev bus.Event) {
			if p, ok := ev.Payload.(bus.AgentEvent); ok {
				e.forget(p.Name)
			}
		})
	})
}

// Stop detaches the engine from the bus. In-flight runs are unaffected.
func (e *Engine) Stop() {
	if e.sub != nil {
		e.bus.Unsubscribe(e.sub)
	}
}

// Drain waits for in-flight runs to finish, up to timeout. Runs that
// outlive it were already cancelled through the Start context and are
// recovered as orphans on the next startup.
func (e *Engine) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine drained")
	case <-time.After(timeout):
		e.logger.Warn("engine drain timed out", "timeout", timeout)
	}
}

// CheckAndRun wakes the agent's run loop and returns immediately; the work
// happens on its own goroutine. Calls landing while a run is in flight are
// absorbed.
func (e *Engine) CheckAndRun(agentName string) {
	st := e.state(agentName)
	if !st.runMu.TryLock() {
		return
	}
	ctx := e.baseCtx()
	if ctx.Err() != nil {
		st.runMu.Unlock()
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer st.runMu.Unlock()
		e.runLoop(ctx, agentName, st)
	}()
}

// RequestRefresh queues a session refresh; it applies at the next run
// boundary, never mid-turn.
func (e *Engine) RequestRefresh(agentName, reason string) {
	st := e.state(agentName)
	st.mu.Lock()
	st.pendingRefresh = &refreshRequest{reason: reason, requestedAt: e.clk.Now()}
	st.mu.Unlock()
	e.logger.Info("session refresh queued", "agent", agentName, "reason", reason)
}

// RefreshAll queues a refresh for every agent holding a live session.
// Agents without one bootstrap from current sources anyway.
func (e *Engine) RefreshAll(reason string) {
	e.mu.Lock()
	states := make([]*agentState, 0, len(e.agents))
	for _, st := range e.agents {
		states = append(states, st)
	}
	e.mu.Unlock()
	now := e.clk.Now()
	for _, st := range states {
		st.mu.Lock()
		if st.session != nil {
			st.pendingRefresh = &refreshRequest{reason: reason, requestedAt: now}
		}
		st.mu.Unlock()
	}
}

// Abort stops the agent's current run, flushes its due non-cron inbox and
// disposes the session so the next run starts fresh. Cron-origin envelopes
// survive; their schedules own them.
func (e *Engine) Abort(ctx context.Context, agentName string) error {
	if _, err := e.store.GetAgent(ctx, agentName); err != nil {
		return err
	}
	st := e.state(agentName)
	st.mu.Lock()
	active := st.active
	if active != nil {
		active.aborted = true
	}
	st.mu.Unlock()

	if active != nil {
		active.cancel()
		select {
		case <-active.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	cleared, err := e.store.ClearDueNonCronEnvelopes(ctx, agentName, e.clk.Now())
	if err != nil {
		return err
	}
	e.dropSession(agentName, st, "abort")
	e.logger.Info("agent aborted", "agent", agentName, "cleared", len(cleared))
	return nil
}

// Status is the engine's in-memory view of one agent.
type Status struct {
	Agent         string         `json:"agent"`
	State         string         `json:"state"` // "idle" or "running"
	RunID         string         `json:"runId,omitempty"`
	RefreshQueued string         `json:"refreshQueued,omitempty"`
	Session       *SessionStatus `json:"session,omitempty"`
}

// SessionStatus describes a live provider session.
type SessionStatus struct {
	Provider      string    `json:"provider"`
	SessionID     string    `json:"sessionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	Turns         int       `json:"turns"`
	ContextLength int       `json:"contextLength,omitempty"`
}

// AgentStatus reports the in-memory state for one agent. Agents the engine
// has not touched read as idle.
func (e *Engine) AgentStatus(agentName string) Status {
	e.mu.Lock()
	st := e.agents[agentName]
	e.mu.Unlock()
	out := Status{Agent: agentName, State: "idle"}
	if st == nil {
		return out
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active != nil {
		out.State = "running"
		out.RunID = st.active.runID
	}
	if st.pendingRefresh != nil {
		out.RefreshQueued = st.pendingRefresh.reason
	}
	if s := st.session; s != nil {
		h := s.session.Handle()
		out.Session = &SessionStatus{
			Provider:      h.Provider,
			SessionID:     h.SessionID,
			CreatedAt:     s.createdAt,
			Turns:         s.turns,
			ContextLength: s.lastContext,
		}
	}
	return out
}

// Snapshot reports every agent the engine has touched since startup,
// sorted by name.
func (e *Engine) Snapshot() []Status {
	e.mu.Lock()
	names := make([]string, 0, len(e.agents))
	for name := range e.agents {
		names = append(names, name)
	}
	e.mu.Unlock()
	sort.Strings(names)
	out := make([]Status, len(names))
	for i, name := range names {
		out[i] = e.AgentStatus(name)
	}
	return out
}

// StatusLine is the one-line summary behind the boss /status command.
func (e *Engine) StatusLine(ctx context.Context, agentName string) (string, error) {
	if _, err := e.store.GetAgent(ctx, agentName); err != nil {
		return "", err
	}
	now := e.clk.Now()
	due, err := e.store.ListPendingInboxForAgent(ctx, agentName, now)
	if err != nil {
		return "", err
	}
	status := e.AgentStatus(agentName)

	var parts []string
	if status.State == "running" {
		parts = append(parts, fmt.Sprintf("%s: running run %s", agentName, ids.Short(status.RunID)))
	} else {
		parts = append(parts, fmt.Sprintf("%s: idle", agentName))
	}
	if s := status.Session; s != nil {
		line := fmt.Sprintf("session %s old, %d turn(s)", now.Sub(s.CreatedAt).Truncate(time.Second), s.Turns)
		if s.ContextLength > 0 {
			line += fmt.Sprintf(", context %d", s.ContextLength)
		}
		parts = append(parts, line)
	} else {
		parts = append(parts, "no session")
	}
	if status.RefreshQueued != "" {
		parts = append(parts, "refresh queued: "+status.RefreshQueued)
	}
	parts = append(parts, fmt.Sprintf("%d due envelope(s)", len(due)))
	last, err := e.store.GetLastRunForAgent(ctx, agentName)
	switch {
	case err == nil && last.CompletedAt != nil:
		parts = append(parts, fmt.Sprintf("last run %s %s ago",
			last.Status, now.Sub(*last.CompletedAt).Truncate(time.Second)))
	case err != nil && !errors.Is(err, persistence.ErrNotFound):
		return "", err
	}
	return strings.Join(parts, "; "), nil
}

func (e *Engine) state(agentName string) *agentState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.agents[agentName]
	if !ok {
		st = &agentState{}
		e.agents[agentName] = st
	}
	return st
}

func (e *Engine) baseCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

// dropSession closes and forgets the agent's session, if any.
func (e *Engine) dropSession(agentName string, st *agentState, reason string) {
	st.mu.Lock()
	sess := st.session
	st.session = nil
	st.mu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.session.Close(); err != nil {
		e.logger.Warn("session close failed", "agent", agentName, "error", err)
	}
	e.logger.Info("session disposed", "agent", agentName, "reason", reason)
}

// forget drops all in-memory state for a deleted agent, cancelling any run
// still in flight.
func (e *Engine) forget(agentName string) {
	e.mu.Lock()
	st := e.agents[agentName]
	delete(e.agents, agentName)
	e.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	active := st.active
	if active != nil {
		active.aborted = true
	}
	st.mu.Unlock()
	if active != nil {
		active.cancel()
	}
	e.dropSession(agentName, st, "agent deleted")
}

func (e *Engine) publishRun(runID, agentName, status string) {
	topic := bus.TopicRunFinished
	if status == string(persistence.RunStatusRunning) {
		topic = bus.TopicRunStarted
	}
	e.bus.Publish(topic, bus.RunEvent{RunID: runID, AgentName: agentName, Status: status})
}
