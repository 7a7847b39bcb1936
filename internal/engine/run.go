package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hiboss/hi-boss/internal/bus"
	"github.com/hiboss/hi-boss/internal/persistence"
	"github.com/hiboss/hi-boss/internal/provider"
	"github.com/hiboss/hi-boss/internal/shared"
)

type runOutcome int

const (
	outcomeIdle runOutcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeCancelled
	outcomeError
)

// runLoop drains the agent until its due inbox is empty. Only a completed
// run loops again: failures wait for the scheduler's next wake so a broken
// provider cannot spin, and cancellations mean someone wants the agent
// quiet.
func (e *Engine) runLoop(ctx context.Context, agentName string, st *agentState) {
	for ctx.Err() == nil {
		if e.runOnce(ctx, agentName, st) != outcomeCompleted {
			return
		}
	}
}

func (e *Engine) runOnce(ctx context.Context, agentName string, st *agentState) runOutcome {
	now := e.clk.Now()
	inbox, err := e.store.ListPendingInboxForAgent(ctx, agentName, now)
	if err != nil {
		e.logger.Error("inbox read failed", "agent", agentName, "error", err)
		return outcomeError
	}
	if len(inbox) == 0 {
		return outcomeIdle
	}
	ag, err := e.store.GetAgent(ctx, agentName)
	if err != nil {
		e.logger.Error("agent lookup failed", "agent", agentName, "error", err)
		return outcomeError
	}

	sess, err := e.sessionFor(ctx, ag, st, now)
	if err != nil {
		e.logger.Error("session bootstrap failed", "agent", agentName, "error", err)
		return outcomeError
	}

	run, err := e.store.CreateRun(ctx, agentName, envelopeIDs(inbox))
	if err != nil {
		e.logger.Error("run create failed", "agent", agentName, "error", err)
		return outcomeError
	}

	traceID := shared.NewTraceID()
	runCtx := shared.WithTraceID(ctx, traceID)
	runCtx = shared.WithAgent(runCtx, agentName)
	runCtx = shared.WithRunID(runCtx, run.ID)
	runCtx, cancel := context.WithTimeout(runCtx, e.runTimeout)

	active := &activeRun{runID: run.ID, cancel: cancel, done: make(chan struct{})}
	st.mu.Lock()
	st.active = active
	st.mu.Unlock()
	defer func() {
		st.mu.Lock()
		st.active = nil
		st.mu.Unlock()
		cancel()
		close(active.done)
	}()

	e.publishRun(run.ID, agentName, string(persistence.RunStatusRunning))
	e.logger.Info("run started", "agent", agentName, "run", run.ShortID(),
		"envelopes", len(inbox), "trace_id", traceID)

	res, promptErr := sess.session.Prompt(runCtx, RenderPrompt(inbox, time.Local))

	st.mu.Lock()
	aborted := active.aborted
	st.mu.Unlock()

	// Terminal writes must land even when ctx died with the daemon.
	finCtx := context.WithoutCancel(ctx)
	switch {
	case promptErr == nil:
		return e.finishCompleted(finCtx, ag.Name, st, run, inbox, res)
	case aborted:
		return e.finishCancelled(finCtx, agentName, run, "aborted")
	case errors.Is(promptErr, context.DeadlineExceeded):
		return e.finishFailed(finCtx, agentName, run,
			fmt.Sprintf("provider turn timed out after %s", e.runTimeout))
	case ctx.Err() != nil:
		return e.finishCancelled(finCtx, agentName, run, "daemon shutting down")
	default:
		return e.finishFailed(finCtx, agentName, run, promptErr.Error())
	}
}

// finishCompleted closes the run and its envelopes in one transaction, then
// reports each envelope done so cron schedules advance.
func (e *Engine) finishCompleted(ctx context.Context, agentName string, st *agentState,
	run *persistence.AgentRun, inbox []*persistence.Envelope, res *provider.TurnResult) runOutcome {

	var ctxLen *int
	if res.Usage.ContextLength > 0 {
		n := res.Usage.ContextLength
		ctxLen = &n
	}
	if err := e.store.CompleteRunAndCloseEnvelopes(ctx, run.ID, res.Text, ctxLen, envelopeIDs(inbox)); err != nil {
		e.logger.Error("run completion write failed",
			"agent", agentName, "run", run.ShortID(), "error", err)
		return outcomeError
	}

	now := e.clk.Now()
	st.mu.Lock()
	if sess := st.session; sess != nil {
		sess.lastRunDoneAt = now
		sess.lastContext = res.Usage.ContextLength
		sess.turns++
		sess.usage.Input += res.Usage.Input
		sess.usage.Output += res.Usage.Output
		sess.usage.CacheRead += res.Usage.CacheRead
		sess.usage.CacheWrite += res.Usage.CacheWrite
		sess.usage.ContextLength = res.Usage.ContextLength
	}
	st.mu.Unlock()

	e.publishRun(run.ID, agentName, string(persistence.RunStatusCompleted))
	for _, env := range inbox {
		e.bus.Publish(bus.TopicEnvelopeDone, bus.EnvelopeEvent{
			EnvelopeID:     env.ID,
			From:           env.From,
			To:             env.To,
			Agent:          agentName,
			CronScheduleID: env.Metadata.CronScheduleID,
		})
	}
	e.logger.Info("run completed", "agent", agentName, "run", run.ShortID(),
		"envelopes", len(inbox), "context_length", res.Usage.ContextLength)
	return outcomeCompleted
}

// finishFailed records the failure and leaves the envelopes pending for the
// scheduler's next wake.
func (e *Engine) finishFailed(ctx context.Context, agentName string, run *persistence.AgentRun, reason string) runOutcome {
	if err := e.store.FailRun(ctx, run.ID, reason); err != nil {
		e.logger.Error("run failure write failed",
			"agent", agentName, "run", run.ShortID(), "error", err)
		return outcomeError
	}
	e.publishRun(run.ID, agentName, string(persistence.RunStatusFailed))
	e.logger.Warn("run failed", "agent", agentName, "run", run.ShortID(), "error", reason)
	return outcomeFailed
}

// finishCancelled marks the run cancelled without touching its envelopes;
// Abort owns the inbox flush once the run row is terminal.
func (e *Engine) finishCancelled(ctx context.Context, agentName string, run *persistence.AgentRun, reason string) runOutcome {
	if err := e.store.CancelRun(ctx, run.ID, reason); err != nil {
		e.logger.Error("run cancel write failed",
			"agent", agentName, "run", run.ShortID(), "error", err)
		return outcomeError
	}
	e.publishRun(run.ID, agentName, string(persistence.RunStatusCancelled))
	e.logger.Info("run cancelled", "agent", agentName, "run", run.ShortID(), "reason", reason)
	return outcomeCancelled
}

// sessionFor returns the session the next run should use, applying the
// agent's refresh policy first.
func (e *Engine) sessionFor(ctx context.Context, ag *persistence.Agent, st *agentState, now time.Time) (*agentSession, error) {
	st.mu.Lock()
	sess := st.session
	pending := st.pendingRefresh
	st.pendingRefresh = nil
	st.mu.Unlock()

	if reason := refreshReason(ag.SessionPolicy, sess, pending, now, time.Local); reason != "" && sess != nil {
		e.dropSession(ag.Name, st, reason)
		sess = nil
	}
	if sess != nil {
		return sess, nil
	}
	sess, err := e.bootstrap(ctx, ag, now)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	st.session = sess
	st.mu.Unlock()
	return sess, nil
}

// bootstrap prepares the workspace and opens a fresh provider session.
// Claude takes its instructions through the open flags and gets managed
// skills mirrored into the workspace; codex reads AGENTS.md from the
// working directory, so that file is regenerated here.
func (e *Engine) bootstrap(ctx context.Context, ag *persistence.Agent, now time.Time) (*agentSession, error) {
	p, err := e.providers.For(ag.Provider)
	if err != nil {
		return nil, err
	}
	if _, err := EnsureMemorySeed(e.dataDir, ag.Name); err != nil {
		return nil, fmt.Errorf("memory seed: %w", err)
	}

	instructions := renderInstructions(ag, e.dataDir)
	cfg := provider.OpenConfig{
		AgentName:       ag.Name,
		Workspace:       ag.Workspace,
		Model:           ag.Model,
		ReasoningEffort: ag.ReasoningEffort,
		Token:           ag.Token,
		DataDir:         e.dataDir,
	}
	switch ag.Provider {
	case "claude":
		cfg.SystemPrompt = instructions
		if e.skills != nil {
			if err := e.skills.Sync(ag.Workspace); err != nil {
				e.logger.Warn("skill sync failed", "agent", ag.Name, "error", err)
			}
		}
	case "codex":
		if err := writeInstructionFile(ag.Workspace, instructions); err != nil {
			return nil, fmt.Errorf("instruction file: %w", err)
		}
	}

	sess, err := p.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s session: %w", ag.Provider, err)
	}
	e.logger.Info("session opened", "agent", ag.Name, "provider", ag.Provider)
	return &agentSession{session: sess, createdAt: now}, nil
}

func envelopeIDs(inbox []*persistence.Envelope) []string {
	out := make([]string, len(inbox))
	for i, env := range inbox {
		out[i] = env.ID
	}
	return out
}

// writeInstructionFile regenerates <workspace>/AGENTS.md so refreshes pick
// up address and charter changes.
func writeInstructionFile(workspace, instructions string) error {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(workspace, "AGENTS.md"), []byte(instructions), 0o644)
}

// MemoryPath is where an agent keeps its durable notes.
func MemoryPath(dataDir, agentName string) string {
	return filepath.Join(dataDir, "agents", agentName, "internal_space", "MEMORY.md")
}

// EnsureMemorySeed creates the agent's MEMORY.md if missing and returns its
// path. Registration and session bootstrap both call it; existing content
// is never touched.
func EnsureMemorySeed(dataDir, agentName string) (string, error) {
	path := MemoryPath(dataDir, agentName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	switch _, err := os.Stat(path); {
	case err == nil:
		return path, nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", err
	}
	seed := fmt.Sprintf("# MEMORY\n\nDurable notes for %s. The daemon never edits this file; keep it short\nand current.\n", agentName)
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
