// Package provider spawns the external LLM CLIs (claude, codex) that drive
// agent turns. Each turn is one child process: the harness builds the argv,
// scrubs the environment, scans the JSONL stdout stream, and reports the
// final response plus token usage. Session state lives on the provider side
// (~/.claude, ~/.codex); the daemon only keeps the resume handle.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// killGrace is how long a cancelled child gets between SIGTERM and
	// SIGKILL.
	killGrace = 5 * time.Second

	maxLineBytes  = 4 << 20
	stderrTailCap = 8 * 1024
)

// OpenConfig describes the agent a session is opened for.
type OpenConfig struct {
	AgentName       string
	Workspace       string // child working directory
	Model           string
	ReasoningEffort string // codex only; "" means provider default
	SystemPrompt    string // claude only; codex reads AGENTS.md from the workspace
	Token           string // exported as HIBOSS_TOKEN
	DataDir         string // exported as HIBOSS_DIR
}

// Handle identifies a resumable provider session.
type Handle struct {
	Provider  string `json:"provider"`
	SessionID string `json:"sessionId"`
}

// Usage is the token accounting for one turn. ContextLength is the only
// field the daemon persists; the rest is audit detail.
type Usage struct {
	Input         int
	Output        int
	CacheRead     int
	CacheWrite    int
	ContextLength int
}

// TurnResult is the outcome of one prompt.
type TurnResult struct {
	Text      string
	SessionID string
	Usage     Usage
}

// Provider opens sessions for one CLI family.
type Provider interface {
	Name() string
	Open(ctx context.Context, cfg OpenConfig) (Session, error)
	Resume(ctx context.Context, cfg OpenConfig, h Handle) (Session, error)
}

// Session is a sequence of turns sharing provider-side context. The engine
// serializes turns per agent, so implementations are not safe for concurrent
// Prompt calls. Cancelling the Prompt context terminates the child (SIGTERM,
// then SIGKILL after the grace period).
type Session interface {
	Handle() Handle
	Prompt(ctx context.Context, text string) (*TurnResult, error)
	Close() error
}

// Registry maps provider names to implementations.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns a registry with the claude and codex providers.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	r.Register(NewClaude(logger))
	r.Register(NewCodex(logger))
	return r
}

// Register adds or replaces a provider, used by tests to install fakes.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// For returns the named provider.
func (r *Registry) For(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// childSpec is one provider CLI invocation.
type childSpec struct {
	bin  string
	args []string
	dir  string
	env  []string
}

// runChild spawns the CLI and feeds every non-empty stdout line to onLine.
// The line buffer is reused between calls, so onLine must not retain it.
func runChild(ctx context.Context, spec childSpec, onLine func([]byte)) error {
	cmd := exec.CommandContext(ctx, spec.bin, spec.args...)
	cmd.Dir = spec.dir
	cmd.Env = spec.env
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", spec.bin, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		onLine(line)
	}
	scanErr := scanner.Err()

	err = cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if tail := stderr.tail(); tail != "" {
				return fmt.Errorf("%s exited %d: %s", spec.bin, exitErr.ExitCode(), tail)
			}
			return fmt.Errorf("%s exited %d", spec.bin, exitErr.ExitCode())
		}
		return fmt.Errorf("%s: %w", spec.bin, err)
	}
	if scanErr != nil {
		return fmt.Errorf("read %s output: %w", spec.bin, scanErr)
	}
	return nil
}

// scrubbedEnv is the parent environment minus the provider home overrides,
// plus the agent's hiboss credentials. Children always see provider state
// under ~/.claude and ~/.codex.
func scrubbedEnv(cfg OpenConfig) []string {
	parent := os.Environ()
	env := make([]string, 0, len(parent)+2)
	for _, kv := range parent {
		name, _, _ := strings.Cut(kv, "=")
		switch name {
		case "CLAUDE_CONFIG_DIR", "CODEX_HOME", "HIBOSS_TOKEN", "HIBOSS_DIR":
			continue
		}
		env = append(env, kv)
	}
	if cfg.Token != "" {
		env = append(env, "HIBOSS_TOKEN="+cfg.Token)
	}
	if cfg.DataDir != "" {
		env = append(env, "HIBOSS_DIR="+cfg.DataDir)
	}
	return env
}

// tailBuffer keeps the last stderrTailCap bytes written, enough for the
// error lines CLIs print on the way out.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > stderrTailCap {
		b.buf = b.buf[len(b.buf)-stderrTailCap:]
	}
	return len(p), nil
}

func (b *tailBuffer) tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
