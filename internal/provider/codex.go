package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hiboss/hi-boss/internal/tokenutil"
)

// Codex drives the codex CLI: `codex exec --json <prompt>` for fresh
// sessions, `codex exec resume <sessionId> --json <prompt>` afterwards.
// Codex has no system prompt flag; agents read their instructions from the
// AGENTS.md the engine writes into the workspace.
type Codex struct {
	bin    string
	logger *slog.Logger
}

func NewCodex(logger *slog.Logger) *Codex {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codex{bin: "codex", logger: logger}
}

func (c *Codex) Name() string { return "codex" }

func (c *Codex) Open(ctx context.Context, cfg OpenConfig) (Session, error) {
	return &codexSession{provider: c, cfg: cfg}, nil
}

func (c *Codex) Resume(ctx context.Context, cfg OpenConfig, h Handle) (Session, error) {
	if h.SessionID == "" {
		return nil, fmt.Errorf("codex resume: empty session id")
	}
	return &codexSession{provider: c, cfg: cfg, sessionID: h.SessionID}, nil
}

type codexSession struct {
	provider  *Codex
	cfg       OpenConfig
	sessionID string
}

func (s *codexSession) Handle() Handle {
	return Handle{Provider: "codex", SessionID: s.sessionID}
}

func (s *codexSession) Close() error { return nil }

func (s *codexSession) Prompt(ctx context.Context, text string) (*TurnResult, error) {
	args := s.args(text)
	s.provider.logger.Debug("codex turn starting",
		"agent", s.cfg.AgentName, "resume", s.sessionID != "")

	var (
		sessionID   string
		lastMessage string
		finalText   string
		usage       Usage
		completed   bool
	)
	err := runChild(ctx, childSpec{
		bin:  s.provider.bin,
		args: args,
		dir:  s.cfg.Workspace,
		env:  scrubbedEnv(s.cfg),
	}, func(line []byte) {
		var ev codexEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return
		}
		switch ev.Msg.Type {
		case "session_configured":
			sessionID = ev.Msg.SessionID
		case "agent_message":
			if ev.Msg.Message != "" {
				lastMessage = ev.Msg.Message
			}
		case "task_complete":
			completed = true
			if ev.Msg.LastAgentMessage != "" {
				finalText = ev.Msg.LastAgentMessage
			}
		case "token_count":
			if u := ev.Msg.totalUsage(); u != nil {
				usage = *u
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if !completed && lastMessage == "" {
		return nil, fmt.Errorf("codex produced no response")
	}
	if finalText == "" {
		finalText = lastMessage
	}
	if sessionID != "" {
		s.sessionID = sessionID
	}

	res := &TurnResult{
		Text:      finalText,
		SessionID: s.sessionID,
		Usage:     usage,
	}
	if res.Usage.ContextLength == 0 {
		res.Usage.ContextLength = tokenutil.EstimateContextLength(text, res.Text)
	}
	return res, nil
}

// args builds the turn argv. Reasoning effort rides as a TOML config
// override, which is how the codex CLI takes per-invocation settings.
func (s *codexSession) args(text string) []string {
	args := []string{"exec"}
	if s.sessionID != "" {
		args = append(args, "resume", s.sessionID)
	}
	args = append(args, "--json")
	if s.cfg.Model != "" {
		args = append(args, "-m", s.cfg.Model)
	}
	if s.cfg.ReasoningEffort != "" {
		args = append(args, "-c", fmt.Sprintf("model_reasoning_effort=%q", s.cfg.ReasoningEffort))
	}
	return append(args, text)
}

// codexEvent is the subset of `codex exec --json` events the daemon reads.
type codexEvent struct {
	Msg codexMsg `json:"msg"`
}

type codexMsg struct {
	Type             string     `json:"type"`
	SessionID        string     `json:"session_id"`
	Message          string     `json:"message"`
	LastAgentMessage string     `json:"last_agent_message"`
	Info             *codexInfo `json:"info"`

	// Older codex builds put the counters on the event itself.
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type codexInfo struct {
	TotalTokenUsage *codexUsage `json:"total_token_usage"`
}

type codexUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	TotalTokens       int `json:"total_tokens"`
}

// totalUsage normalizes the two token_count shapes codex has shipped.
func (m *codexMsg) totalUsage() *Usage {
	if m.Info != nil && m.Info.TotalTokenUsage != nil {
		w := m.Info.TotalTokenUsage
		u := &Usage{
			Input:         w.InputTokens,
			Output:        w.OutputTokens,
			CacheRead:     w.CachedInputTokens,
			ContextLength: w.TotalTokens,
		}
		if u.ContextLength == 0 {
			u.ContextLength = w.InputTokens + w.CachedInputTokens + w.OutputTokens
		}
		return u
	}
	if m.InputTokens == 0 && m.OutputTokens == 0 {
		return nil
	}
	return &Usage{
		Input:         m.InputTokens,
		Output:        m.OutputTokens,
		ContextLength: m.InputTokens + m.OutputTokens,
	}
}
