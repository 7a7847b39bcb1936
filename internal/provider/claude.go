package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hiboss/hi-boss/internal/tokenutil"
)

// Claude drives the claude CLI in one-shot print mode: every turn is
// `claude -p <prompt> --output-format stream-json --verbose`, resumed turns
// add `--resume <sessionId>`. The system prompt rides along only on the
// first turn of a fresh session; afterwards it is part of the provider-side
// context.
type Claude struct {
	bin    string
	logger *slog.Logger
}

func NewClaude(logger *slog.Logger) *Claude {
	if logger == nil {
		logger = slog.Default()
	}
	return &Claude{bin: "claude", logger: logger}
}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) Open(ctx context.Context, cfg OpenConfig) (Session, error) {
	return &claudeSession{provider: c, cfg: cfg}, nil
}

func (c *Claude) Resume(ctx context.Context, cfg OpenConfig, h Handle) (Session, error) {
	if h.SessionID == "" {
		return nil, fmt.Errorf("claude resume: empty session id")
	}
	return &claudeSession{provider: c, cfg: cfg, sessionID: h.SessionID}, nil
}

type claudeSession struct {
	provider  *Claude
	cfg       OpenConfig
	sessionID string
}

func (s *claudeSession) Handle() Handle {
	return Handle{Provider: "claude", SessionID: s.sessionID}
}

func (s *claudeSession) Close() error { return nil }

func (s *claudeSession) Prompt(ctx context.Context, text string) (*TurnResult, error) {
	args := s.args(text)
	s.provider.logger.Debug("claude turn starting",
		"agent", s.cfg.AgentName, "resume", s.sessionID != "")

	var (
		sessionID string
		result    *claudeEvent
	)
	err := runChild(ctx, childSpec{
		bin:  s.provider.bin,
		args: args,
		dir:  s.cfg.Workspace,
		env:  scrubbedEnv(s.cfg),
	}, func(line []byte) {
		var ev claudeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return // progress lines we don't model
		}
		switch {
		case ev.Type == "system" && ev.Subtype == "init":
			sessionID = ev.SessionID
		case ev.Type == "result":
			result = &ev
		}
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("claude produced no result event")
	}
	if result.IsError {
		return nil, fmt.Errorf("claude turn failed: %s", result.Result)
	}
	if result.SessionID != "" {
		sessionID = result.SessionID
	}
	if sessionID != "" {
		s.sessionID = sessionID
	}

	res := &TurnResult{
		Text:      result.Result,
		SessionID: s.sessionID,
		Usage:     result.usage(),
	}
	if res.Usage.ContextLength == 0 {
		res.Usage.ContextLength = tokenutil.EstimateContextLength(text, res.Text)
	}
	return res, nil
}

// args builds the turn argv. The session id decides fresh vs resume.
func (s *claudeSession) args(text string) []string {
	args := []string{"-p", text, "--output-format", "stream-json", "--verbose"}
	if s.sessionID != "" {
		args = append(args, "--resume", s.sessionID)
	} else if s.cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", s.cfg.SystemPrompt)
	}
	if s.cfg.Model != "" {
		args = append(args, "--model", s.cfg.Model)
	}
	return args
}

// claudeEvent is the subset of the stream-json events the daemon reads:
// system/init for the session id, result for the final text and usage.
type claudeEvent struct {
	Type      string       `json:"type"`
	Subtype   string       `json:"subtype"`
	SessionID string       `json:"session_id"`
	Result    string       `json:"result"`
	IsError   bool         `json:"is_error"`
	Usage     *claudeUsage `json:"usage"`
}

type claudeUsage struct {
	InputTokens         int `json:"input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	OutputTokens        int `json:"output_tokens"`
}

// usage maps wire usage to the daemon's accounting. Context length is the
// whole window the turn ended with: fresh input, both cache classes, and
// the output.
func (e *claudeEvent) usage() Usage {
	if e.Usage == nil {
		return Usage{}
	}
	u := Usage{
		Input:      e.Usage.InputTokens,
		Output:     e.Usage.OutputTokens,
		CacheRead:  e.Usage.CacheReadTokens,
		CacheWrite: e.Usage.CacheCreationTokens,
	}
	u.ContextLength = u.Input + u.CacheWrite + u.CacheRead + u.Output
	return u
}
