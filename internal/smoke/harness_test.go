// Package smoke runs scenarios end to end: a real daemon booted through
// daemon.Run on a throwaway data dir, talked to over its unix socket, with
// the provider and the channel adapter swapped for in-memory fakes through
// the Options seams. Everything between those two edges is production code.
package smoke

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hiboss/hi-boss/internal/channels"
	"github.com/hiboss/hi-boss/internal/config"
	"github.com/hiboss/hi-boss/internal/daemon"
	"github.com/hiboss/hi-boss/internal/engine"
	"github.com/hiboss/hi-boss/internal/gateway"
	"github.com/hiboss/hi-boss/internal/persistence"
	"github.com/hiboss/hi-boss/internal/provider"
)

// bossUsername is the platform identity setup registers as the boss.
const bossUsername = "kky1024"

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---- fake provider --------------------------------------------------------

// fakeProvider scripts agent turns: tests choose the reply, park a prompt
// behind a gate to hold a run open, and read back what the engine sent.
type fakeProvider struct {
	name string

	mu      sync.Mutex
	gate    chan struct{} // non-nil: prompts block until closed or cancelled
	reply   string
	ctxLen  int
	prompts []string
	opens   int
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, reply: "on it", ctxLen: 1200}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Open(_ context.Context, _ provider.OpenConfig) (provider.Session, error) {
	p.mu.Lock()
	p.opens++
	n := p.opens
	p.mu.Unlock()
	return &fakeSession{p: p, id: fmt.Sprintf("sess-%d", n)}, nil
}

func (p *fakeProvider) Resume(_ context.Context, _ provider.OpenConfig, h provider.Handle) (provider.Session, error) {
	return &fakeSession{p: p, id: h.SessionID}, nil
}

// holdPrompts parks every following prompt until releasePrompts runs or the
// engine cancels the turn.
func (p *fakeProvider) holdPrompts() {
	p.mu.Lock()
	p.gate = make(chan struct{})
	p.mu.Unlock()
}

func (p *fakeProvider) releasePrompts() {
	p.mu.Lock()
	if p.gate != nil {
		close(p.gate)
		p.gate = nil
	}
	p.mu.Unlock()
}

func (p *fakeProvider) promptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

func (p *fakeProvider) lastPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prompts) == 0 {
		return ""
	}
	return p.prompts[len(p.prompts)-1]
}

func (p *fakeProvider) sessionsOpened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

type fakeSession struct {
	p  *fakeProvider
	id string
}

func (s *fakeSession) Handle() provider.Handle {
	return provider.Handle{Provider: s.p.name, SessionID: s.id}
}

func (s *fakeSession) Prompt(ctx context.Context, text string) (*provider.TurnResult, error) {
	s.p.mu.Lock()
	s.p.prompts = append(s.p.prompts, text)
	gate := s.p.gate
	reply, ctxLen := s.p.reply, s.p.ctxLen
	s.p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &provider.TurnResult{
		Text:      reply,
		SessionID: s.id,
		Usage:     provider.Usage{Input: 90, Output: 30, ContextLength: ctxLen},
	}, nil
}

func (s *fakeSession) Close() error { return nil }

// ---- fake adapter ---------------------------------------------------------

type fakeSend struct {
	ChatID string
	Text   string
	Opts   channels.SendOptions
}

type fakeReaction struct {
	ChatID    string
	MessageID string
	Emoji     string
}

// fakeAdapter is an in-memory channel endpoint: tests inject inbound
// platform messages and read back what the daemon sent out.
type fakeAdapter struct {
	token string

	mu        sync.Mutex
	handler   channels.InboundHandler
	sends     []fakeSend
	reactions []fakeReaction
	seq       int
}

func (a *fakeAdapter) Type() string  { return channels.TypeTelegram }
func (a *fakeAdapter) Token() string { return a.token }

func (a *fakeAdapter) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (a *fakeAdapter) SendMessage(_ context.Context, chatID string, content persistence.Content, opts channels.SendOptions) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	a.sends = append(a.sends, fakeSend{ChatID: chatID, Text: content.Text, Opts: opts})
	return fmt.Sprintf("m%d", a.seq), nil
}

func (a *fakeAdapter) SetReaction(_ context.Context, chatID, messageID, emoji string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reactions = append(a.reactions, fakeReaction{ChatID: chatID, MessageID: messageID, Emoji: emoji})
	return nil
}

// inject feeds one platform message through the daemon's inbound path, the
// way the long-poll loop would.
func (a *fakeAdapter) inject(t *testing.T, msg channels.InboundMessage) {
	t.Helper()
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h == nil {
		t.Fatal("adapter has no inbound handler yet")
	}
	msg.AdapterType = channels.TypeTelegram
	msg.AdapterToken = a.token
	if err := h.InboundFromChannel(context.Background(), msg); err != nil {
		t.Fatalf("inbound message: %v", err)
	}
}

func (a *fakeAdapter) sent() []fakeSend {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]fakeSend(nil), a.sends...)
}

func (a *fakeAdapter) reacted() []fakeReaction {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]fakeReaction(nil), a.reactions...)
}

// fakeAdapterSet hands adapters to the registry through the factory seam
// and keeps every instance reachable for assertions. Re-binding the same
// credential reuses the instance, so recorded traffic survives reconciles.
type fakeAdapterSet struct {
	mu      sync.Mutex
	byToken map[string]*fakeAdapter
}

func newFakeAdapterSet() *fakeAdapterSet {
	return &fakeAdapterSet{byToken: make(map[string]*fakeAdapter)}
}

func (s *fakeAdapterSet) factory(token string, handler channels.InboundHandler, _ *slog.Logger) channels.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byToken[token]
	if !ok {
		a = &fakeAdapter{token: token}
		s.byToken[token] = a
	}
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
	return a
}

func (s *fakeAdapterSet) adapter(token string) *fakeAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byToken[token]
}

// ---- harness --------------------------------------------------------------

type harness struct {
	t         *testing.T
	dir       string
	bossToken string
	provider  *fakeProvider
	adapters  *fakeAdapterSet
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessAt(t, t.TempDir())
}

// newHarnessAt boots a daemon on dir with the fakes installed and completes
// setup. Tests that seed the store before boot pass their own dir.
func newHarnessAt(t *testing.T, dir string) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		dir:      dir,
		provider: newFakeProvider("claude"),
		adapters: newFakeAdapterSet(),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	providers := provider.NewRegistry(logger)
	providers.Register(h.provider)

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		err := daemon.Run(ctx, daemon.Options{
			Config:    config.Config{DataDir: dir, LogLevel: "debug", Quiet: true},
			Version:   "smoke",
			Providers: providers,
			AdapterFactories: map[string]channels.Factory{
				channels.TypeTelegram: h.adapters.factory,
			},
		})
		if err != nil {
			t.Errorf("daemon.Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-exited:
		case <-time.After(20 * time.Second):
			t.Error("daemon did not stop after cancel")
		}
	})

	waitFor(t, "daemon socket", 10*time.Second, func() bool {
		cl, err := gateway.Dial(config.SocketPath(dir))
		if err != nil {
			return false
		}
		cl.Close()
		return true
	})

	var setup struct {
		Completed bool   `json:"completed"`
		BossToken string `json:"bossToken"`
	}
	h.mustCall(t, "setup.execute", map[string]any{
		"bossName":       "Kevin",
		"timezone":       "UTC",
		"adapterBossIds": map[string]string{"telegram": bossUsername},
	}, &setup)
	if !setup.Completed || setup.BossToken == "" {
		t.Fatalf("setup.execute = %+v, want completed with a boss token", setup)
	}
	h.bossToken = setup.BossToken
	return h
}

func (h *harness) client(t *testing.T) *gateway.Client {
	t.Helper()
	cl, err := gateway.Dial(config.SocketPath(h.dir))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { cl.Close() })
	return cl
}

// call issues one RPC, filling in the boss token unless the params already
// carry a credential.
func (h *harness) call(t *testing.T, method string, params map[string]any, result any) error {
	t.Helper()
	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["token"]; !ok && h.bossToken != "" {
		params["token"] = h.bossToken
	}
	return h.client(t).Call(context.Background(), method, params, result)
}

func (h *harness) mustCall(t *testing.T, method string, params map[string]any, result any) {
	t.Helper()
	if err := h.call(t, method, params, result); err != nil {
		t.Fatalf("%s: %v", method, err)
	}
}

// callErr runs a call expected to fail and returns the RPC error.
func (h *harness) callErr(t *testing.T, method string, params map[string]any) *gateway.Error {
	t.Helper()
	err := h.call(t, method, params, nil)
	if err == nil {
		t.Fatalf("%s: want error, got none", method)
	}
	var rpcErr *gateway.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("%s: error %v is not an rpc error", method, err)
	}
	return rpcErr
}

func (h *harness) registerAgent(t *testing.T, name string) string {
	t.Helper()
	var result struct {
		Token string `json:"token"`
	}
	h.mustCall(t, "agent.register", map[string]any{
		"name":      name,
		"provider":  "claude",
		"workspace": filepath.Join(h.dir, "ws", name),
	}, &result)
	if result.Token == "" {
		t.Fatal("agent.register returned no token")
	}
	return result.Token
}

// bindAgent creates a telegram binding and waits until the daemon reports
// the reconciled adapter as running, so sends right after it cannot race
// the reconcile pass.
func (h *harness) bindAgent(t *testing.T, name, botToken string) *fakeAdapter {
	t.Helper()
	h.mustCall(t, "agent.bind", map[string]any{
		"agent":        name,
		"adapterType":  "telegram",
		"adapterToken": botToken,
	}, nil)
	var ad *fakeAdapter
	waitFor(t, "adapter reconcile", 10*time.Second, func() bool {
		if ad == nil {
			ad = h.adapters.adapter(botToken)
		}
		if ad == nil {
			return false
		}
		var status struct {
			Adapters map[string]int `json:"adapters"`
		}
		h.mustCall(t, "daemon.status", nil, &status)
		return status.Adapters["telegram"] > 0
	})
	return ad
}

// envView mirrors the fields of the daemon's envelope result these tests
// assert on.
type envView struct {
	EnvelopeID string                `json:"envelopeId"`
	From       string                `json:"from"`
	To         string                `json:"to"`
	FromBoss   bool                  `json:"fromBoss"`
	Status     string                `json:"status"`
	Text       string                `json:"text"`
	DeliverAt  string                `json:"deliverAt"`
	Metadata   *persistence.Metadata `json:"metadata"`
}

func (h *harness) sendEnvelope(t *testing.T, params map[string]any) envView {
	t.Helper()
	var env envView
	h.mustCall(t, "envelope.send", params, &env)
	if env.EnvelopeID == "" {
		t.Fatalf("envelope.send returned no id: %+v", env)
	}
	return env
}

func (h *harness) getEnvelope(t *testing.T, id string) envView {
	t.Helper()
	var env envView
	h.mustCall(t, "envelope.get", map[string]any{"id": id}, &env)
	return env
}

func (h *harness) listEnvelopes(t *testing.T, params map[string]any) []envView {
	t.Helper()
	var out struct {
		Envelopes []envView `json:"envelopes"`
	}
	h.mustCall(t, "envelope.list", params, &out)
	return out.Envelopes
}

type agentState struct {
	InboxDue int           `json:"inboxDue"`
	Status   engine.Status `json:"status"`
	LastRun  *struct {
		RunID  string `json:"runId"`
		Status string `json:"status"`
		Error  string `json:"error"`
	} `json:"lastRun"`
}

func (h *harness) agentState(t *testing.T, name string) agentState {
	t.Helper()
	var st agentState
	h.mustCall(t, "agent.status", map[string]any{"name": name}, &st)
	return st
}

// openStore opens a second handle on the daemon's database for the few
// assertions the RPC surface does not expose.
func (h *harness) openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(config.DBPath(h.dir), nil)
	if err != nil {
		t.Fatalf("open check store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// promptMentions reports whether the last provider prompt carries every
// given fragment.
func (h *harness) promptMentions(fragments ...string) bool {
	prompt := h.provider.lastPrompt()
	for _, f := range fragments {
		if !strings.Contains(prompt, f) {
			return false
		}
	}
	return true
}
