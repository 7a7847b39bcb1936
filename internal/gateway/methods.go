package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hiboss/hi-boss/internal/address"
	"github.com/hiboss/hi-boss/internal/bus"
	"github.com/hiboss/hi-boss/internal/clock"
	"github.com/hiboss/hi-boss/internal/cron"
	"github.com/hiboss/hi-boss/internal/engine"
	"github.com/hiboss/hi-boss/internal/persistence"
	"github.com/hiboss/hi-boss/internal/policy"
	"github.com/hiboss/hi-boss/internal/router"
)

// reservedAgentName is the pseudo-sender for boss RPC sends; it can never be
// registered.
const reservedAgentName = "boss"

// ---- result views -------------------------------------------------------

type envelopeView struct {
	EnvelopeID  string                   `json:"envelopeId"`
	ShortID     string                   `json:"shortId"`
	From        string                   `json:"from"`
	To          string                   `json:"to"`
	FromBoss    bool                     `json:"fromBoss,omitempty"`
	Status      string                   `json:"status"`
	Text        string                   `json:"text,omitempty"`
	Attachments []persistence.Attachment `json:"attachments,omitempty"`
	DeliverAt   string                   `json:"deliverAt,omitempty"`
	CreatedAt   string                   `json:"createdAt"`
	Metadata    *persistence.Metadata    `json:"metadata,omitempty"`
}

func newEnvelopeView(env *persistence.Envelope) envelopeView {
	v := envelopeView{
		EnvelopeID:  env.ID,
		ShortID:     env.ShortID(),
		From:        env.From,
		To:          env.To,
		FromBoss:    env.FromBoss,
		Status:      string(env.Status),
		Text:        env.Content.Text,
		Attachments: env.Content.Attachments,
		CreatedAt:   clock.FormatLocal(env.CreatedAt, nil),
	}
	if env.DeliverAt != nil {
		v.DeliverAt = clock.FormatLocal(*env.DeliverAt, nil)
	}
	if !env.Metadata.Empty() {
		md := env.Metadata
		v.Metadata = &md
	}
	return v
}

type agentView struct {
	Name            string                     `json:"name"`
	Description     string                     `json:"description,omitempty"`
	Provider        string                     `json:"provider"`
	Model           string                     `json:"model,omitempty"`
	ReasoningEffort string                     `json:"reasoningEffort,omitempty"`
	PermissionLevel string                     `json:"permissionLevel"`
	Workspace       string                     `json:"workspace"`
	SessionPolicy   *persistence.SessionPolicy `json:"sessionPolicy,omitempty"`
	CreatedAt       string                     `json:"createdAt"`
	LastSeenAt      string                     `json:"lastSeenAt,omitempty"`
}

func newAgentView(a *persistence.Agent) agentView {
	v := agentView{
		Name:            a.Name,
		Description:     a.Description,
		Provider:        a.Provider,
		Model:           a.Model,
		ReasoningEffort: a.ReasoningEffort,
		PermissionLevel: string(a.PermissionLevel),
		Workspace:       a.Workspace,
		SessionPolicy:   a.SessionPolicy,
		CreatedAt:       clock.FormatLocal(a.CreatedAt, nil),
	}
	if a.LastSeenAt != nil {
		v.LastSeenAt = clock.FormatLocal(*a.LastSeenAt, nil)
	}
	return v
}

type bindingView struct {
	AdapterType string `json:"adapterType"`
	CreatedAt   string `json:"createdAt"`
}

type cronView struct {
	CronID            string `json:"cronId"`
	ShortID           string `json:"shortId"`
	Agent             string `json:"agent"`
	Expression        string `json:"expression"`
	Timezone          string `json:"timezone,omitempty"`
	Enabled           bool   `json:"enabled"`
	To                string `json:"to"`
	Text              string `json:"text"`
	PendingEnvelopeID string `json:"pendingEnvelopeId,omitempty"`
	NextAt            string `json:"nextAt,omitempty"`
	CreatedAt         string `json:"createdAt"`
}

// newCronView renders a schedule; nextAt is filled only for enabled
// schedules whose expression still evaluates.
func (s *Server) newCronView(ctx context.Context, sched *persistence.CronSchedule) cronView {
	v := cronView{
		CronID:            sched.ID,
		ShortID:           sched.ShortID(),
		Agent:             sched.AgentName,
		Expression:        sched.Cron,
		Timezone:          sched.Timezone,
		Enabled:           sched.Enabled,
		To:                sched.To,
		Text:              sched.Content,
		PendingEnvelopeID: sched.PendingEnvelopeID,
		CreatedAt:         clock.FormatLocal(sched.CreatedAt, nil),
	}
	if sched.Enabled {
		if next, err := s.cfg.Cron.NextOccurrence(ctx, sched, s.clk.Now()); err == nil {
			v.NextAt = clock.FormatLocal(next, nil)
		}
	}
	return v
}

type runView struct {
	RunID         string `json:"runId"`
	ShortID       string `json:"shortId"`
	Agent         string `json:"agent"`
	Status        string `json:"status"`
	StartedAt     string `json:"startedAt"`
	CompletedAt   string `json:"completedAt,omitempty"`
	ContextLength int    `json:"contextLength,omitempty"`
	Error         string `json:"error,omitempty"`
}

func newRunView(r *persistence.AgentRun) runView {
	v := runView{
		RunID:     r.ID,
		ShortID:   r.ShortID(),
		Agent:     r.AgentName,
		Status:    string(r.Status),
		StartedAt: clock.FormatLocal(r.StartedAt, nil),
		Error:     r.Error,
	}
	if r.CompletedAt != nil {
		v.CompletedAt = clock.FormatLocal(*r.CompletedAt, nil)
	}
	if r.ContextLength != nil {
		v.ContextLength = *r.ContextLength
	}
	return v
}

// ---- setup and boss -----------------------------------------------------

func (s *Server) setupCheck(ctx context.Context) (any, error) {
	done, err := s.cfg.Store.SetupCompleted(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"completed": done}, nil
}

// setupExecute writes the initial configuration in one transaction. It is
// the only mutating method that runs without a token, and only until it has
// succeeded once.
func (s *Server) setupExecute(ctx context.Context, params json.RawMessage) (any, error) {
	done, err := s.cfg.Store.SetupCompleted(ctx)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, &Error{Code: CodeAlreadyExists, Message: "setup already completed"}
	}

	var p struct {
		BossToken        string            `json:"bossToken"`
		BossName         string            `json:"bossName"`
		Timezone         string            `json:"timezone"`
		DefaultProvider  string            `json:"defaultProvider"`
		AdapterBossIDs   map[string]string `json:"adapterBossIds"`
		PermissionPolicy string            `json:"permissionPolicy"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Timezone != "" {
		if _, err := clock.LoadTimezone(p.Timezone); err != nil {
			return nil, invalidParams("timezone", err.Error())
		}
	}
	if p.DefaultProvider != "" {
		if _, err := s.cfg.Providers.For(p.DefaultProvider); err != nil {
			return nil, invalidParams("defaultProvider", err.Error())
		}
	}
	if p.PermissionPolicy != "" {
		if _, err := policy.ParseDocument(p.PermissionPolicy); err != nil {
			return nil, invalidParams("permissionPolicy", err.Error())
		}
	}
	for adapterType, id := range p.AdapterBossIDs {
		if !address.ValidAdapterType(adapterType) {
			return nil, invalidParams("adapterBossIds", fmt.Sprintf("invalid adapter type %q", adapterType))
		}
		if id == "" {
			return nil, invalidParams("adapterBossIds", fmt.Sprintf("empty boss id for %q", adapterType))
		}
	}

	token := p.BossToken
	if token == "" {
		token, err = policy.NewToken()
		if err != nil {
			return nil, err
		}
	}

	kv := map[string]string{
		persistence.ConfigKeySetupCompleted: "true",
		persistence.ConfigKeyBossTokenHash:  policy.HashBossToken(token),
	}
	if p.BossName != "" {
		kv[persistence.ConfigKeyBossName] = p.BossName
	}
	if p.Timezone != "" {
		kv[persistence.ConfigKeyBossTimezone] = p.Timezone
	}
	if p.DefaultProvider != "" {
		kv[persistence.ConfigKeyDefaultProvider] = p.DefaultProvider
	}
	if p.PermissionPolicy != "" {
		kv[persistence.ConfigKeyPolicy] = p.PermissionPolicy
	}
	for adapterType, id := range p.AdapterBossIDs {
		kv[persistence.BossIDKey(adapterType)] = id
	}
	if err := s.cfg.Store.SetConfigs(ctx, kv); err != nil {
		return nil, err
	}
	if err := s.cfg.Auth.Reload(ctx); err != nil {
		s.logger.Warn("policy reload after setup", "error", err)
	}
	s.logger.Info("setup completed", "boss_name", p.BossName, "timezone", p.Timezone)
	return map[string]any{"completed": true, "bossToken": token}, nil
}

// bossVerify authenticates the token without a level gate and reports what
// it resolved to. The setup gate still applies.
func (s *Server) bossVerify(ctx context.Context, params json.RawMessage) (*policy.Principal, any, error) {
	done, err := s.cfg.Store.SetupCompleted(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !done {
		return nil, nil, &policy.AuthError{Reason: "Setup not complete"}
	}
	principal, err := s.cfg.Auth.Authenticate(ctx, tokenOf(params))
	if err != nil {
		return nil, nil, err
	}
	return principal, map[string]any{
		"boss":      principal.Boss,
		"principal": principal.String(),
		"level":     string(principal.Level),
	}, nil
}

// ---- daemon -------------------------------------------------------------

func (s *Server) daemonPing(context.Context) (any, error) {
	return map[string]any{"pong": true}, nil
}

type daemonStatusView struct {
	Version          string          `json:"version"`
	PID              int             `json:"pid"`
	StartedAt        string          `json:"startedAt"`
	UptimeSeconds    int64           `json:"uptimeSeconds"`
	DataDir          string          `json:"dataDir"`
	SocketPath       string          `json:"socketPath"`
	SetupCompleted   bool            `json:"setupCompleted"`
	PolicyVersion    string          `json:"policyVersion"`
	PendingEnvelopes int             `json:"pendingEnvelopes"`
	NextWake         string          `json:"nextWake,omitempty"`
	Agents           []engine.Status `json:"agents"`
	Adapters         map[string]int  `json:"adapters,omitempty"`
}

func (s *Server) daemonStatus(ctx context.Context) (any, error) {
	pending, err := s.cfg.Store.CountPendingEnvelopes(ctx)
	if err != nil {
		return nil, err
	}
	done, err := s.cfg.Store.SetupCompleted(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clk.Now()
	v := daemonStatusView{
		Version:          s.cfg.Version,
		PID:              os.Getpid(),
		StartedAt:        clock.FormatLocal(s.startedAt, nil),
		UptimeSeconds:    int64(now.Sub(s.startedAt).Seconds()),
		DataDir:          s.cfg.DataDir,
		SocketPath:       s.cfg.SocketPath,
		SetupCompleted:   done,
		PolicyVersion:    s.cfg.Auth.Version(),
		PendingEnvelopes: pending,
		Agents:           []engine.Status{},
	}
	if s.cfg.Engine != nil {
		v.Agents = s.cfg.Engine.Snapshot()
	}
	if s.cfg.Adapters != nil {
		v.Adapters = s.cfg.Adapters.Running()
	}
	if s.cfg.NextWake != nil {
		if t := s.cfg.NextWake(); t != nil {
			v.NextWake = clock.FormatLocal(*t, nil)
		}
	}
	return v, nil
}

// daemonStop queues the shutdown on its own goroutine so the response still
// reaches the caller.
func (s *Server) daemonStop(context.Context) (any, error) {
	if s.cfg.Shutdown == nil {
		return nil, &Error{Code: CodeInternal, Message: "shutdown hook not wired"}
	}
	s.logger.Info("stop requested over rpc")
	go s.cfg.Shutdown()
	return map[string]any{"stopping": true}, nil
}

func (s *Server) daemonTime(ctx context.Context) (any, error) {
	tzName, err := s.cfg.Store.GetConfigDefault(ctx, persistence.ConfigKeyBossTimezone, "")
	if err != nil {
		return nil, err
	}
	loc, err := clock.LoadTimezone(tzName)
	if err != nil {
		loc = nil
	}
	if loc == nil {
		loc = time.Local
	}
	now := s.clk.Now()
	return map[string]any{
		"now":        clock.FormatLocal(now, loc),
		"timezone":   loc.String(),
		"unixMillis": clock.ToMillis(now),
	}, nil
}

// ---- envelopes ----------------------------------------------------------

func (s *Server) envelopeSend(ctx context.Context, p *policy.Principal, params json.RawMessage) (any, error) {
	var in struct {
		To                string                   `json:"to"`
		From              string                   `json:"from"`
		Text              string                   `json:"text"`
		Attachments       []persistence.Attachment `json:"attachments"`
		DeliverAt         string                   `json:"deliverAt"`
		ParseMode         string                   `json:"parseMode"`
		ReplyToEnvelopeID string                   `json:"replyToEnvelopeId"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.To == "" {
		return nil, invalidParams("to", "required")
	}
	if _, err := address.Parse(in.To); err != nil {
		return nil, invalidParams("to", err.Error())
	}
	if in.Text == "" && len(in.Attachments) == 0 {
		return nil, invalidParams("text", "a message needs text or attachments")
	}
	for i, att := range in.Attachments {
		if att.Source == "" {
			return nil, invalidParams("attachments", fmt.Sprintf("attachment %d: source required", i))
		}
	}

	// Agents always send as themselves; the boss defaults to the reserved
	// pseudo-address and may override it.
	from := in.From
	if p.Boss {
		if from == "" {
			from = address.ForAgent(reservedAgentName).String()
		} else if _, err := address.Parse(from); err != nil {
			return nil, invalidParams("from", err.Error())
		}
	} else {
		own := address.ForAgent(p.Agent).String()
		if from != "" && from != own {
			return nil, invalidParams("from", "agents always send as themselves")
		}
		from = own
	}

	var deliverAt *time.Time
	if in.DeliverAt != "" {
		t, err := clock.ParseDeliverAt(in.DeliverAt, s.clk.Now())
		if err != nil {
			return nil, invalidParams("deliverAt", err.Error())
		}
		deliverAt = &t
	}

	env, err := s.cfg.Router.RouteEnvelope(ctx, persistence.CreateEnvelopeInput{
		From:      from,
		To:        in.To,
		FromBoss:  p.Boss,
		Content:   persistence.Content{Text: in.Text, Attachments: in.Attachments},
		DeliverAt: deliverAt,
		Metadata: persistence.Metadata{
			ParseMode:         in.ParseMode,
			ReplyToEnvelopeID: in.ReplyToEnvelopeID,
		},
	})
	if err != nil {
		return nil, err
	}
	return newEnvelopeView(env), nil
}

func (s *Server) envelopeList(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Status string `json:"status"`
		To     string `json:"to"`
		From   string `json:"from"`
		Agent  string `json:"agent"`
		Limit  int    `json:"limit"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	switch in.Status {
	case "", string(persistence.EnvelopeStatusPending), string(persistence.EnvelopeStatusDone):
	default:
		return nil, invalidParams("status", `want "pending" or "done"`)
	}
	envs, err := s.cfg.Store.ListEnvelopes(ctx, persistence.EnvelopeFilter{
		Status: persistence.EnvelopeStatus(in.Status),
		To:     in.To,
		From:   in.From,
		Agent:  in.Agent,
		Limit:  in.Limit,
	})
	if err != nil {
		return nil, err
	}
	views := make([]envelopeView, 0, len(envs))
	for _, env := range envs {
		views = append(views, newEnvelopeView(env))
	}
	return map[string]any{"envelopes": views}, nil
}

func (s *Server) envelopeGet(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, invalidParams("id", "required")
	}
	env, err := s.cfg.Store.FindEnvelopeByIDPrefix(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	return newEnvelopeView(env), nil
}

// ---- agents -------------------------------------------------------------

func validReasoningEffort(s string) bool {
	switch s {
	case "", "none", "low", "medium", "high", "xhigh":
		return true
	default:
		return false
	}
}

func (s *Server) agentRegister(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Name            string          `json:"name"`
		Description     string          `json:"description"`
		Provider        string          `json:"provider"`
		Model           string          `json:"model"`
		ReasoningEffort string          `json:"reasoningEffort"`
		Workspace       string          `json:"workspace"`
		PermissionLevel string          `json:"permissionLevel"`
		Metadata        json.RawMessage `json:"metadata"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	if !address.ValidAgentName(in.Name) {
		return nil, invalidParams("name", "want lowercase letters, digits and hyphens, starting alphanumeric")
	}
	if in.Name == reservedAgentName {
		return nil, invalidParams("name", `"boss" is reserved`)
	}
	if in.Provider == "" {
		def, err := s.cfg.Store.GetConfigDefault(ctx, persistence.ConfigKeyDefaultProvider, "claude")
		if err != nil {
			return nil, err
		}
		in.Provider = def
	}
	if _, err := s.cfg.Providers.For(in.Provider); err != nil {
		return nil, invalidParams("provider", err.Error())
	}
	if in.Workspace == "" {
		return nil, invalidParams("workspace", "required")
	}
	if !filepath.IsAbs(in.Workspace) {
		return nil, invalidParams("workspace", "want an absolute path")
	}
	if !validReasoningEffort(in.ReasoningEffort) {
		return nil, invalidParams("reasoningEffort", "want none, low, medium, high or xhigh")
	}
	level := persistence.LevelStandard
	if in.PermissionLevel != "" {
		level = persistence.PermissionLevel(in.PermissionLevel)
		if !level.Valid() {
			return nil, invalidParams("permissionLevel", "want restricted, standard, privileged or boss")
		}
	}
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		return nil, invalidParams("metadata", "want a JSON value")
	}
	if err := os.MkdirAll(in.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	token, err := policy.NewToken()
	if err != nil {
		return nil, err
	}
	a := &persistence.Agent{
		Name:            in.Name,
		Token:           token,
		Description:     in.Description,
		Workspace:       in.Workspace,
		Provider:        in.Provider,
		Model:           in.Model,
		ReasoningEffort: in.ReasoningEffort,
		PermissionLevel: level,
		Metadata:        in.Metadata,
	}
	if err := s.cfg.Store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}
	memoryPath, err := engine.EnsureMemorySeed(s.cfg.DataDir, in.Name)
	if err != nil {
		s.logger.Warn("memory seed failed", "agent", in.Name, "error", err)
		memoryPath = engine.MemoryPath(s.cfg.DataDir, in.Name)
	}
	s.cfg.Bus.Publish(bus.TopicAgentRegistered, bus.AgentEvent{Name: in.Name})
	s.logger.Info("agent registered",
		"agent", in.Name, "provider", in.Provider, "level", string(level))

	// The token appears here once and is never readable again.
	return map[string]any{
		"agent":      newAgentView(a),
		"token":      token,
		"memoryPath": memoryPath,
	}, nil
}

func (s *Server) agentList(ctx context.Context) (any, error) {
	agents, err := s.cfg.Store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, newAgentView(a))
	}
	return map[string]any{"agents": views}, nil
}

func (s *Server) agentStatus(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, invalidParams("name", "required")
	}
	ag, err := s.cfg.Store.GetAgent(ctx, in.Name)
	if err != nil {
		return nil, err
	}
	bindings, err := s.cfg.Store.ListBindingsForAgent(ctx, in.Name)
	if err != nil {
		return nil, err
	}
	bviews := make([]bindingView, 0, len(bindings))
	for _, b := range bindings {
		bviews = append(bviews, bindingView{
			AdapterType: b.AdapterType,
			CreatedAt:   clock.FormatLocal(b.CreatedAt, nil),
		})
	}
	inbox, err := s.cfg.Store.ListPendingInboxForAgent(ctx, in.Name, s.clk.Now())
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"agent":    newAgentView(ag),
		"bindings": bviews,
		"inboxDue": len(inbox),
	}
	if s.cfg.Engine != nil {
		result["status"] = s.cfg.Engine.AgentStatus(in.Name)
	}
	lastRun, err := s.cfg.Store.GetLastRunForAgent(ctx, in.Name)
	switch {
	case err == nil:
		result["lastRun"] = newRunView(lastRun)
	case errors.Is(err, persistence.ErrNotFound):
	default:
		return nil, err
	}
	return result, nil
}

func (s *Server) agentSet(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Name            string          `json:"name"`
		Description     *string         `json:"description"`
		Workspace       *string         `json:"workspace"`
		Model           *string         `json:"model"`
		ReasoningEffort *string         `json:"reasoningEffort"`
		PermissionLevel *string         `json:"permissionLevel"`
		Metadata        json.RawMessage `json:"metadata"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, invalidParams("name", "required")
	}
	u := persistence.AgentUpdate{
		Description:     in.Description,
		Workspace:       in.Workspace,
		Model:           in.Model,
		ReasoningEffort: in.ReasoningEffort,
		Metadata:        in.Metadata,
	}
	if in.Workspace != nil {
		if !filepath.IsAbs(*in.Workspace) {
			return nil, invalidParams("workspace", "want an absolute path")
		}
		if err := os.MkdirAll(*in.Workspace, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}
	if in.ReasoningEffort != nil && !validReasoningEffort(*in.ReasoningEffort) {
		return nil, invalidParams("reasoningEffort", "want none, low, medium, high or xhigh")
	}
	if in.PermissionLevel != nil {
		level := persistence.PermissionLevel(*in.PermissionLevel)
		if !level.Valid() {
			return nil, invalidParams("permissionLevel", "want restricted, standard, privileged or boss")
		}
		u.PermissionLevel = &level
	}
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		return nil, invalidParams("metadata", "want a JSON value")
	}
	if err := s.cfg.Store.UpdateAgent(ctx, in.Name, u); err != nil {
		return nil, err
	}
	ag, err := s.cfg.Store.GetAgent(ctx, in.Name)
	if err != nil {
		return nil, err
	}
	return newAgentView(ag), nil
}

// agentDelete removes the agent and everything hanging off it: schedules,
// pending envelopes addressed to it, bindings (FK cascade) and runs.
func (s *Server) agentDelete(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, invalidParams("name", "required")
	}
	if _, err := s.cfg.Store.GetAgent(ctx, in.Name); err != nil {
		return nil, err
	}
	bindings, err := s.cfg.Store.ListBindingsForAgent(ctx, in.Name)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Cron.DeleteSchedulesForAgent(ctx, in.Name); err != nil {
		return nil, err
	}
	cancelled, err := s.cfg.Store.CancelPendingEnvelopesTo(ctx, address.ForAgent(in.Name).String())
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Store.DeleteAgent(ctx, in.Name); err != nil {
		return nil, err
	}
	s.cfg.Bus.Publish(bus.TopicAgentDeleted, bus.AgentEvent{Name: in.Name})
	for _, b := range bindings {
		s.cfg.Bus.Publish(bus.TopicBindingChanged, bus.BindingEvent{
			AgentName:   in.Name,
			AdapterType: b.AdapterType,
			Removed:     true,
		})
	}
	s.logger.Info("agent deleted", "agent", in.Name, "envelopes_cancelled", cancelled)
	return map[string]any{
		"deleted":            true,
		"agent":              in.Name,
		"envelopesCancelled": cancelled,
	}, nil
}

func (s *Server) agentRefresh(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Name   string `json:"name"`
		Reason string `json:"reason"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, invalidParams("name", "required")
	}
	if _, err := s.cfg.Store.GetAgent(ctx, in.Name); err != nil {
		return nil, err
	}
	reason := in.Reason
	if reason == "" {
		reason = "requested over rpc"
	}
	s.cfg.Engine.RequestRefresh(in.Name, reason)
	return map[string]any{"queued": true, "agent": in.Name}, nil
}

func (s *Server) agentAbort(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, invalidParams("name", "required")
	}
	if _, err := s.cfg.Store.GetAgent(ctx, in.Name); err != nil {
		return nil, err
	}
	wasRunning := s.cfg.Engine.AgentStatus(in.Name).State == "running"
	if err := s.cfg.Engine.Abort(ctx, in.Name); err != nil {
		return nil, err
	}
	return map[string]any{"aborted": wasRunning, "agent": in.Name}, nil
}

// agentSessionPolicySet merges the tri-state params onto the stored policy:
// nil keeps a field, empty (or zero) clears it, anything else replaces it.
func (s *Server) agentSessionPolicySet(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Agent            string  `json:"agent"`
		DailyResetAt     *string `json:"dailyResetAt"`
		IdleTimeout      *string `json:"idleTimeout"`
		MaxContextLength *int    `json:"maxContextLength"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.Agent == "" {
		return nil, invalidParams("agent", "required")
	}
	ag, err := s.cfg.Store.GetAgent(ctx, in.Agent)
	if err != nil {
		return nil, err
	}
	cur := persistence.SessionPolicy{}
	if ag.SessionPolicy != nil {
		cur = *ag.SessionPolicy
	}
	if in.DailyResetAt != nil {
		if *in.DailyResetAt == "" {
			cur.DailyResetAt = ""
		} else {
			if err := engine.ValidateDailyReset(*in.DailyResetAt); err != nil {
				return nil, invalidParams("dailyResetAt", err.Error())
			}
			cur.DailyResetAt = *in.DailyResetAt
		}
	}
	if in.IdleTimeout != nil {
		if *in.IdleTimeout == "" {
			cur.IdleTimeoutSeconds = 0
		} else {
			d, err := clock.ParseDuration(*in.IdleTimeout)
			if err != nil {
				return nil, invalidParams("idleTimeout", err.Error())
			}
			cur.IdleTimeoutSeconds = int64(d / time.Second)
		}
	}
	if in.MaxContextLength != nil {
		if *in.MaxContextLength < 0 {
			return nil, invalidParams("maxContextLength", "want zero (clear) or a positive token count")
		}
		cur.MaxContextLength = *in.MaxContextLength
	}

	var stored *persistence.SessionPolicy
	if !cur.Empty() {
		stored = &cur
	}
	if err := s.cfg.Store.SetAgentSessionPolicy(ctx, in.Agent, stored); err != nil {
		return nil, err
	}
	return map[string]any{"agent": in.Agent, "sessionPolicy": stored}, nil
}

func (s *Server) agentBind(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Agent        string `json:"agent"`
		AdapterType  string `json:"adapterType"`
		AdapterToken string `json:"adapterToken"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.Agent == "" {
		return nil, invalidParams("agent", "required")
	}
	if in.AdapterType == "" {
		return nil, invalidParams("adapterType", "required")
	}
	if in.AdapterToken == "" {
		return nil, invalidParams("adapterToken", "required")
	}
	if _, err := s.cfg.Store.GetAgent(ctx, in.Agent); err != nil {
		return nil, err
	}
	if !s.cfg.Adapters.KnownType(in.AdapterType) {
		return nil, invalidParams("adapterType", fmt.Sprintf(
			"unknown adapter type %q (known: %s)",
			in.AdapterType, strings.Join(s.cfg.Adapters.Types(), ", ")))
	}
	if err := s.cfg.Store.UpsertBinding(ctx, persistence.Binding{
		AgentName:    in.Agent,
		AdapterType:  in.AdapterType,
		AdapterToken: in.AdapterToken,
	}); err != nil {
		return nil, err
	}
	s.cfg.Bus.Publish(bus.TopicBindingChanged, bus.BindingEvent{
		AgentName:   in.Agent,
		AdapterType: in.AdapterType,
	})
	s.logger.Info("agent bound", "agent", in.Agent, "adapter", in.AdapterType)
	return map[string]any{"bound": true, "agent": in.Agent, "adapterType": in.AdapterType}, nil
}

func (s *Server) agentUnbind(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Agent       string `json:"agent"`
		AdapterType string `json:"adapterType"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.Agent == "" {
		return nil, invalidParams("agent", "required")
	}
	if in.AdapterType == "" {
		return nil, invalidParams("adapterType", "required")
	}
	if err := s.cfg.Store.DeleteBinding(ctx, in.Agent, in.AdapterType); err != nil {
		return nil, err
	}
	s.cfg.Bus.Publish(bus.TopicBindingChanged, bus.BindingEvent{
		AgentName:   in.Agent,
		AdapterType: in.AdapterType,
		Removed:     true,
	})
	s.logger.Info("agent unbound", "agent", in.Agent, "adapter", in.AdapterType)
	return map[string]any{"removed": true, "agent": in.Agent, "adapterType": in.AdapterType}, nil
}

// ---- cron ---------------------------------------------------------------

func (s *Server) cronCreate(ctx context.Context, p *policy.Principal, params json.RawMessage) (any, error) {
	var in struct {
		Agent      string `json:"agent"`
		Expression string `json:"expression"`
		Timezone   string `json:"timezone"`
		To         string `json:"to"`
		Text       string `json:"text"`
		Metadata   string `json:"metadata"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	agentName := in.Agent
	if !p.Boss {
		if agentName != "" && agentName != p.Agent {
			return nil, invalidParams("agent", "agents may only schedule for themselves")
		}
		agentName = p.Agent
	}
	if agentName == "" {
		return nil, invalidParams("agent", "required")
	}
	if _, err := s.cfg.Store.GetAgent(ctx, agentName); err != nil {
		return nil, err
	}
	if in.Expression == "" {
		return nil, invalidParams("expression", "required")
	}
	if err := cron.ValidateExpression(in.Expression); err != nil {
		return nil, invalidParams("expression", err.Error())
	}
	if _, err := clock.LoadTimezone(in.Timezone); err != nil {
		return nil, invalidParams("timezone", err.Error())
	}
	if in.To == "" {
		return nil, invalidParams("to", "required")
	}
	if _, err := address.Parse(in.To); err != nil {
		return nil, invalidParams("to", err.Error())
	}
	if in.Text == "" {
		return nil, invalidParams("text", "required")
	}
	if in.Metadata != "" {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(in.Metadata), &obj); err != nil {
			return nil, invalidParams("metadata", "want a JSON object")
		}
	}
	sched, err := s.cfg.Cron.CreateSchedule(ctx, cron.CreateInput{
		AgentName:  agentName,
		Expression: in.Expression,
		Timezone:   in.Timezone,
		To:         in.To,
		Text:       in.Text,
		Metadata:   in.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return s.newCronView(ctx, sched), nil
}

func (s *Server) cronList(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Agent           string `json:"agent"`
		IncludeDisabled bool   `json:"includeDisabled"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	var (
		scheds []*persistence.CronSchedule
		err    error
	)
	if in.Agent != "" {
		scheds, err = s.cfg.Store.ListCronSchedulesForAgent(ctx, in.Agent)
	} else {
		scheds, err = s.cfg.Store.ListCronSchedules(ctx, in.IncludeDisabled)
	}
	if err != nil {
		return nil, err
	}
	views := make([]cronView, 0, len(scheds))
	for _, sched := range scheds {
		if in.Agent != "" && !in.IncludeDisabled && !sched.Enabled {
			continue
		}
		views = append(views, s.newCronView(ctx, sched))
	}
	return map[string]any{"schedules": views}, nil
}

func (s *Server) cronGet(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, invalidParams("id", "required")
	}
	sched, err := s.cfg.Store.FindCronScheduleByIDPrefix(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	return s.newCronView(ctx, sched), nil
}

// resolveOwnedSchedule loads a schedule by prefix and enforces that non-boss
// callers only touch their own.
func (s *Server) resolveOwnedSchedule(ctx context.Context, p *policy.Principal, params json.RawMessage) (*persistence.CronSchedule, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, invalidParams("id", "required")
	}
	sched, err := s.cfg.Store.FindCronScheduleByIDPrefix(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if !p.Boss && sched.AgentName != p.Agent {
		return nil, &policy.AuthError{
			Reason: fmt.Sprintf("Access denied: schedule %s belongs to %s", sched.ShortID(), sched.AgentName),
		}
	}
	return sched, nil
}

func (s *Server) cronSetEnabled(ctx context.Context, p *policy.Principal, params json.RawMessage, enabled bool) (any, error) {
	sched, err := s.resolveOwnedSchedule(ctx, p, params)
	if err != nil {
		return nil, err
	}
	if enabled {
		err = s.cfg.Cron.EnableSchedule(ctx, sched.ID)
	} else {
		err = s.cfg.Cron.DisableSchedule(ctx, sched.ID)
	}
	if err != nil {
		return nil, err
	}
	fresh, err := s.cfg.Store.GetCronSchedule(ctx, sched.ID)
	if err != nil {
		return nil, err
	}
	return s.newCronView(ctx, fresh), nil
}

func (s *Server) cronDelete(ctx context.Context, p *policy.Principal, params json.RawMessage) (any, error) {
	sched, err := s.resolveOwnedSchedule(ctx, p, params)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Cron.DeleteSchedule(ctx, sched.ID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "cronId": sched.ID}, nil
}

// ---- reactions ----------------------------------------------------------

// reactionSet puts an emoji on the platform message behind an envelope. The
// chat sits on the channel side of the envelope and the adapter is found
// through the agent side's binding.
func (s *Server) reactionSet(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		EnvelopeID string `json:"envelopeId"`
		Emoji      string `json:"emoji"`
	}
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	if in.EnvelopeID == "" {
		return nil, invalidParams("envelopeId", "required")
	}
	if in.Emoji == "" {
		return nil, invalidParams("emoji", "required")
	}
	env, err := s.cfg.Store.FindEnvelopeByIDPrefix(ctx, in.EnvelopeID)
	if err != nil {
		return nil, err
	}
	if env.Metadata.Platform == "" || env.Metadata.ChannelMessageID == "" {
		return nil, invalidParams("envelopeId", "envelope has no channel message to react to")
	}

	fromAddr, fromErr := address.Parse(env.From)
	toAddr, toErr := address.Parse(env.To)
	var (
		chat      address.Address
		agentName string
	)
	switch {
	case fromErr == nil && toErr == nil &&
		fromAddr.Kind == address.KindChannel && toAddr.Kind == address.KindAgent:
		chat, agentName = fromAddr, toAddr.Agent
	case fromErr == nil && toErr == nil &&
		toAddr.Kind == address.KindChannel && fromAddr.Kind == address.KindAgent:
		chat, agentName = toAddr, fromAddr.Agent
	default:
		return nil, invalidParams("envelopeId", "envelope is not tied to a channel chat")
	}

	binding, err := s.cfg.Store.GetBindingForAgent(ctx, agentName, chat.AdapterType)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, &router.DeliveryError{
			EnvelopeID: env.ID,
			Kind:       router.DeliveryErrorNoBinding,
			Detail:     fmt.Sprintf("agent %q has no %s binding", agentName, chat.AdapterType),
		}
	}
	if err != nil {
		return nil, err
	}
	adapter, ok := s.cfg.Adapters.AdapterFor(chat.AdapterType, binding.AdapterToken)
	if !ok {
		return nil, &router.DeliveryError{
			EnvelopeID: env.ID,
			Kind:       router.DeliveryErrorAdapterNotLoaded,
			Detail:     fmt.Sprintf("no running %s adapter for the bound credential", chat.AdapterType),
		}
	}
	if err := adapter.SetReaction(ctx, chat.ChatID, env.Metadata.ChannelMessageID, in.Emoji); err != nil {
		return nil, &router.DeliveryError{
			EnvelopeID: env.ID,
			Kind:       router.DeliveryErrorSendFailed,
			Detail:     err.Error(),
		}
	}
	s.logger.Info("reaction set", "envelope", env.ShortID(), "emoji", in.Emoji)
	return map[string]any{"reacted": true, "envelopeId": env.ID}, nil
}
