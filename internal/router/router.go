// Package router moves envelopes between the store, the channel adapters
// and the agent engine. Every message in the system passes through
// RouteEnvelope exactly once; delivery to channels is synchronous and
// delivery to agents is a kick to the engine, which drains the agent's
// inbox on its own schedule.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hiboss/hi-boss/internal/address"
	"github.com/hiboss/hi-boss/internal/bus"
	"github.com/hiboss/hi-boss/internal/channels"
	"github.com/hiboss/hi-boss/internal/clock"
	"github.com/hiboss/hi-boss/internal/persistence"
)

// Delivery error kinds recorded on envelope metadata.
const (
	DeliveryErrorNoBinding        = "no-binding"
	DeliveryErrorAdapterNotLoaded = "adapter-not-loaded"
	DeliveryErrorSendFailed       = "send-failed"
)

// ErrNonAgentSender rejects channel-bound envelopes whose sender is not an
// agent address. Such an envelope can never resolve a binding, so it is a
// caller mistake rather than a delivery failure.
var ErrNonAgentSender = errors.New("channel-bound envelopes must be sent by an agent")

// DeliveryError reports a failed channel delivery. The same classification
// is recorded on the envelope's metadata, so the caller sees what a later
// envelope.get would show.
type DeliveryError struct {
	EnvelopeID string
	Kind       string
	Detail     string
	Hint       string
}

func (e *DeliveryError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("delivery failed (%s): %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("delivery failed (%s)", e.Kind)
}

// AdapterResolver locates the running adapter serving a credential. The
// channels registry implements it.
type AdapterResolver interface {
	AdapterFor(adapterType, adapterToken string) (channels.Adapter, bool)
}

// AgentHandler is kicked whenever an agent-bound envelope becomes due. The
// engine implements it; CheckAndRun must return quickly and do its work on
// its own goroutine.
type AgentHandler interface {
	CheckAndRun(agentName string)
}

// AgentController exposes the engine operations reachable from boss chat
// commands.
type AgentController interface {
	RequestRefresh(agentName, reason string)
	Abort(ctx context.Context, agentName string) error
	StatusLine(ctx context.Context, agentName string) (string, error)
}

type Config struct {
	Store    *persistence.Store
	Adapters AdapterResolver
	Bus      *bus.Bus
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Router struct {
	store    *persistence.Store
	adapters AdapterResolver
	bus      *bus.Bus
	clk      clock.Clock
	logger   *slog.Logger

	mu         sync.RWMutex
	handler    AgentHandler
	controller AgentController
}

func New(cfg Config) *Router {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Router{
		store:    cfg.Store,
		adapters: cfg.Adapters,
		bus:      cfg.Bus,
		clk:      clk,
		logger:   cfg.Logger,
	}
}

// SetAgentHandler wires the engine in once it exists. Until then,
// agent-bound envelopes stay pending and the scheduler re-kicks them.
func (r *Router) SetAgentHandler(h AgentHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// SetAgentController wires the engine operations used by boss commands.
func (r *Router) SetAgentController(c AgentController) {
	r.mu.Lock()
	r.controller = c
	r.mu.Unlock()
}

func (r *Router) agentHandler() AgentHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handler
}

func (r *Router) agentController() AgentController {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controller
}

// InboundFromChannel turns a platform message into a pending envelope for
// the bound agent and delivers it. Messages on credentials with no binding
// are dropped; the boss additionally gets a short setup pointer back.
func (r *Router) InboundFromChannel(ctx context.Context, msg channels.InboundMessage) error {
	fromBoss := r.isBoss(ctx, msg.AdapterType, msg.AuthorUsername)

	binding, err := r.store.GetBindingByAdapterToken(ctx, msg.AdapterType, msg.AdapterToken)
	if errors.Is(err, persistence.ErrNotFound) {
		r.logger.Info("dropping message on unbound credential",
			"adapter", msg.AdapterType, "chat", msg.ChatID, "boss", fromBoss)
		if fromBoss {
			r.replyText(ctx, msg, "This bot is not bound to an agent yet. Run: hiboss agent bind <agent> --adapter "+msg.AdapterType)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if cmd, arg, ok := parseCommand(msg.Text); ok {
		return r.handleCommand(ctx, msg, binding, fromBoss, cmd, arg)
	}

	if msg.Text == "" && len(msg.Attachments) == 0 {
		r.logger.Debug("dropping empty inbound message", "adapter", msg.AdapterType, "chat", msg.ChatID)
		return nil
	}

	in := persistence.CreateEnvelopeInput{
		From:     address.ForChannel(msg.AdapterType, msg.ChatID).String(),
		To:       address.ForAgent(binding.AgentName).String(),
		FromBoss: fromBoss,
		Content:  persistence.Content{Text: msg.Text, Attachments: msg.Attachments},
		Metadata: persistence.Metadata{
			Platform:         msg.AdapterType,
			ChannelMessageID: msg.MessageID,
			Author: &persistence.Author{
				ID:          msg.AuthorID,
				Username:    msg.AuthorUsername,
				DisplayName: msg.AuthorDisplayName,
			},
			Chat:      &persistence.Chat{ID: msg.ChatID, Name: msg.ChatName},
			InReplyTo: msg.InReplyToMessageID,
		},
	}
	env, err := r.RouteEnvelope(ctx, in)
	if err != nil {
		return err
	}
	r.logger.Info("inbound message routed",
		"adapter", msg.AdapterType, "agent", binding.AgentName,
		"envelope", env.ShortID(), "boss", fromBoss)
	return nil
}

// RouteEnvelope persists a pending envelope and delivers it right away when
// due. Scheduled envelopes wait for the scheduler's wake; the created event
// lets it move its timer up.
func (r *Router) RouteEnvelope(ctx context.Context, in persistence.CreateEnvelopeInput) (*persistence.Envelope, error) {
	env, err := r.store.CreateEnvelope(ctx, in)
	if err != nil {
		return nil, err
	}
	r.publishCreated(env)
	if env.DueAt(r.clk.Now()) {
		if err := r.DeliverEnvelope(ctx, env); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// DeliverEnvelope pushes one due envelope toward its destination. For agent
// destinations this kicks the engine (leaving the envelope pending until a
// run closes it); for channel destinations it sends synchronously and marks
// the envelope done on success.
func (r *Router) DeliverEnvelope(ctx context.Context, env *persistence.Envelope) error {
	dest, err := address.Parse(env.To)
	if err != nil {
		return fmt.Errorf("envelope %s: %w", env.ShortID(), err)
	}
	switch dest.Kind {
	case address.KindAgent:
		if h := r.agentHandler(); h != nil {
			h.CheckAndRun(dest.Agent)
		}
		return nil
	case address.KindChannel:
		return r.deliverToChannel(ctx, env, dest)
	default:
		return fmt.Errorf("envelope %s: unsupported destination %q", env.ShortID(), env.To)
	}
}

func (r *Router) deliverToChannel(ctx context.Context, env *persistence.Envelope, dest address.Address) error {
	sender, err := address.Parse(env.From)
	if err != nil || sender.Kind != address.KindAgent {
		return fmt.Errorf("envelope %s from %q: %w", env.ShortID(), env.From, ErrNonAgentSender)
	}

	binding, err := r.store.GetBindingForAgent(ctx, sender.Agent, dest.AdapterType)
	if errors.Is(err, persistence.ErrNotFound) {
		return r.failDelivery(ctx, env, DeliveryErrorNoBinding,
			fmt.Sprintf("agent %q has no %s binding", sender.Agent, dest.AdapterType),
			fmt.Sprintf("bind it with: hiboss agent bind %s --adapter %s", sender.Agent, dest.AdapterType))
	}
	if err != nil {
		return err
	}

	adapter, ok := r.adapters.AdapterFor(dest.AdapterType, binding.AdapterToken)
	if !ok {
		return r.failDelivery(ctx, env, DeliveryErrorAdapterNotLoaded,
			fmt.Sprintf("no running %s adapter for the bound credential", dest.AdapterType),
			"the adapter may still be connecting; delivery retries on the next wake")
	}

	opts := channels.SendOptions{
		ParseMode:        env.Metadata.ParseMode,
		ReplyToMessageID: r.resolveReplyTo(ctx, env, dest),
	}
	messageID, err := adapter.SendMessage(ctx, dest.ChatID, env.Content, opts)
	if err != nil {
		detail, hint := classifySendError(dest.AdapterType, err)
		return r.failDelivery(ctx, env, DeliveryErrorSendFailed, detail, hint)
	}

	if messageID != "" && env.Metadata.ChannelMessageID == "" {
		md := env.Metadata
		md.ChannelMessageID = messageID
		if uerr := r.store.UpdateEnvelopeMetadata(ctx, env.ID, md); uerr != nil {
			r.logger.Warn("record sent message id", "envelope", env.ShortID(), "error", uerr)
		} else {
			env.Metadata = md
		}
	}
	if _, err := r.store.MarkEnvelopeDone(ctx, env.ID); err != nil {
		return err
	}
	r.logger.Info("envelope delivered",
		"envelope", env.ShortID(), "to", env.To, "message_id", messageID)
	r.bus.Publish(bus.TopicEnvelopeDone, bus.EnvelopeEvent{
		EnvelopeID:     env.ID,
		From:           env.From,
		To:             env.To,
		Agent:          sender.Agent,
		CronScheduleID: env.Metadata.CronScheduleID,
	})
	return nil
}

// failDelivery records the classification on the envelope (which stays
// pending) and returns the matching DeliveryError.
func (r *Router) failDelivery(ctx context.Context, env *persistence.Envelope, kind, detail, hint string) error {
	rec := persistence.DeliveryError{
		Kind:   kind,
		Detail: detail,
		Hint:   hint,
		At:     clock.ToMillis(r.clk.Now()),
	}
	if err := r.store.RecordDeliveryError(ctx, env.ID, rec); err != nil {
		r.logger.Warn("record delivery error", "envelope", env.ShortID(), "error", err)
	}
	r.logger.Warn("envelope delivery failed",
		"envelope", env.ShortID(), "to", env.To, "kind", kind, "detail", detail)
	return &DeliveryError{EnvelopeID: env.ID, Kind: kind, Detail: detail, Hint: hint}
}

// resolveReplyTo maps replyToEnvelopeId to the parent's platform message
// id, but only when the parent sits in the same chat on the same adapter;
// anything else sends unthreaded. The legacy replyToMessageId metadata key
// is carried through storage untouched and never consulted here.
func (r *Router) resolveReplyTo(ctx context.Context, env *persistence.Envelope, dest address.Address) string {
	ref := env.Metadata.ReplyToEnvelopeID
	if ref == "" {
		return ""
	}
	parent, err := r.store.FindEnvelopeByIDPrefix(ctx, ref)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			r.logger.Warn("resolve reply parent", "envelope", env.ShortID(), "ref", ref, "error", err)
		}
		return ""
	}
	if parent.Metadata.ChannelMessageID == "" {
		return ""
	}
	// The chat endpoint is the parent's From for inbound messages and its
	// To for previously sent replies.
	for _, raw := range []string{parent.From, parent.To} {
		a, err := address.Parse(raw)
		if err == nil && a.Kind == address.KindChannel &&
			a.AdapterType == dest.AdapterType && a.ChatID == dest.ChatID {
			return parent.Metadata.ChannelMessageID
		}
	}
	return ""
}

// isBoss matches the author's username, stripped of a leading @, against
// the configured adapter_boss_id_<type> value, case-insensitively. No
// configured boss id means nobody is the boss on that adapter.
func (r *Router) isBoss(ctx context.Context, adapterType, username string) bool {
	if username == "" {
		return false
	}
	want, err := r.store.GetConfig(ctx, persistence.BossIDKey(adapterType))
	if err != nil || want == "" {
		return false
	}
	return strings.EqualFold(strings.TrimPrefix(username, "@"), strings.TrimPrefix(want, "@"))
}

func (r *Router) publishCreated(env *persistence.Envelope) {
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
	r.bus.Publish(bus.TopicEnvelopeCreated, ev)
}

// classifySendError turns an adapter failure into the recorded detail line
// plus an operator hint for the common Telegram rejections.
func classifySendError(adapterType string, err error) (detail, hint string) {
	var sendErr *channels.SendError
	if !errors.As(err, &sendErr) {
		return err.Error(), ""
	}
	detail = fmt.Sprintf("%s %d: %s", adapterType, sendErr.Code, sendErr.Description)
	desc := strings.ToLower(sendErr.Description)
	switch {
	case strings.Contains(desc, "can't parse entities"):
		hint = `the text does not parse under the requested parseMode; fix the markup or resend with parseMode "plain"`
	case sendErr.Code == 403:
		hint = "the bot was blocked or removed from the chat"
	case strings.Contains(desc, "chat not found"):
		hint = "the chat id no longer resolves; re-check the binding and chat"
	case sendErr.Code == 429:
		hint = "platform rate limit; the envelope stays pending and retries"
	}
	return detail, hint
}
