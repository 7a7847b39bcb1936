package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/hiboss/hi-boss/internal/channels"
	"github.com/hiboss/hi-boss/internal/persistence"
)

// parseCommand recognizes the boss control commands. Only /new, /status and
// /abort are control commands; any other slash-prefixed text flows through
// as a normal message. Telegram appends @botname in groups with several
// bots, so that suffix is stripped before matching.
func parseCommand(text string) (cmd, arg string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", "", false
	}
	word, tail, _ := strings.Cut(trimmed, " ")
	if i := strings.Index(word, "@"); i > 0 {
		word = word[:i]
	}
	switch word {
	case "/new", "/status", "/abort":
		return word, strings.TrimSpace(tail), true
	}
	return "", "", false
}

// handleCommand runs a control command against the agent bound to the
// credential the command arrived on. Commands from anyone but the boss are
// dropped without a reply.
func (r *Router) handleCommand(ctx context.Context, msg channels.InboundMessage, binding *persistence.Binding, fromBoss bool, cmd, arg string) error {
	if !fromBoss {
		r.logger.Debug("ignoring control command from non-boss",
			"adapter", msg.AdapterType, "command", cmd)
		return nil
	}
	ctrl := r.agentController()
	if ctrl == nil {
		r.replyText(ctx, msg, "The daemon is still starting, try again in a moment.")
		return nil
	}

	agent := binding.AgentName
	switch cmd {
	case "/new":
		reason := "boss requested a fresh session"
		if arg != "" {
			reason = arg
		}
		ctrl.RequestRefresh(agent, reason)
		r.replyText(ctx, msg, fmt.Sprintf("Session refresh queued for %s; it applies at the next run.", agent))
	case "/status":
		line, err := ctrl.StatusLine(ctx, agent)
		if err != nil {
			r.replyText(ctx, msg, fmt.Sprintf("Status unavailable: %v", err))
			return nil
		}
		r.replyText(ctx, msg, line)
	case "/abort":
		if err := ctrl.Abort(ctx, agent); err != nil {
			r.replyText(ctx, msg, fmt.Sprintf("Abort failed: %v", err))
			return nil
		}
		r.replyText(ctx, msg, fmt.Sprintf("Aborted %s's current run and cleared its queue.", agent))
	}
	r.logger.Info("boss command handled", "command", cmd, "agent", agent)
	return nil
}

// replyText sends a short plain reply back to the chat a message came from,
// threading under the triggering message. Best effort.
func (r *Router) replyText(ctx context.Context, msg channels.InboundMessage, text string) {
	adapter, ok := r.adapters.AdapterFor(msg.AdapterType, msg.AdapterToken)
	if !ok {
		r.logger.Warn("no adapter to reply on", "adapter", msg.AdapterType)
		return
	}
	opts := channels.SendOptions{ReplyToMessageID: msg.MessageID}
	if _, err := adapter.SendMessage(ctx, msg.ChatID, persistence.Content{Text: text}, opts); err != nil {
		r.logger.Warn("command reply failed", "adapter", msg.AdapterType, "error", err)
	}
}
