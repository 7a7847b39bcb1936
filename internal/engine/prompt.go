package engine

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/hiboss/hi-boss/internal/address"
	"github.com/hiboss/hi-boss/internal/ids"
	"github.com/hiboss/hi-boss/internal/persistence"
)

// RenderPrompt renders the drained inbox as one provider turn, oldest
// first, envelopes separated by a rule. Timestamps render in loc.
func RenderPrompt(inbox []*persistence.Envelope, loc *time.Location) string {
	parts := make([]string, len(inbox))
	for i, env := range inbox {
		parts[i] = RenderEnvelope(env, loc)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// RenderEnvelope renders one envelope in the layout agents are instructed
// to expect: header lines, a blank line, the body, then any attachments.
// The sender and channel-message-id headers appear only for channel-origin
// envelopes.
func RenderEnvelope(env *persistence.Envelope, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from: %s\n", env.From)
	if from, err := address.Parse(env.From); err == nil && from.Kind == address.KindChannel {
		if line := senderLine(env); line != "" {
			fmt.Fprintf(&b, "sender: %s\n", line)
		}
		if id := env.Metadata.ChannelMessageID; id != "" {
			fmt.Fprintf(&b, "channel-message-id: %s\n", id)
		}
	}
	fmt.Fprintf(&b, "created-at: %s\n", env.CreatedAt.In(loc).Format(time.RFC3339))
	if env.DeliverAt != nil {
		fmt.Fprintf(&b, "deliver-at: %s\n", env.DeliverAt.In(loc).Format(time.RFC3339))
	}
	if env.Metadata.CronScheduleID != "" {
		fmt.Fprintf(&b, "cron-id: %s\n", ids.Short(env.Metadata.CronScheduleID))
	}
	b.WriteString("\n")
	body := strings.TrimSpace(env.Content.Text)
	if body == "" {
		body = "(none)"
	}
	b.WriteString(body)
	if len(env.Content.Attachments) > 0 {
		b.WriteString("\nattachments:")
		for _, att := range env.Content.Attachments {
			fmt.Fprintf(&b, "\n- [%s] %s (%s)",
				attachmentLabel(att), attachmentName(att), attachmentSource(att))
		}
	}
	return b.String()
}

// senderLine is `<name> [boss] in private chat` or `<name> in group "team"`.
func senderLine(env *persistence.Envelope) string {
	author := env.Metadata.Author
	if author == nil {
		return ""
	}
	name := author.DisplayName
	if name == "" {
		name = author.Username
	}
	if name == "" {
		name = author.ID
	}
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(name)
	if env.FromBoss {
		b.WriteString(" [boss]")
	}
	if chat := env.Metadata.Chat; chat != nil && chat.Name != "" {
		fmt.Fprintf(&b, " in group %q", chat.Name)
	} else {
		b.WriteString(" in private chat")
	}
	return b.String()
}

// attachmentLabel classifies for the agent-facing list; the telegram
// adapter keeps its own mapping to platform send methods.
func attachmentLabel(a persistence.Attachment) string {
	name := a.Filename
	if name == "" {
		name = a.Source
	}
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return "image"
	case ".mp3", ".ogg", ".oga", ".m4a", ".wav", ".flac":
		return "audio"
	case ".mp4", ".mov", ".webm":
		return "video"
	default:
		return "file"
	}
}

func attachmentName(a persistence.Attachment) string {
	if a.Filename != "" {
		return a.Filename
	}
	src := a.Source
	if i := strings.IndexAny(src, "?#"); i >= 0 {
		src = src[:i]
	}
	if name := path.Base(src); name != "" && name != "." && name != "/" {
		return name
	}
	return "attachment"
}

func attachmentSource(a persistence.Attachment) string {
	if a.Source != "" {
		return a.Source
	}
	if a.TelegramFileID != "" {
		return "telegram-file-id:" + a.TelegramFileID
	}
	return "unknown"
}

// renderInstructions builds the standing instructions an agent receives at
// session bootstrap: identity, how envelopes look, how to reply through the
// hiboss CLI, and where its durable notes live.
func renderInstructions(ag *persistence.Agent, dataDir string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %q, an agent managed by the hi-boss daemon.\n\n", ag.Name)
	b.WriteString("Work arrives as envelopes. Each envelope starts with header lines\n")
	b.WriteString("(from, created-at and similar), then a blank line, then the message\n")
	b.WriteString("body. Several envelopes in one turn are separated by --- rules.\n\n")
	b.WriteString("To reply, or to message anyone, run the hiboss CLI from this\nworkspace:\n\n")
	b.WriteString("    hiboss envelope send --to <address> <text>\n\n")
	b.WriteString("Addresses look like agent:<name> or channel:<adapter>:<chat-id>.\n")
	b.WriteString("Answer a person by sending to the address in the envelope's from\n")
	b.WriteString("header. HIBOSS_TOKEN and HIBOSS_DIR are already exported for the\n")
	b.WriteString("CLI; never print them.\n\n")
	fmt.Fprintf(&b, "Your durable notes live at %s.\n", MemoryPath(dataDir, ag.Name))
	b.WriteString("Read that file when a session starts and update it when you learn\nsomething worth keeping.\n")
	if ag.Description != "" {
		fmt.Fprintf(&b, "\nYour charter: %s\n", ag.Description)
	}
	return b.String()
}
