// Package channels hosts the platform adapters. An adapter owns one bot
// credential on one platform: it long-polls for inbound messages and sends
// outbound envelope content. The registry keeps exactly one adapter running
// per (adapter type, adapter token) pair that some agent binding references.
package channels

import (
	"context"
	"fmt"

	"github.com/hiboss/hi-boss/internal/persistence"
)

// SendOptions tunes one outbound send.
type SendOptions struct {
	// ParseMode is passed through to the platform ("markdown", "html", ...).
	// Empty means plain text.
	ParseMode string
	// ReplyToMessageID threads the message under a platform message id.
	ReplyToMessageID string
}

// Adapter is a live connection to a messaging platform under one credential.
type Adapter interface {
	// Type is the adapter type, e.g. "telegram".
	Type() string
	// Token is the platform credential this adapter serves.
	Token() string

	// Start long-polls for inbound messages until ctx is canceled. It
	// retries transport failures internally with backoff and only returns
	// on cancellation.
	Start(ctx context.Context) error

	// SendMessage delivers content to a chat and returns the platform
	// message id of the sent message. Send failures are *SendError when the
	// platform rejected the call.
	SendMessage(ctx context.Context, chatID string, content persistence.Content, opts SendOptions) (string, error)

	// SetReaction puts an emoji reaction on a platform message.
	SetReaction(ctx context.Context, chatID, messageID, emoji string) error
}

// InboundMessage is a platform message normalized for the router.
type InboundMessage struct {
	AdapterType  string
	AdapterToken string

	ChatID   string
	ChatName string // empty for private chats

	MessageID string

	AuthorID          string
	AuthorUsername    string
	AuthorDisplayName string

	Text        string
	Attachments []persistence.Attachment

	// InReplyToMessageID is the platform message id this message replies
	// to, when the platform reports one.
	InReplyToMessageID string
}

// InboundHandler receives normalized inbound messages; the router
// implements it.
type InboundHandler interface {
	InboundFromChannel(ctx context.Context, msg InboundMessage) error
}

// SendError is a platform rejection with enough detail for the router to
// classify the failure and attach a hint.
type SendError struct {
	Code        int
	Description string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send rejected (%d): %s", e.Code, e.Description)
}
