// Package chat connects the bot to a chat platform.
//
// An adapter does two jobs: it turns inbound platform messages into Events
// and hands them to a Handler, and it implements Platform so the request
// pipeline can post status text, delete it again and deliver videos.
//
// Two adapters exist:
//   - Telegram: long-polls the Bot API, ignores commands, drops updates that
//     queued up while the bot was offline, and backs off when another
//     instance polls with the same token (HTTP 409).
//   - Twitch: reads chat over IRC; replies, deletions and video links go
//     through Helix. Videos are uploaded to YouTube because Twitch chat
//     cannot carry files.
package chat

import (
	"context"
	"errors"
)

var (
	// ErrPlatformConflict means another process is consuming the same bot
	// identity. It is recoverable by waiting.
	ErrPlatformConflict = errors.New("platform conflict")
	// ErrDeliveryFailed means the platform rejected an outbound video.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// ChatKind is the platform's label for a conversation type, e.g. "private",
// "group", "supergroup" or "channel".
type ChatKind string

// Event is one inbound chat message.
type Event struct {
	Text              string
	ChatID            string
	MessageID         string
	SenderDisplayName *string
	ChatKind          ChatKind
	Platform          string
}

// MessageHandle identifies a message the bot posted so it can be deleted.
type MessageHandle struct {
	ChatID    string
	MessageID string
}

// IsZero reports whether the handle refers to nothing.
func (h MessageHandle) IsZero() bool { return h.MessageID == "" }

// Platform is the outbound side used by the pipeline.
type Platform interface {
	SendText(ctx context.Context, chatID, text string) (MessageHandle, error)
	DeleteMessage(ctx context.Context, h MessageHandle) error
	SendVideo(ctx context.Context, chatID, path, caption string) error
}

// Handler accepts one inbound event. Adapters call it from their receive
// loop, so it must hand the work off and return quickly.
type Handler func(ctx context.Context, ev Event)

// Adapter is a connected platform with an inbound loop.
type Adapter interface {
	Platform
	Name() string
	// Run blocks, dispatching events to h until ctx is done.
	Run(ctx context.Context, h Handler) error
	// Connected reports whether the inbound side is currently healthy.
	Connected() bool
}
