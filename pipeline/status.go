package pipeline

import (
	"context"
	"log/slog"

	"github.com/onnwee/tubedrop/chat"
	"github.com/onnwee/tubedrop/link"
	"github.com/onnwee/tubedrop/telemetry"
)

// StatusText is the progress message posted while a link is being fetched.
func StatusText(kind link.Kind) string {
	if kind == link.ShortForm {
		return "🎬 Downloading Shorts, please wait..."
	}
	return "🎥 Downloading video, please wait..."
}

// Notifier posts and removes the progress message of a request.
type Notifier struct {
	Platform chat.Platform
}

// Post sends the status message. A failed post is logged and yields a zero
// handle; the request goes on without it.
func (n *Notifier) Post(ctx context.Context, chatID string, kind link.Kind) chat.MessageHandle {
	h, err := n.Platform.SendText(ctx, chatID, StatusText(kind))
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("post status message", slog.String("chat_id", chatID), slog.Any("err", err))
		return chat.MessageHandle{}
	}
	return h
}

// Remove deletes a posted status message. Zero handles are ignored.
func (n *Notifier) Remove(ctx context.Context, h chat.MessageHandle) {
	if h.IsZero() {
		return
	}
	if err := n.Platform.DeleteMessage(ctx, h); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("remove status message", slog.String("chat_id", h.ChatID), slog.String("message_id", h.MessageID), slog.Any("err", err))
	}
}
