package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/onnwee/tubedrop/telemetry"
)

// TelegramAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdates(u tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

// TelegramOptions tunes polling and outbound pacing.
type TelegramOptions struct {
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int
	// ConflictBackoff is the fixed wait after a 409 from getUpdates.
	ConflictBackoff time.Duration
	// ErrorBackoff is the wait after any other polling error.
	ErrorBackoff time.Duration
	// SendRate is outbound calls per second; zero disables limiting.
	SendRate float64
	// DropPending skips updates that queued while the bot was offline.
	DropPending bool
}

// DefaultTelegramOptions mirrors the env defaults.
func DefaultTelegramOptions() TelegramOptions {
	return TelegramOptions{
		PollTimeout:     30,
		ConflictBackoff: 5 * time.Second,
		ErrorBackoff:    3 * time.Second,
		SendRate:        20,
		DropPending:     true,
	}
}

// Telegram is the Bot API adapter.
type Telegram struct {
	api       TelegramAPI
	opts      TelegramOptions
	limiter   *rate.Limiter
	connected atomic.Bool
}

// NewTelegram logs in with token. The Bot API verifies the token immediately.
func NewTelegram(token string, opts TelegramOptions) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	slog.Info("telegram bot authorized", slog.String("username", bot.Self.UserName))
	return NewTelegramWithAPI(bot, opts), nil
}

// NewTelegramWithAPI wraps an existing client.
func NewTelegramWithAPI(api TelegramAPI, opts TelegramOptions) *Telegram {
	t := &Telegram{api: api, opts: opts}
	if opts.SendRate > 0 {
		burst := int(opts.SendRate)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(opts.SendRate), burst)
	}
	return t
}

// Name implements Adapter.
func (t *Telegram) Name() string { return "telegram" }

// Connected implements Adapter.
func (t *Telegram) Connected() bool { return t.connected.Load() }

// Run long-polls getUpdates until ctx is done. Conflicts and transport
// errors never end the loop.
func (t *Telegram) Run(ctx context.Context, h Handler) error {
	logger := slog.Default().With(slog.String("component", "telegram"))
	offset := 0
	dropPending := t.opts.DropPending
	logger.Info("telegram polling started", slog.Bool("drop_pending", dropPending))
	for ctx.Err() == nil {
		if dropPending {
			next, err := t.skipPending()
			if err != nil {
				t.pollFailed(ctx, logger, err)
				continue
			}
			offset, dropPending = next, false
			continue
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = t.opts.PollTimeout
		u.AllowedUpdates = []string{"message"}
		updates, err := t.api.GetUpdates(u)
		if err != nil {
			t.pollFailed(ctx, logger, err)
			continue
		}
		t.connected.Store(true)
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			ev, ok := eventFromUpdate(upd)
			if !ok {
				continue
			}
			h(ctx, ev)
		}
	}
	t.connected.Store(false)
	logger.Info("telegram polling stopped")
	return nil
}

// skipPending returns the offset just past the newest queued update.
func (t *Telegram) skipPending() (int, error) {
	u := tgbotapi.NewUpdate(-1)
	u.Timeout = 0
	updates, err := t.api.GetUpdates(u)
	if err != nil {
		return 0, err
	}
	offset := 0
	for _, upd := range updates {
		if upd.UpdateID >= offset {
			offset = upd.UpdateID + 1
		}
	}
	if len(updates) > 0 {
		slog.Info("dropped pending telegram updates", slog.Int("next_offset", offset))
	}
	return offset, nil
}

func (t *Telegram) pollFailed(ctx context.Context, logger *slog.Logger, err error) {
	t.connected.Store(false)
	err = classifyTelegramError(err)
	wait := t.opts.ErrorBackoff
	if errors.Is(err, ErrPlatformConflict) {
		telemetry.Inc(telemetry.PlatformConflicts)
		logger.Warn("another instance is polling with this token; backing off", slog.Duration("backoff", t.opts.ConflictBackoff), slog.Any("err", err))
		wait = t.opts.ConflictBackoff
	} else {
		logger.Warn("telegram polling error", slog.Duration("backoff", wait), slog.Any("err", err))
	}
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// classifyTelegramError wraps 409 responses with ErrPlatformConflict.
func classifyTelegramError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 409 {
		return fmt.Errorf("%w: %w", ErrPlatformConflict, err)
	}
	if strings.Contains(err.Error(), "Conflict: terminated by other getUpdates request") {
		return fmt.Errorf("%w: %w", ErrPlatformConflict, err)
	}
	return err
}

// eventFromUpdate keeps plain text messages; commands and everything else
// are dropped.
func eventFromUpdate(upd tgbotapi.Update) (Event, bool) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.Text == "" || msg.IsCommand() {
		return Event{}, false
	}
	ev := Event{
		Text:      msg.Text,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.MessageID),
		ChatKind:  ChatKind(msg.Chat.Type),
		Platform:  "telegram",
	}
	if msg.From != nil {
		name := msg.From.UserName
		if name == "" {
			name = msg.From.FirstName
		}
		if name != "" {
			ev.SenderDisplayName = &name
		}
	}
	return ev, true
}

func (t *Telegram) wait(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	return id, nil
}

// SendText implements Platform.
func (t *Telegram) SendText(ctx context.Context, chatID, text string) (MessageHandle, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return MessageHandle{}, err
	}
	if err := t.wait(ctx); err != nil {
		return MessageHandle{}, err
	}
	sent, err := t.api.Send(tgbotapi.NewMessage(id, text))
	if err != nil {
		return MessageHandle{}, fmt.Errorf("telegram send message: %w", err)
	}
	return MessageHandle{ChatID: chatID, MessageID: strconv.Itoa(sent.MessageID)}, nil
}

// DeleteMessage implements Platform.
func (t *Telegram) DeleteMessage(ctx context.Context, h MessageHandle) error {
	if h.IsZero() {
		return nil
	}
	id, err := parseChatID(h.ChatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(h.MessageID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", h.MessageID, err)
	}
	if err := t.wait(ctx); err != nil {
		return err
	}
	if _, err := t.api.Request(tgbotapi.NewDeleteMessage(id, msgID)); err != nil {
		return fmt.Errorf("telegram delete message: %w", err)
	}
	return nil
}

// SendVideo implements Platform. Rejections are wrapped with ErrDeliveryFailed.
func (t *Telegram) SendVideo(ctx context.Context, chatID, path, caption string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := t.wait(ctx); err != nil {
		return err
	}
	video := tgbotapi.NewVideo(id, tgbotapi.FilePath(path))
	video.Caption = caption
	video.SupportsStreaming = true
	if _, err := t.api.Send(video); err != nil {
		return fmt.Errorf("%w: telegram send video: %w", ErrDeliveryFailed, err)
	}
	return nil
}
