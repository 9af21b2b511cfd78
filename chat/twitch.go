package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"golang.org/x/time/rate"

	"github.com/onnwee/tubedrop/twitchapi"
)

// TwitchIRC is the subset of *twitch.Client the adapter uses.
type TwitchIRC interface {
	OnConnect(func())
	OnPrivateMessage(func(twitch.PrivateMessage))
	Join(channels ...string)
	Connect() error
	Disconnect() error
}

// HelixChat posts and removes chat messages as the bot.
type HelixChat interface {
	GetUserID(ctx context.Context, login string) (string, error)
	SendChatMessage(ctx context.Context, broadcasterID, senderID, message string) (string, error)
	DeleteChatMessage(ctx context.Context, broadcasterID, moderatorID, messageID string) error
}

// VideoUploader hosts a file and returns a public link to it.
type VideoUploader interface {
	Upload(ctx context.Context, path, title, description string) (string, error)
}

// TwitchOptions configures the Twitch adapter.
type TwitchOptions struct {
	Channel     string
	BotUsername string
	// ReconnectBackoff is the wait before reconnecting after IRC drops.
	ReconnectBackoff time.Duration
	// SendRate is outbound Helix calls per second; zero disables limiting.
	SendRate float64
}

// Twitch is the IRC + Helix adapter.
type Twitch struct {
	irc      TwitchIRC
	helix    HelixChat
	uploader VideoUploader
	opts     TwitchOptions
	limiter  *rate.Limiter

	connected atomic.Bool
	idMu      sync.Mutex
	botID     string
}

// NewTwitch builds an IRC client for the bot account. oauthToken may carry
// the "oauth:" prefix or not.
func NewTwitch(opts TwitchOptions, oauthToken string, helix HelixChat, uploader VideoUploader) *Twitch {
	client := twitch.NewClient(opts.BotUsername, "oauth:"+twitchapi.NormalizeUserToken(oauthToken))
	return NewTwitchWithIRC(client, opts, helix, uploader)
}

// NewTwitchWithIRC wraps an existing IRC client.
func NewTwitchWithIRC(irc TwitchIRC, opts TwitchOptions, helix HelixChat, uploader VideoUploader) *Twitch {
	opts.Channel = strings.ToLower(strings.TrimPrefix(opts.Channel, "#"))
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = 5 * time.Second
	}
	t := &Twitch{irc: irc, helix: helix, uploader: uploader, opts: opts}
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
func (t *Twitch) Name() string { return "twitch" }

// Connected implements Adapter.
func (t *Twitch) Connected() bool { return t.connected.Load() }

// Run joins the configured channel and dispatches messages until ctx is done.
func (t *Twitch) Run(ctx context.Context, h Handler) error {
	if t.opts.Channel == "" || t.opts.BotUsername == "" {
		return errors.New("twitch channel and bot username are required")
	}
	logger := slog.Default().With(slog.String("component", "twitch"), slog.String("channel", t.opts.Channel))

	t.irc.OnConnect(func() {
		t.connected.Store(true)
		logger.Info("twitch chat connected")
	})
	t.irc.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		ev, ok := eventFromPrivateMessage(msg, t.opts.BotUsername)
		if !ok {
			return
		}
		h(ctx, ev)
	})
	t.irc.Join(t.opts.Channel)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			if err := t.irc.Disconnect(); err != nil {
				logger.Debug("twitch disconnect", slog.Any("err", err))
			}
		case <-stop:
		}
	}()

	for {
		err := t.irc.Connect()
		t.connected.Store(false)
		if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
			logger.Info("twitch chat stopped")
			return nil
		}
		if errors.Is(err, twitch.ErrLoginAuthenticationFailed) {
			return fmt.Errorf("twitch login: %w", err)
		}
		logger.Warn("twitch chat connection lost", slog.Duration("backoff", t.opts.ReconnectBackoff), slog.Any("err", err))
		timer := time.NewTimer(t.opts.ReconnectBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// eventFromPrivateMessage drops the bot's own lines and "!" commands.
func eventFromPrivateMessage(msg twitch.PrivateMessage, botLogin string) (Event, bool) {
	text := strings.TrimSpace(msg.Message)
	if text == "" || strings.HasPrefix(text, "!") || strings.EqualFold(msg.User.Name, botLogin) {
		return Event{}, false
	}
	ev := Event{
		Text:      msg.Message,
		ChatID:    msg.RoomID,
		MessageID: msg.ID,
		ChatKind:  "channel",
		Platform:  "twitch",
	}
	name := msg.User.DisplayName
	if name == "" {
		name = msg.User.Name
	}
	if name != "" {
		ev.SenderDisplayName = &name
	}
	return ev, true
}

// senderID resolves and caches the bot's user id.
func (t *Twitch) senderID(ctx context.Context) (string, error) {
	t.idMu.Lock()
	defer t.idMu.Unlock()
	if t.botID != "" {
		return t.botID, nil
	}
	id, err := t.helix.GetUserID(ctx, t.opts.BotUsername)
	if err != nil {
		return "", fmt.Errorf("resolve bot user id: %w", err)
	}
	t.botID = id
	return id, nil
}

func (t *Twitch) wait(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}

// SendText implements Platform. chatID is the broadcaster's user id.
func (t *Twitch) SendText(ctx context.Context, chatID, text string) (MessageHandle, error) {
	sender, err := t.senderID(ctx)
	if err != nil {
		return MessageHandle{}, err
	}
	if err := t.wait(ctx); err != nil {
		return MessageHandle{}, err
	}
	id, err := t.helix.SendChatMessage(ctx, chatID, sender, text)
	if err != nil {
		return MessageHandle{}, fmt.Errorf("twitch send message: %w", err)
	}
	return MessageHandle{ChatID: chatID, MessageID: id}, nil
}

// DeleteMessage implements Platform. The bot must moderate the channel.
func (t *Twitch) DeleteMessage(ctx context.Context, h MessageHandle) error {
	if h.IsZero() {
		return nil
	}
	moderator, err := t.senderID(ctx)
	if err != nil {
		return err
	}
	if err := t.wait(ctx); err != nil {
		return err
	}
	if err := t.helix.DeleteChatMessage(ctx, h.ChatID, moderator, h.MessageID); err != nil {
		return fmt.Errorf("twitch delete message: %w", err)
	}
	return nil
}

// SendVideo implements Platform by uploading the file and posting its link
// with the caption.
func (t *Twitch) SendVideo(ctx context.Context, chatID, path, caption string) error {
	if t.uploader == nil {
		return fmt.Errorf("%w: no video host configured for twitch", ErrDeliveryFailed)
	}
	link, err := t.uploader.Upload(ctx, path, videoTitle(caption), "Shared in twitch.tv/"+t.opts.Channel)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	if _, err := t.SendText(ctx, chatID, caption+" "+link); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}

// videoTitle fits s into YouTube's 100 character title limit.
func videoTitle(s string) string {
	s = strings.NewReplacer("<", "", ">", "").Replace(s)
	r := []rune(s)
	if len(r) > 100 {
		return string(r[:100])
	}
	return s
}
