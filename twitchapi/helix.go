// Package twitchapi contains minimal helpers for the Twitch Helix API: user id
// resolution with an app token, and sending or deleting chat messages as the
// bot user.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const helixBase = "https://api.twitch.tv/helix"

// TokenGetter yields a bearer token.
type TokenGetter interface {
	Get(ctx context.Context) (string, error)
}

// StatusError is returned for non-2xx Helix responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("helix: status %d: %s", e.Code, e.Body)
}

// ErrMessageDropped means Helix accepted the request but did not post the message.
var ErrMessageDropped = errors.New("chat message dropped")

// HelixClient calls Helix. AppTokenSource serves read endpoints; UserToken is
// the bot's user token, needed to post and delete chat messages.
type HelixClient struct {
	AppTokenSource TokenGetter
	UserToken      TokenGetter
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// invalidator is implemented by token sources that can drop a cached token.
type invalidator interface {
	Invalidate()
}

// do sends one Helix request. A 401 invalidates a cached token and retries once.
func (hc *HelixClient) do(ctx context.Context, tokens TokenGetter, method, path string, query map[string]string, body any, out any) error {
	if tokens == nil {
		return errors.New("helix: no token source configured")
	}
	err := hc.doOnce(ctx, tokens, method, path, query, body, out)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		if inv, ok := tokens.(invalidator); ok {
			slog.Debug("helix token rejected, refreshing", slog.String("path", path))
			inv.Invalidate()
			return hc.doOnce(ctx, tokens, method, path, query, body, out)
		}
	}
	return err
}

func (hc *HelixClient) doOnce(ctx context.Context, tokens TokenGetter, method, path string, query map[string]string, body any, out any) error {
	tok, err := tokens.Get(ctx)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, helixBase+path, reader)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	tokens := hc.AppTokenSource
	if tokens == nil {
		tokens = hc.UserToken
	}
	if err := hc.do(ctx, tokens, http.MethodGet, "/users", map[string]string{"login": login}, nil, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// SendChatMessage posts message to the broadcaster's chat as senderID and
// returns the new message id.
func (hc *HelixClient) SendChatMessage(ctx context.Context, broadcasterID, senderID, message string) (string, error) {
	if broadcasterID == "" || senderID == "" {
		return "", fmt.Errorf("broadcaster and sender ids required")
	}
	payload := map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        message,
	}
	var body struct {
		Data []struct {
			MessageID  string `json:"message_id"`
			IsSent     bool   `json:"is_sent"`
			DropReason *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"drop_reason"`
		} `json:"data"`
	}
	if err := hc.do(ctx, hc.UserToken, http.MethodPost, "/chat/messages", nil, payload, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("helix: empty send chat response")
	}
	d := body.Data[0]
	if !d.IsSent {
		reason := "unknown"
		if d.DropReason != nil {
			reason = d.DropReason.Code + ": " + d.DropReason.Message
		}
		return "", fmt.Errorf("%w: %s", ErrMessageDropped, reason)
	}
	return d.MessageID, nil
}

// DeleteChatMessage removes a message; moderatorID must have moderator rights
// in the broadcaster's channel.
func (hc *HelixClient) DeleteChatMessage(ctx context.Context, broadcasterID, moderatorID, messageID string) error {
	if messageID == "" {
		return nil
	}
	q := map[string]string{
		"broadcaster_id": broadcasterID,
		"moderator_id":   moderatorID,
		"message_id":     messageID,
	}
	return hc.do(ctx, hc.UserToken, http.MethodDelete, "/moderation/chat", q, nil, nil)
}
