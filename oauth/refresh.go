// Package oauth keeps a user access token fresh in memory. Tokens are seeded
// from the environment at startup and refreshed with a provider-specific
// RefreshFunc, either on demand or by a jittered background loop.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, error).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, error)

// ErrNoToken is returned when the holder has neither an access nor a refresh token.
var ErrNoToken = errors.New("oauth: no token available")

// Holder owns one provider's token pair.
type Holder struct {
	Provider string
	// Window triggers a refresh when the remaining lifetime drops below it.
	Window  time.Duration
	Refresh RefreshFunc

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// NewHolder seeds a holder. A zero expiry means the access token is treated
// as valid until a request rejects it.
func NewHolder(provider, accessToken, refreshToken string, expiresAt time.Time, fn RefreshFunc) *Holder {
	return &Holder{
		Provider:     provider,
		Window:       15 * time.Minute,
		Refresh:      fn,
		accessToken:  accessToken,
		refreshToken: refreshToken,
		expiresAt:    expiresAt,
	}
}

// Set replaces the stored token pair.
func (h *Holder) Set(accessToken, refreshToken string, expiresAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accessToken = accessToken
	if refreshToken != "" {
		h.refreshToken = refreshToken
	}
	h.expiresAt = expiresAt
}

// ExpiresAt reports the current expiry.
func (h *Holder) ExpiresAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expiresAt
}

// Invalidate forces the next Get to refresh.
func (h *Holder) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refreshToken != "" && h.Refresh != nil {
		h.accessToken = ""
	}
}

// Get returns a usable access token, refreshing first when it is due.
func (h *Holder) Get(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.accessToken != "" && !h.dueLocked() {
		return h.accessToken, nil
	}
	if err := h.refreshLocked(ctx); err != nil {
		if h.accessToken != "" {
			slog.Warn("token refresh failed, using current token", slog.String("provider", h.Provider), slog.Any("err", err))
			return h.accessToken, nil
		}
		return "", err
	}
	return h.accessToken, nil
}

// RefreshIfDue refreshes when the token is inside the refresh window.
// It reports whether a refresh happened.
func (h *Holder) RefreshIfDue(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.accessToken != "" && !h.dueLocked() {
		return false, nil
	}
	if err := h.refreshLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (h *Holder) dueLocked() bool {
	if h.expiresAt.IsZero() {
		return false
	}
	return time.Until(h.expiresAt) <= h.Window
}

func (h *Holder) refreshLocked(ctx context.Context) error {
	if h.refreshToken == "" || h.Refresh == nil {
		if h.accessToken == "" {
			return ErrNoToken
		}
		return errors.New("oauth: token cannot be refreshed without a refresh token")
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	at, rt, exp, err := h.Refresh(ctx2, h.refreshToken)
	if err != nil {
		return err
	}
	h.accessToken = at
	if rt != "" {
		h.refreshToken = rt
	}
	h.expiresAt = exp
	slog.Info("token refreshed", slog.String("provider", h.Provider), slog.Time("expires_at", exp))
	return nil
}

// StartRefresher launches a goroutine that periodically checks the holder and
// refreshes it when expiry falls within its window.
// interval: how often to wake up and check.
func StartRefresher(ctx context.Context, h *Holder, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			if _, err := h.RefreshIfDue(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("token refresh failed", slog.String("provider", h.Provider), slog.Any("err", err))
			}
			// Per-iteration jitter of ±20% of interval.
			jitterRange := int64(interval / 5)
			var jitter time.Duration
			if jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				jitter = time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}
