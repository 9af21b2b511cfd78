package download

import (
	"context"
	"log/slog"

	"github.com/onnwee/tubedrop/telemetry"
)

// Slots limits concurrent fetches across all conversations.
type Slots struct {
	sem chan struct{}
}

// NewSlots returns a limiter with n slots (minimum 1).
func NewSlots(n int) *Slots {
	if n < 1 {
		n = 1
	}
	slog.Info("download concurrency limit initialized", slog.Int("max_concurrent", n))
	return &Slots{sem: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done. It returns false when
// the context ended first.
func (s *Slots) Acquire(ctx context.Context) bool {
	select {
	case s.sem <- struct{}{}:
		telemetry.SetActiveDownloads(len(s.sem))
		return true
	case <-ctx.Done():
		return false
	}
}

// Release frees a slot taken by Acquire.
func (s *Slots) Release() {
	select {
	case <-s.sem:
		telemetry.SetActiveDownloads(len(s.sem))
	default:
		slog.Warn("download slot release called without corresponding acquire")
	}
}

// Active returns the number of occupied slots.
func (s *Slots) Active() int { return len(s.sem) }

// Max returns the configured capacity.
func (s *Slots) Max() int { return cap(s.sem) }
