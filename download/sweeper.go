package download

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/onnwee/tubedrop/telemetry"
)

// Sweeper removes request artifacts left behind by a crash or a killed
// process. Only names starting with RequestPrefix are touched.
type Sweeper struct {
	Dir      string
	MaxAge   time.Duration
	Interval time.Duration
	// DryRun logs what would be removed without deleting.
	DryRun bool
}

// Run sweeps immediately and then every Interval until ctx is done.
func (s Sweeper) Run(ctx context.Context) {
	if s.MaxAge <= 0 || s.Interval <= 0 {
		slog.Info("temp sweeper disabled", slog.String("dir", s.Dir))
		return
	}
	slog.Info("temp sweeper starting", slog.String("dir", s.Dir), slog.Duration("max_age", s.MaxAge), slog.Duration("interval", s.Interval))

	if _, err := s.SweepOnce(time.Now()); err != nil {
		slog.Warn("temp sweep failed", slog.Any("err", err))
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("temp sweeper stopped")
			return
		case now := <-ticker.C:
			if _, err := s.SweepOnce(now); err != nil {
				slog.Warn("temp sweep failed", slog.Any("err", err))
			}
		}
	}
}

// SweepOnce removes request files last modified before now-MaxAge and
// returns how many were removed.
func (s Sweeper) SweepOnce(now time.Time) (int, error) {
	logger := slog.Default().With(slog.String("component", "temp_sweeper"), slog.Bool("dry_run", s.DryRun))
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}
	cutoff := now.Add(-s.MaxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), RequestPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.Dir, e.Name())
		if s.DryRun {
			logger.Info("would remove stale temp file", slog.String("path", path), slog.Time("mod_time", info.ModTime()))
			continue
		}
		if err := Remove(path); err != nil {
			logger.Warn("remove stale temp file", slog.String("path", path), slog.Any("err", err))
			continue
		}
		removed++
		telemetry.Inc(telemetry.TempFilesSwept)
	}
	if removed > 0 {
		logger.Info("stale temp files removed", slog.Int("count", removed))
	}
	return removed, nil
}
