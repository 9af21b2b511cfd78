package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/tubedrop/media"
	"github.com/onnwee/tubedrop/source"
	"github.com/onnwee/tubedrop/telemetry"
)

// Fetcher downloads a resolved selection and returns the artifact path.
// *source.YtDLP implements it.
type Fetcher interface {
	Fetch(ctx context.Context, spec source.FetchSpec) (string, error)
}

// Orchestrator drives Probing -> Selecting -> Fetching -> {Succeeded, Failed}.
type Orchestrator struct {
	Prober  source.Prober
	Fetcher Fetcher
	Policy  RetryPolicy
	// Slots and Workspace are optional.
	Slots     *Slots
	Workspace *Workspace
	// OnState is called on every transition, terminal states included.
	OnState func(State)
}

// Download fetches url into a file starting with outputBase. Every failure
// collapses into a Failed result and leaves no outputBase.* file behind.
func (o *Orchestrator) Download(ctx context.Context, url, outputBase string) Result {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "tubedrop/download", "download", telemetry.MediaURLAttr(url))
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "download"), slog.String("url", url))
	telemetry.Inc(telemetry.DownloadsStarted)

	res := o.run(ctx, logger, url, outputBase)
	o.transition(logger, res.State)
	span.SetAttributes(telemetry.SelectionAttr(res.Selection.String()), telemetry.AttemptAttr(res.Attempts))
	dur := time.Since(start)
	telemetry.Observe(telemetry.DownloadDuration, dur)

	if res.OK() {
		telemetry.Inc(telemetry.DownloadsSucceeded)
		telemetry.SetSpanSuccess(span)
		logger.Info("download complete", slog.String("path", res.Path), slog.String("selection", res.Selection.String()), slog.Int("attempts", res.Attempts), slog.Duration("download_duration", dur))
		return res
	}
	source.RemoveArtifacts(outputBase)
	telemetry.RecordDownloadFailure(string(res.Reason))
	telemetry.RecordError(span, res.Err)
	logger.Warn("download failed", slog.String("reason", string(res.Reason)), slog.Int("attempts", res.Attempts), slog.Any("err", res.Err), slog.Duration("download_duration", dur))
	return res
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, url, outputBase string) Result {
	o.transition(logger, Probing)
	renditions, err := o.Prober.Probe(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return Failure(ReasonCancelled, ctx.Err())
		}
		return Failure(ReasonProbeFailed, fmt.Errorf("%w: %w", ErrProbeFailed, err))
	}

	o.transition(logger, Selecting)
	sel := media.Resolve(renditions)
	telemetry.RecordSelection(sel.Kind.String())
	logger.Debug("format selected", slog.String("selection", sel.String()), slog.Int("renditions", len(renditions)))
	if o.Workspace != nil {
		if err := o.Workspace.Preflight(sel.ApproxSize(renditions)); err != nil {
			res := Failure(ReasonInsufficientSpace, err)
			res.Selection = sel
			return res
		}
	}

	o.transition(logger, Fetching)
	if o.Slots != nil {
		if !o.Slots.Acquire(ctx) {
			res := Failure(ReasonCancelled, ctx.Err())
			res.Selection = sel
			return res
		}
		defer o.Slots.Release()
	}

	req := Request{URL: url, Selection: sel, OutputPath: outputBase}
	path, attempts, err := o.fetchWithRetry(ctx, logger, req)
	if err != nil {
		reason := ReasonFetchFailed
		if errors.Is(err, context.Canceled) {
			reason = ReasonCancelled
		} else {
			err = fmt.Errorf("%w after %d attempt(s): %w", ErrFetchFailed, attempts, err)
		}
		res := Failure(reason, err)
		res.Selection, res.Attempts = sel, attempts
		return res
	}
	res := Success(path)
	res.Selection, res.Attempts = sel, attempts
	return res
}

// fetchWithRetry runs up to Policy.FetchAttempts fetches with exponential
// backoff and jitter between them. Fatal errors end the loop early.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, logger *slog.Logger, req Request) (string, int, error) {
	spec := source.FetchSpec{
		URL:             req.URL,
		Format:          req.Selection.FormatSpec(),
		OutputBase:      req.OutputPath,
		FragmentRetries: o.Policy.FragmentRetries,
	}
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < o.Policy.attempts(); attempt++ {
		if attempt > 0 {
			backoff := o.Policy.Backoff(attempt)
			logger.Warn("retrying download", slog.Int("attempt", attempt+1), slog.Duration("backoff", backoff), slog.Any("err", lastErr))
			if err := sleep(ctx, backoff); err != nil {
				return "", attempts, err
			}
		}
		attempts++
		telemetry.Inc(telemetry.FetchAttempts)
		trace.SpanFromContext(ctx).AddEvent("fetch", trace.WithAttributes(telemetry.AttemptAttr(attempts)))
		path, err := o.Fetcher.Fetch(ctx, spec)
		if err == nil {
			return path, attempts, nil
		}
		lastErr = err
		source.RemoveArtifacts(req.OutputPath)
		if ctx.Err() != nil {
			return "", attempts, ctx.Err()
		}
		if source.IsFatal(err) {
			logger.Info("fatal download error, not retrying", slog.Any("err", err))
			break
		}
	}
	return "", attempts, lastErr
}

func (o *Orchestrator) transition(logger *slog.Logger, s State) {
	logger.Debug("download state", slog.String("state", s.String()))
	if o.OnState != nil {
		o.OnState(s)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
