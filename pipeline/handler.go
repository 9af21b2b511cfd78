// Package pipeline runs one chat message through the bot: link detection,
// status message, download, delivery and cleanup.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/tubedrop/chat"
	"github.com/onnwee/tubedrop/download"
	"github.com/onnwee/tubedrop/link"
	"github.com/onnwee/tubedrop/source"
	"github.com/onnwee/tubedrop/telemetry"
)

// ErrLinkNotFound means the message had no supported link and was ignored.
var ErrLinkNotFound = errors.New("no supported link in message")

// UnknownRequester is used when the sender has no display name.
const UnknownRequester = "Unknown"

// RequestContext is owned by a single request.
type RequestContext struct {
	RequestID            string
	ChatID               string
	RequesterDisplayName string
	StatusMessage        chat.MessageHandle
	// OutputBase is the artifact path without extension.
	OutputBase string
}

// Downloader is satisfied by *download.Orchestrator.
type Downloader interface {
	Download(ctx context.Context, url, outputBase string) download.Result
}

// Handler wires the stages together.
type Handler struct {
	Downloader Downloader
	Workspace  *download.Workspace
	Notifier   *Notifier
	Deliverer  *Deliverer
	// Gate is optional; without it requests of one chat may overlap.
	Gate *Gate
	// FinishTimeout bounds delivery and cleanup once the request context
	// has been cancelled.
	FinishTimeout time.Duration

	inflight sync.WaitGroup
}

// NewHandler builds a handler around one platform.
func NewHandler(p chat.Platform, d Downloader, ws *download.Workspace) *Handler {
	return &Handler{
		Downloader:    d,
		Workspace:     ws,
		Notifier:      &Notifier{Platform: p},
		Deliverer:     &Deliverer{Platform: p},
		Gate:          NewGate(),
		FinishTimeout: 2 * time.Minute,
	}
}

// OnEvent adapts Handle to chat.Handler. The request is counted before its
// goroutine starts, so a Wait that follows the adapter's Run sees it.
func (h *Handler) OnEvent(ctx context.Context, ev chat.Event) {
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		if err := h.Handle(ctx, ev); err != nil && !errors.Is(err, ErrLinkNotFound) {
			slog.Debug("request ended with error", slog.String("chat_id", ev.ChatID), slog.Any("err", err))
		}
	}()
}

// Wait blocks until in-flight requests finish or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle processes one chat event. Messages without a link return
// ErrLinkNotFound and cause no chat traffic.
func (h *Handler) Handle(ctx context.Context, ev chat.Event) error {
	m, ok := link.Detect(ev.Text)
	if !ok {
		return ErrLinkNotFound
	}
	h.inflight.Add(1)
	defer h.inflight.Done()
	telemetry.Inc(telemetry.MessagesWithLink)

	id, base := h.Workspace.NewRequest()
	ctx = telemetry.WithCorrelation(ctx, id)
	rc := &RequestContext{
		RequestID:            id,
		ChatID:               ev.ChatID,
		RequesterDisplayName: UnknownRequester,
		OutputBase:           base,
	}
	if ev.SenderDisplayName != nil && *ev.SenderDisplayName != "" {
		rc.RequesterDisplayName = *ev.SenderDisplayName
	}
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "pipeline"),
		slog.String("chat_id", ev.ChatID),
		slog.String("request_id", id),
	)
	logger.Info("link found",
		slog.String("kind", m.Kind.String()),
		slog.String("chat_kind", string(ev.ChatKind)),
		slog.String("requester", rc.RequesterDisplayName),
		slog.String("url", m.URL),
	)

	if h.Gate != nil {
		release, err := h.Gate.Acquire(ctx, ev.Platform+":"+ev.ChatID)
		if err != nil {
			return err
		}
		defer release()
	}

	ctx, span := telemetry.StartSpan(ctx, "tubedrop/pipeline", "request", telemetry.ChatIDAttr(ev.ChatID), telemetry.PlatformAttr(ev.Platform), telemetry.MediaURLAttr(m.URL))
	defer span.End()
	start := time.Now()

	rc.StatusMessage = h.Notifier.Post(ctx, rc.ChatID, m.Kind)

	// Delivery and cleanup must run even when ctx is cancelled mid-download.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.finishTimeout())
	defer cancel()
	defer h.Notifier.Remove(finishCtx, rc.StatusMessage)
	defer source.RemoveArtifacts(rc.OutputBase)

	res := h.Downloader.Download(ctx, m.URL, rc.OutputBase)
	err := h.Deliverer.Deliver(finishCtx, res, rc)

	telemetry.Observe(telemetry.RequestDuration, time.Since(start))
	switch {
	case !res.OK():
		telemetry.RecordError(span, res.Err)
		logger.Warn("request failed", slog.String("reason", string(res.Reason)), slog.Any("err", res.Err))
		return res.Err
	case err != nil:
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanSuccess(span)
	logger.Info("request complete", slog.Duration("request_duration", time.Since(start)))
	return nil
}

func (h *Handler) finishTimeout() time.Duration {
	if h.FinishTimeout > 0 {
		return h.FinishTimeout
	}
	return 2 * time.Minute
}
