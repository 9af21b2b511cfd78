package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/tubedrop/chat"
	"github.com/onnwee/tubedrop/download"
	"github.com/onnwee/tubedrop/telemetry"
)

// FailureNotice replaces the status message when a request fails.
const FailureNotice = "❌ Could not download the video. Check the link."

// Caption credits the requester on a delivered video.
func Caption(requester string) string {
	return "🎬 Video downloaded for @" + requester
}

// Deliverer sends the outcome of a download back to the conversation.
type Deliverer struct {
	Platform chat.Platform
}

// Deliver uploads a successful download or posts the failure notice. A
// rejected upload also gets the notice, so every request ends with exactly
// one reply. The artifact is removed before Deliver returns, whatever
// happens while sending.
func (d *Deliverer) Deliver(ctx context.Context, res download.Result, rc *RequestContext) error {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "delivery"), slog.String("chat_id", rc.ChatID))
	if res.Path != "" {
		defer func() {
			if err := download.Remove(res.Path); err != nil {
				logger.Error("remove artifact", slog.String("path", res.Path), slog.Any("err", err))
			}
		}()
	}

	if !res.OK() {
		return d.notifyFailure(ctx, logger, rc)
	}

	ctx, span := telemetry.StartSpan(ctx, "tubedrop/delivery", "deliver", telemetry.ChatIDAttr(rc.ChatID))
	defer span.End()
	start := time.Now()
	err := d.Platform.SendVideo(ctx, rc.ChatID, res.Path, Caption(rc.RequesterDisplayName))
	telemetry.Observe(telemetry.DeliveryDuration, time.Since(start))
	if err != nil {
		if !errors.Is(err, chat.ErrDeliveryFailed) {
			err = fmt.Errorf("%w: %w", chat.ErrDeliveryFailed, err)
		}
		telemetry.Inc(telemetry.DeliveriesFailed)
		telemetry.RecordError(span, err)
		logger.Warn("video delivery failed", slog.Any("err", err))
		if nerr := d.notifyFailure(ctx, logger, rc); nerr != nil {
			return errors.Join(err, nerr)
		}
		return err
	}
	telemetry.Inc(telemetry.DeliveriesSent)
	telemetry.SetSpanSuccess(span)
	logger.Info("video delivered", slog.String("requester", rc.RequesterDisplayName), slog.Duration("delivery_duration", time.Since(start)))
	return nil
}

func (d *Deliverer) notifyFailure(ctx context.Context, logger *slog.Logger, rc *RequestContext) error {
	if _, err := d.Platform.SendText(ctx, rc.ChatID, FailureNotice); err != nil {
		logger.Warn("send failure notice", slog.Any("err", err))
		return fmt.Errorf("send failure notice: %w", err)
	}
	return nil
}
