// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesWithLink   prometheus.Counter
	DownloadsStarted   prometheus.Counter
	DownloadsFailed    *prometheus.CounterVec // label: reason
	DownloadsSucceeded prometheus.Counter
	FetchAttempts      prometheus.Counter
	DeliveriesSent     prometheus.Counter
	DeliveriesFailed   prometheus.Counter
	PlatformConflicts  prometheus.Counter
	TempFilesSwept     prometheus.Counter
	SelectionsTotal    *prometheus.CounterVec // label: kind

	// Histograms (seconds)
	DownloadDuration prometheus.Observer
	DeliveryDuration prometheus.Observer
	RequestDuration  prometheus.Observer

	// Gauges
	ActiveDownloadsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesWithLink = promauto.NewCounter(prometheus.CounterOpts{Name: "tubedrop_messages_with_link_total", Help: "Chat messages that contained a recognized link"})
		DownloadsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "tubedrop_downloads_started_total", Help: "Number of downloads started"})
		DownloadsFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tubedrop_downloads_failed_total", Help: "Number of downloads failed"}, []string{"reason"})
		DownloadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "tubedrop_downloads_succeeded_total", Help: "Number of downloads succeeded"})
		FetchAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "tubedrop_fetch_attempts_total", Help: "Number of yt-dlp fetch attempts, retries included"})
		DeliveriesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "tubedrop_deliveries_sent_total", Help: "Videos delivered to chat"})
		DeliveriesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "tubedrop_deliveries_failed_total", Help: "Video deliveries rejected by the chat platform"})
		PlatformConflicts = promauto.NewCounter(prometheus.CounterOpts{Name: "tubedrop_platform_conflicts_total", Help: "Polling conflicts reported by the chat platform"})
		TempFilesSwept = promauto.NewCounter(prometheus.CounterOpts{Name: "tubedrop_temp_files_swept_total", Help: "Stale temporary files removed by the sweeper"})
		SelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tubedrop_selections_total", Help: "Format selections by kind"}, []string{"kind"})
		DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tubedrop_download_duration_seconds", Help: "Download duration seconds", Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600}})
		DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tubedrop_delivery_duration_seconds", Help: "Delivery duration seconds", Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120}})
		RequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tubedrop_request_duration_seconds", Help: "End-to-end request duration seconds", Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900}})
		ActiveDownloadsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "tubedrop_active_downloads", Help: "Downloads currently holding a concurrency slot"})
	})
}

// RecordSelection counts a resolver decision by kind.
func RecordSelection(kind string) {
	if SelectionsTotal != nil {
		SelectionsTotal.WithLabelValues(kind).Inc()
	}
}

// RecordDownloadFailure counts a failed download by reason.
func RecordDownloadFailure(reason string) {
	if DownloadsFailed != nil {
		DownloadsFailed.WithLabelValues(reason).Inc()
	}
}

// SetActiveDownloads records the number of occupied download slots.
func SetActiveDownloads(n int) {
	if ActiveDownloadsGauge != nil {
		ActiveDownloadsGauge.Set(float64(n))
	}
}

// Inc increments c when it has been initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Observe records d in obs when it has been initialized.
func Observe(obs prometheus.Observer, d time.Duration) {
	if obs != nil {
		obs.Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	Observe(obs, d)
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
