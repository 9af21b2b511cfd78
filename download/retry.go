package download

import (
	"math/rand"
	"time"
)

// backoffCeiling caps the delay when MaxBackoff is zero.
const backoffCeiling = time.Hour

// RetryPolicy bounds how hard a fetch is retried.
type RetryPolicy struct {
	// FetchAttempts is the total number of yt-dlp runs, first one included.
	FetchAttempts int
	// FragmentRetries is passed to yt-dlp for each segmented stream.
	FragmentRetries int
	// BaseBackoff is the delay unit; attempt n waits BaseBackoff*2^n plus up to BaseBackoff of jitter.
	BaseBackoff time.Duration
	// MaxBackoff caps the computed delay (jitter excluded). Zero means one hour.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns three attempts, three fragment retries and a
// two second base backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		FetchAttempts:   3,
		FragmentRetries: 3,
		BaseBackoff:     2 * time.Second,
		MaxBackoff:      30 * time.Second,
	}
}

func (p RetryPolicy) attempts() int {
	if p.FetchAttempts < 1 {
		return 1
	}
	return p.FetchAttempts
}

// Backoff returns the wait before attempt (zero-based). The first attempt
// never waits.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 || p.BaseBackoff <= 0 {
		return 0
	}
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = backoffCeiling
	}
	backoff := p.BaseBackoff
	for i := 0; i < attempt && backoff < limit; i++ {
		backoff *= 2
	}
	if backoff > limit {
		backoff = limit
	}
	return backoff + time.Duration(rand.Int63n(int64(p.BaseBackoff)))
}
