package source

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the operation should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the operation should not be retried (permanent errors).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type rule struct {
	kind     error
	patterns []string
}

var (
	// extractorPrefix matches "ERROR: [youtube] <id>: " so video ids never
	// reach the pattern match.
	extractorPrefix = regexp.MustCompile(`(?m)^(?:(?:error|warning):\s*)?\[[^\]]+\]\s+[\w-]+:\s*`)
	statusCode      = regexp.MustCompile(`(?:http error|status code:?)\s*(\d{3})`)
)

// transient covers fragment and socket failures. It runs before the status
// code check because a lost fragment is reported as "fragment N not found".
var transient = rule{ErrNetwork, []string{
	"fragment", "connection reset", "connection refused", "connection timed out", "timed out", "timeout",
	"temporary failure in name resolution", "name or service not known", "no route to host",
	"network is unreachable", "network unreachable", "broken pipe", "partial content", "incomplete download",
}}

// rules are checked in order after status codes; server errors come first
// so that "service unavailable" is not read as "video unavailable".
var rules = []rule{
	{ErrNetwork, []string{"internal server error", "bad gateway", "service unavailable", "gateway timeout"}},
	{ErrRateLimited, []string{"too many requests", "rate limit", "throttled"}},
	{ErrRestricted, []string{
		"sign in to confirm", "login required", "must be logged in", "authentication required",
		"private video", "members-only", "join this channel", "age-restricted", "age restricted",
		"inappropriate for some users", "drm protected", "protected content", "access denied",
		"not available in your country", "geo restricted",
	}},
	{ErrUnsupportedFormat, []string{
		"requested format is not available", "no video formats found", "unsupported url", "invalid url",
		"malformed url", "unable to extract",
	}},
	{ErrNotFound, []string{
		"not found", "video unavailable", "this video is unavailable", "has been removed",
		"does not exist", "no longer available", "deleted", "incomplete youtube id",
	}},
	{ErrNetwork, []string{"eof", "unable to download"}},
}

func (r rule) match(msg string) bool {
	for _, p := range r.patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func statusKind(code string) error {
	switch {
	case code == "429":
		return ErrRateLimited
	case code == "401", code == "403":
		return ErrRestricted
	case code == "404", code == "410":
		return ErrNotFound
	case strings.HasPrefix(code, "5"):
		return ErrNetwork
	}
	return nil
}

// classifyMessage maps yt-dlp output to a sentinel error, or nil when the
// text matches no known pattern.
func classifyMessage(msg string) error {
	lower := extractorPrefix.ReplaceAllString(strings.ToLower(msg), "")
	if transient.match(lower) {
		return transient.kind
	}
	if m := statusCode.FindStringSubmatch(lower); m != nil {
		if kind := statusKind(m[1]); kind != nil {
			return kind
		}
	}
	for _, r := range rules {
		if r.match(lower) {
			return r.kind
		}
	}
	return nil
}

// Classify decides whether err is worth retrying. Sentinel errors are
// checked first; anything unrecognized is treated as retryable so a flaky
// run does not give up early.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorClassFatal
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrRestricted), errors.Is(err, ErrUnsupportedFormat):
		return ErrorClassFatal
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrRateLimited), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassRetryable
	}
	switch classifyMessage(err.Error()) {
	case ErrNotFound, ErrRestricted, ErrUnsupportedFormat:
		return ErrorClassFatal
	}
	return ErrorClassRetryable
}

// IsRetryable reports whether err should trigger another attempt.
func IsRetryable(err error) bool { return Classify(err) == ErrorClassRetryable }

// IsFatal reports whether err should not be retried.
func IsFatal(err error) bool { return Classify(err) == ErrorClassFatal }
