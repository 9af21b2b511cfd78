// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with only the chat credential set.
// Validate enforces the credential of the selected chat platform.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Chat platforms.
const (
	PlatformTelegram = "telegram"
	PlatformTwitch   = "twitch"
)

// Media probers.
const (
	ProberYtDLP  = "ytdlp"
	ProberNative = "native"
)

// MaxFetchAttempts bounds FETCH_ATTEMPTS.
const MaxFetchAttempts = 10

// ErrMissingCredential is returned by Validate when the selected platform
// has no credential configured.
var ErrMissingCredential = errors.New("missing chat credential")

type Config struct {
	ChatPlatform string

	// Telegram
	TelegramBotToken string
	TelegramSendRate float64
	ConflictBackoff  time.Duration

	// Twitch
	TwitchChannel      string
	TwitchBotUsername  string
	TwitchOAuthToken   string
	TwitchClientID     string
	TwitchClientSecret string
	TwitchRefreshToken string

	// YouTube upload (Twitch delivery)
	YTClientID     string
	YTClientSecret string
	YTRefreshToken string
	YTPrivacy      string
	YTScopes       string

	// Media source
	YtDLPPath        string
	MediaProber      string
	ExtractorRetries int
	ProbeTimeout     time.Duration
	FetchTimeout     time.Duration

	// Download policy
	FetchAttempts          int
	FragmentRetries        int
	DownloadBackoffBase    time.Duration
	MaxConcurrentDownloads int

	// Temp storage
	TempDir           string
	TempMaxAge        time.Duration
	TempSweepInterval time.Duration
	MinFreeDiskMB     int

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. It only fails on
// malformed values; missing credentials are reported by Validate.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ChatPlatform = strings.ToLower(strings.TrimSpace(os.Getenv("CHAT_PLATFORM")))
	if cfg.ChatPlatform == "" {
		cfg.ChatPlatform = PlatformTelegram
	}

	cfg.TelegramBotToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	cfg.TelegramSendRate = floatEnv("TELEGRAM_SEND_RATE", 20, &errs)
	cfg.ConflictBackoff = durationEnv("CONFLICT_BACKOFF", 5*time.Second, &errs)

	cfg.TwitchChannel = os.Getenv("TWITCH_CHANNEL")
	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchOAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchRefreshToken = os.Getenv("TWITCH_REFRESH_TOKEN")

	cfg.YTClientID = os.Getenv("YT_CLIENT_ID")
	cfg.YTClientSecret = os.Getenv("YT_CLIENT_SECRET")
	cfg.YTRefreshToken = os.Getenv("YT_REFRESH_TOKEN")
	cfg.YTPrivacy = os.Getenv("YT_PRIVACY")
	if cfg.YTPrivacy == "" {
		cfg.YTPrivacy = "unlisted"
	}
	cfg.YTScopes = os.Getenv("YT_SCOPES")
	if cfg.YTScopes == "" {
		cfg.YTScopes = "https://www.googleapis.com/auth/youtube.upload"
	}

	cfg.YtDLPPath = os.Getenv("YTDLP_PATH")
	if cfg.YtDLPPath == "" {
		cfg.YtDLPPath = "yt-dlp"
	}
	cfg.MediaProber = strings.ToLower(os.Getenv("MEDIA_PROBER"))
	if cfg.MediaProber == "" {
		cfg.MediaProber = ProberYtDLP
	}
	cfg.ExtractorRetries = intEnv("EXTRACTOR_RETRIES", 2, &errs)
	cfg.ProbeTimeout = durationEnv("PROBE_TIMEOUT", 60*time.Second, &errs)
	cfg.FetchTimeout = durationEnv("FETCH_TIMEOUT", 15*time.Minute, &errs)

	cfg.FetchAttempts = intEnv("FETCH_ATTEMPTS", 3, &errs)
	cfg.FragmentRetries = intEnv("FRAGMENT_RETRIES", 3, &errs)
	cfg.DownloadBackoffBase = durationEnv("DOWNLOAD_BACKOFF_BASE", 2*time.Second, &errs)
	cfg.MaxConcurrentDownloads = intEnv("MAX_CONCURRENT_DOWNLOADS", 2, &errs)

	cfg.TempDir = os.Getenv("TEMP_DIR")
	cfg.TempMaxAge = durationEnv("TEMP_MAX_AGE", time.Hour, &errs)
	cfg.TempSweepInterval = durationEnv("TEMP_SWEEP_INTERVAL", 10*time.Minute, &errs)
	cfg.MinFreeDiskMB = intEnv("MIN_FREE_DISK_MB", 200, &errs)

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks that the selected platform can start.
func (c *Config) Validate() error {
	switch c.ChatPlatform {
	case PlatformTelegram:
		if c.TelegramBotToken == "" {
			return fmt.Errorf("%w: TELEGRAM_BOT_TOKEN is not set", ErrMissingCredential)
		}
	case PlatformTwitch:
		if err := c.ValidateChatReady(); err != nil {
			return err
		}
		if c.TwitchClientID == "" {
			return fmt.Errorf("%w: TWITCH_CLIENT_ID is required for Helix chat calls", ErrMissingCredential)
		}
	default:
		return fmt.Errorf("unknown CHAT_PLATFORM %q (want telegram or twitch)", c.ChatPlatform)
	}
	switch c.MediaProber {
	case ProberYtDLP, ProberNative:
	default:
		return fmt.Errorf("unknown MEDIA_PROBER %q (want ytdlp or native)", c.MediaProber)
	}
	if c.FetchAttempts < 1 || c.FetchAttempts > MaxFetchAttempts {
		return fmt.Errorf("FETCH_ATTEMPTS must be between 1 and %d, got %d", MaxFetchAttempts, c.FetchAttempts)
	}
	if c.FragmentRetries < 0 {
		return fmt.Errorf("FRAGMENT_RETRIES must not be negative, got %d", c.FragmentRetries)
	}
	if c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be at least 1, got %d", c.MaxConcurrentDownloads)
	}
	return nil
}

// ValidateChatReady checks the Twitch IRC credentials.
func (c *Config) ValidateChatReady() error {
	if c.TwitchChannel == "" || c.TwitchBotUsername == "" || c.TwitchOAuthToken == "" {
		return fmt.Errorf("%w: require TWITCH_CHANNEL, TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN", ErrMissingCredential)
	}
	return nil
}

// YouTubeUploadEnabled reports whether YouTube credentials are complete.
func (c *Config) YouTubeUploadEnabled() bool {
	return c.YTClientID != "" && c.YTClientSecret != "" && c.YTRefreshToken != ""
}

// MinFreeBytes converts MinFreeDiskMB to bytes.
func (c *Config) MinFreeBytes() uint64 {
	if c.MinFreeDiskMB <= 0 {
		return 0
	}
	return uint64(c.MinFreeDiskMB) * 1024 * 1024
}

func intEnv(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func floatEnv(key string, def float64, errs *[]error) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return f
}

// durationEnv accepts Go durations ("90s") or plain seconds ("90").
func durationEnv(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	*errs = append(*errs, fmt.Errorf("invalid %s: %q is not a duration", key, v))
	return def
}
