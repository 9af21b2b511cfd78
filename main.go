// Command tubedrop is a chat bot that answers YouTube links with the video
// itself. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to the configured chat platform (Telegram or Twitch).
//   - Downloads linked videos with yt-dlp and posts them back to the chat.
//   - Sweeps stale temp files and refreshes OAuth tokens in the background.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kkdai/youtube/v2"
	"golang.org/x/term"

	"github.com/onnwee/tubedrop/chat"
	"github.com/onnwee/tubedrop/config"
	"github.com/onnwee/tubedrop/download"
	"github.com/onnwee/tubedrop/oauth"
	"github.com/onnwee/tubedrop/pipeline"
	"github.com/onnwee/tubedrop/server"
	"github.com/onnwee/tubedrop/source"
	"github.com/onnwee/tubedrop/telemetry"
	"github.com/onnwee/tubedrop/twitchapi"
	"github.com/onnwee/tubedrop/youtubeapi"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		return 1
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		return 1
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("tubedrop", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		return 1
	}
	defer shutdownTracing()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ws, err := download.NewWorkspace(cfg.TempDir, cfg.MinFreeBytes())
	if err != nil {
		slog.Error("temp dir unavailable", slog.Any("err", err))
		return 1
	}
	go download.Sweeper{Dir: ws.Dir, MaxAge: cfg.TempMaxAge, Interval: cfg.TempSweepInterval}.Run(ctx)

	ytdlp := &source.YtDLP{
		Binary:           cfg.YtDLPPath,
		ExtractorRetries: cfg.ExtractorRetries,
		ProbeTimeout:     cfg.ProbeTimeout,
		FetchTimeout:     cfg.FetchTimeout,
	}
	if !ytdlp.Available() {
		slog.Warn("yt-dlp not found; downloads will fail until it is installed", slog.String("binary", cfg.YtDLPPath))
	}
	var prober source.Prober = ytdlp
	if cfg.MediaProber == config.ProberNative {
		prober = source.FallbackProber{Primary: source.NativeProber{Client: &youtube.Client{}}, Secondary: ytdlp}
	}
	slots := download.NewSlots(cfg.MaxConcurrentDownloads)
	orch := &download.Orchestrator{
		Prober:  prober,
		Fetcher: ytdlp,
		Policy: download.RetryPolicy{
			FetchAttempts:   cfg.FetchAttempts,
			FragmentRetries: cfg.FragmentRetries,
			BaseBackoff:     cfg.DownloadBackoffBase,
			MaxBackoff:      30 * time.Second,
		},
		Slots:     slots,
		Workspace: ws,
	}

	adapter, err := newAdapter(ctx, cfg)
	if err != nil {
		slog.Error("chat platform setup failed", slog.String("platform", cfg.ChatPlatform), slog.Any("err", err))
		return 1
	}
	handler := pipeline.NewHandler(adapter, orch, ws)

	startPprof()

	started := time.Now()
	mux := server.NewMux(ctx, server.Options{
		Checks: []server.Check{
			{Name: "ytdlp", Fn: func(context.Context) error {
				if !ytdlp.Available() {
					return fmt.Errorf("%s not found on PATH", cfg.YtDLPPath)
				}
				return nil
			}},
			{Name: "temp_dir", Fn: func(context.Context) error { return ws.Writable() }},
			{Name: "platform", Fn: func(context.Context) error {
				if !adapter.Connected() {
					return fmt.Errorf("%s not connected", adapter.Name())
				}
				return nil
			}},
		},
		Status: func() server.Status {
			return server.Status{
				Platform:        adapter.Name(),
				Connected:       adapter.Connected(),
				UptimeSeconds:   time.Since(started).Seconds(),
				ActiveDownloads: slots.Active(),
				MaxDownloads:    slots.Max(),
				TempDir:         ws.Dir,
			}
		},
		RateLimit: 5,
		RateBurst: 10,
	})
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, mux); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	slog.Info("bot starting", slog.String("platform", adapter.Name()), slog.String("temp_dir", ws.Dir), slog.Int("max_downloads", slots.Max()))
	runErr := adapter.Run(ctx, handler.OnEvent)

	stop()
	slog.Info("shutting down")
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := handler.Wait(waitCtx); err != nil {
		slog.Warn("in-flight requests did not finish", slog.Any("err", err))
	}
	if runErr != nil {
		slog.Error("chat platform stopped", slog.Any("err", runErr))
		return 1
	}
	return 0
}

// setupLogging configures slog from LOG_LEVEL and LOG_FORMAT. Without
// LOG_FORMAT the output is text on a terminal and JSON otherwise.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	if format == "" {
		format = "json"
		if term.IsTerminal(int(os.Stdout.Fd())) {
			format = "text"
		}
	}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func newAdapter(ctx context.Context, cfg *config.Config) (chat.Adapter, error) {
	switch cfg.ChatPlatform {
	case config.PlatformTwitch:
		return newTwitch(ctx, cfg)
	default:
		opts := chat.DefaultTelegramOptions()
		opts.ConflictBackoff = cfg.ConflictBackoff
		opts.SendRate = cfg.TelegramSendRate
		return chat.NewTelegram(cfg.TelegramBotToken, opts)
	}
}

func newTwitch(ctx context.Context, cfg *config.Config) (chat.Adapter, error) {
	oc := &twitchapi.OAuthClient{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	userToken := twitchapi.NormalizeUserToken(cfg.TwitchOAuthToken)

	var expiry time.Time
	vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if v, err := oc.Validate(vctx, userToken); err != nil {
		slog.Warn("twitch token validation failed", slog.Any("err", err))
	} else {
		expiry = twitchapi.ComputeExpiry(v.ExpiresIn)
		slog.Info("twitch token validated", slog.String("login", v.Login), slog.Time("expires_at", expiry), slog.Any("scopes", v.Scopes))
	}
	cancel()

	holder := oauth.NewHolder("twitch", userToken, cfg.TwitchRefreshToken, expiry, func(rctx context.Context, refreshToken string) (string, string, time.Time, error) {
		res, err := oc.Refresh(rctx, refreshToken)
		if err != nil {
			return "", "", time.Time{}, err
		}
		return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), nil
	})
	if cfg.TwitchRefreshToken != "" && cfg.TwitchClientSecret != "" {
		oauth.StartRefresher(ctx, holder, 5*time.Minute)
	}

	helix := &twitchapi.HelixClient{UserToken: holder, ClientID: cfg.TwitchClientID}
	if cfg.TwitchClientSecret != "" {
		helix.AppTokenSource = &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	}

	var uploader chat.VideoUploader
	if cfg.YouTubeUploadEnabled() {
		up, err := youtubeapi.New(ctx, youtubeapi.Options{
			ClientID:     cfg.YTClientID,
			ClientSecret: cfg.YTClientSecret,
			RefreshToken: cfg.YTRefreshToken,
			Privacy:      cfg.YTPrivacy,
			Scopes:       cfg.YTScopes,
		})
		if err != nil && !errors.Is(err, youtubeapi.ErrNotConfigured) {
			return nil, err
		}
		if up != nil {
			uploader = up
			slog.Info("youtube upload enabled", slog.String("privacy", up.Privacy()))
		}
	} else {
		slog.Warn("youtube upload not configured; twitch requests will get the failure notice only")
	}

	return chat.NewTwitch(chat.TwitchOptions{
		Channel:     cfg.TwitchChannel,
		BotUsername: cfg.TwitchBotUsername,
		// Helix allows 20 messages per 30s for a non-moderator sender.
		SendRate: 0.6,
	}, cfg.TwitchOAuthToken, helix, uploader), nil
}

// startPprof enables profiling endpoints in debug mode (ENABLE_PPROF=1).
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
