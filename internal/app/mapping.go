package app

import (
	"path/filepath"
	"strings"
	"time"

	"postbridge/internal/config"
	"postbridge/internal/engine"
	"postbridge/internal/observability/ops"
	"postbridge/internal/render"
	"postbridge/internal/sink"
	"postbridge/internal/source"
	"postbridge/internal/storage"
	logx "postbridge/pkg/logx"
)

// DefaultDataDir holds the ledger when neither data_dir nor storage.path is set.
const DefaultDataDir = "data"

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" {
		driver = "file"
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		dir := strings.TrimSpace(cfg.DataDir)
		if dir == "" {
			dir = DefaultDataDir
		}
		name := "sent_items.json"
		if driver != "file" {
			name = "ledger.db"
		}
		path = filepath.Join(dir, name)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapSource(cfg *config.Config) (source.Config, error) {
	sc := cfg.Source
	out := source.Config{
		BaseURL:       sc.BaseURL,
		BearerToken:   strings.TrimPrefix(strings.TrimSpace(sc.BearerToken), "Bearer "),
		AuthorRetries: 2,
	}
	if sc.AuthorRetries != nil {
		out.AuthorRetries = *sc.AuthorRetries
	}
	var err error
	if out.RequestTimeout, err = config.ParseDurationField("source.request_timeout", sc.RequestTimeout); err != nil {
		return source.Config{}, err
	}
	if out.QuotaFloorWait, err = config.ParseDurationField("source.quota_floor_wait", sc.QuotaFloorWait); err != nil {
		return source.Config{}, err
	}
	if out.QuotaSafetyMargin, err = config.ParseDurationOrDefault("source.quota_safety_margin", sc.QuotaSafetyMargin, source.DefaultQuotaSafetyMargin); err != nil {
		return source.Config{}, err
	}
	if out.AuthorRetryDelay, err = config.ParseDurationField("source.author_retry_delay", sc.AuthorRetryDelay); err != nil {
		return source.Config{}, err
	}
	return out, nil
}

func mapRender(cfg *config.Config) render.Config {
	mention := true
	if cfg.Render.MentionEveryone != nil {
		mention = *cfg.Render.MentionEveryone
	}
	return render.Config{
		Handle:          cfg.Source.Handle,
		MaxLength:       cfg.Render.MaxLength,
		MentionEveryone: mention,
		Footer:          cfg.Render.Footer,
		ShowMetrics:     cfg.Render.ShowMetrics,
	}
}

// newSink builds the configured destination wrapped in the pacing limiter.
func newSink(cfg *config.Config, log logx.Logger) (sink.Sink, error) {
	timeout, err := config.ParseDurationField("destination.request_timeout", cfg.Destination.RequestTimeout)
	if err != nil {
		return nil, err
	}
	var s sink.Sink
	switch config.DestinationDriver(cfg) {
	case "telegram":
		tc := cfg.Destination.Telegram
		s, err = sink.NewTelegram(sink.TelegramConfig{
			Token:    tc.Token,
			ChatID:   tc.ChatID,
			ThreadID: tc.ThreadID,
			APIURL:   tc.APIURL,
			Timeout:  timeout,
		}, log)
	default:
		s, err = sink.NewDiscord(sink.DiscordConfig{
			WebhookURL: cfg.Destination.WebhookURL,
			Timeout:    timeout,
		}, log)
	}
	if err != nil {
		return nil, err
	}
	return sink.NewPaced(s, config.IntOrDefault(cfg.Destination.RatePerSec, 1)), nil
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	sched, err := config.ParseSchedule(cfg.Sync.Schedule)
	if err != nil {
		return engine.Config{}, err
	}
	out := engine.Config{
		Handle:        cfg.Source.Handle,
		MaxItems:      cfg.Source.MaxItems,
		Schedule:      sched,
		StartupMode:   engine.StartupMode(strings.ToLower(strings.TrimSpace(cfg.Sync.Startup.Mode))),
		StartupWindow: cfg.Sync.Startup.Window,
		AnnounceCount: cfg.Sync.Startup.AnnounceCount,
		InitAttempts:  cfg.Sync.Startup.InitAttempts,
		NotifyStartup: cfg.Sync.NotifyStartup,
		// Shutdown notices are on unless explicitly disabled.
		NotifyShutdown: cfg.Sync.NotifyShutdown == nil || *cfg.Sync.NotifyShutdown,
	}
	for _, d := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"sync.delivery_pause", cfg.Sync.DeliveryPause, &out.DeliveryPause},
		{"sync.retry_pause", cfg.Sync.RetryPause, &out.RetryPause},
		{"sync.error_cooldown", cfg.Sync.ErrorCooldown, &out.ErrorCooldown},
		{"sync.startup.init_pause", cfg.Sync.Startup.InitPause, &out.InitPause},
	} {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return engine.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapOps(cfg *config.Config) ops.Config {
	return ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.Addr,
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
		ReadTimeout:   10 * time.Second,
		// pprof profiles stream for up to 30s by default.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
