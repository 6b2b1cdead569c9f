package config

// Config is the on-disk bridge configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// Empty fields fall back to defaults when the app maps them into component
// configs, so a minimal file only needs the secrets (or none at all when the
// environment provides them).
type Config struct {
	// DataDir holds runtime state (ledger) when storage.path is omitted.
	DataDir string `json:"data_dir,omitempty"`

	Source      SourceConfig      `json:"source"`
	Destination DestinationConfig `json:"destination"`
	Render      RenderConfig      `json:"render"`
	Sync        SyncConfig        `json:"sync"`
	Storage     StorageConfig     `json:"storage"`
	Logging     LoggingConfig     `json:"logging"`
	Ops         OpsConfig         `json:"ops,omitempty"`
}

// SourceConfig controls the source API client.
type SourceConfig struct {
	BaseURL     string `json:"base_url,omitempty"` // default: https://api.twitter.com/2
	BearerToken string `json:"bearer_token"`       // do not log
	Handle      string `json:"handle"`             // account handle without leading '@'
	MaxItems    int    `json:"max_items,omitempty"`

	RequestTimeout string `json:"request_timeout,omitempty"`

	// Quota handling.
	QuotaFloorWait    string `json:"quota_floor_wait,omitempty"`    // default 15m
	QuotaSafetyMargin string `json:"quota_safety_margin,omitempty"` // default 60s

	// Identity lookup retries (bounded, max 2).
	AuthorRetries    *int   `json:"author_retries,omitempty"`
	AuthorRetryDelay string `json:"author_retry_delay,omitempty"`
}

// DestinationConfig selects and configures the delivery sink.
//
// Driver values:
//   - "discord": webhook POST (default)
//   - "telegram": bot API sendMessage/sendPhoto
type DestinationConfig struct {
	Driver         string `json:"driver,omitempty"`
	WebhookURL     string `json:"webhook_url,omitempty"` // do not log
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`

	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

// RenderConfig controls message formatting.
type RenderConfig struct {
	MaxLength       int    `json:"max_length,omitempty"`
	MentionEveryone *bool  `json:"mention_everyone,omitempty"`
	Footer          string `json:"footer,omitempty"`
	ShowMetrics     bool   `json:"show_metrics,omitempty"`
}

// SyncConfig controls the synchronization engine.
type SyncConfig struct {
	// Schedule is a cron spec or descriptor; seconds are optional.
	// Examples: "@every 5m", "*/30 * * * * *", "0 */10 * * * *".
	Schedule string `json:"schedule,omitempty"`

	DeliveryPause string `json:"delivery_pause,omitempty"`
	RetryPause    string `json:"retry_pause,omitempty"`
	ErrorCooldown string `json:"error_cooldown,omitempty"`

	NotifyStartup  bool  `json:"notify_startup,omitempty"`
	NotifyShutdown *bool `json:"notify_shutdown,omitempty"`

	Startup StartupConfig `json:"startup,omitempty"`
}

// StartupConfig controls the one-time backlog handling on boot.
//
// Mode values:
//   - "silent": mark the recent window delivered without sending (default)
//   - "announce": send the newest announce_count items labeled as an initial check
type StartupConfig struct {
	Mode          string `json:"mode,omitempty"`
	Window        int    `json:"window,omitempty"`
	AnnounceCount int    `json:"announce_count,omitempty"`
	InitAttempts  int    `json:"init_attempts,omitempty"`
	InitPause     string `json:"init_pause,omitempty"`
}

// StorageConfig controls the dedup ledger backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/ledger.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "file" (default) or "sqlite"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console *bool       `json:"console,omitempty"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// OpsConfig controls the optional operations HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

func (c LoggingConfig) ConsoleEnabled() bool {
	return c.Console == nil || *c.Console
}
