package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var webhookPrefixes = []string{
	"https://discord.com/api/webhooks/",
	"https://discordapp.com/api/webhooks/",
}

// Validate checks cfg after the environment overlay. Hard problems are returned
// as an error; soft ones (e.g. a very short poll interval) come back as warnings.
func Validate(cfg *Config) (warnings []string, err error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Source.BearerToken) == "" {
		return nil, fmt.Errorf("source.bearer_token is required (or set %s)", EnvSourceToken)
	}
	handle := strings.TrimSpace(cfg.Source.Handle)
	if handle == "" {
		return nil, fmt.Errorf("source.handle is required (or set %s)", EnvSourceHandle)
	}
	if strings.HasPrefix(handle, "@") {
		return nil, fmt.Errorf("source.handle must not start with '@': %q", handle)
	}
	tok := strings.TrimSpace(cfg.Source.BearerToken)
	if !strings.HasPrefix(tok, "AAAAAAAAAA") && !strings.HasPrefix(tok, "Bearer ") {
		warnings = append(warnings, "source.bearer_token format looks unusual")
	}
	if cfg.Source.MaxItems < 0 || cfg.Source.MaxItems > 100 {
		return nil, fmt.Errorf("source.max_items must be within 0..100")
	}
	if r := cfg.Source.AuthorRetries; r != nil && (*r < 0 || *r > 2) {
		return nil, fmt.Errorf("source.author_retries must be within 0..2")
	}

	switch DestinationDriver(cfg) {
	case "discord":
		u := strings.TrimSpace(cfg.Destination.WebhookURL)
		if u == "" {
			return nil, fmt.Errorf("destination.webhook_url is required (or set %s)", EnvWebhookURL)
		}
		ok := false
		for _, p := range webhookPrefixes {
			if strings.HasPrefix(u, p) {
				ok = true
				break
			}
		}
		if !ok {
			return nil, errors.New("destination.webhook_url is not a discord webhook url")
		}
	case "telegram":
		if strings.TrimSpace(cfg.Destination.Telegram.Token) == "" {
			return nil, fmt.Errorf("destination.telegram.token is required (or set %s)", EnvTelegramToken)
		}
		if cfg.Destination.Telegram.ChatID == 0 {
			return nil, fmt.Errorf("destination.telegram.chat_id is required (or set %s)", EnvTelegramChatID)
		}
	default:
		return nil, fmt.Errorf("destination.driver: unknown %q", cfg.Destination.Driver)
	}
	if cfg.Destination.RatePerSec < 0 {
		return nil, errors.New("destination.rate_per_sec must be >= 0")
	}

	if cfg.Render.MaxLength < 0 {
		return nil, errors.New("render.max_length must be >= 0")
	}

	sched, err := ParseSchedule(cfg.Sync.Schedule)
	if err != nil {
		return nil, err
	}
	if iv := ApproxInterval(sched, time.Now()); iv > 0 {
		if iv < time.Minute {
			warnings = append(warnings, fmt.Sprintf("poll interval %s is under a minute and may exhaust the source quota", iv))
		}
		if iv > time.Hour {
			warnings = append(warnings, fmt.Sprintf("poll interval %s is over an hour; posts will arrive late", iv))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Sync.Startup.Mode)) {
	case "", "silent", "announce":
	default:
		return nil, fmt.Errorf("sync.startup.mode: unknown %q (want silent or announce)", cfg.Sync.Startup.Mode)
	}
	if cfg.Sync.Startup.Window < 0 || cfg.Sync.Startup.AnnounceCount < 0 || cfg.Sync.Startup.InitAttempts < 0 {
		return nil, errors.New("sync.startup counts must be >= 0")
	}

	for path, raw := range map[string]string{
		"source.request_timeout":      cfg.Source.RequestTimeout,
		"source.quota_floor_wait":     cfg.Source.QuotaFloorWait,
		"source.quota_safety_margin":  cfg.Source.QuotaSafetyMargin,
		"source.author_retry_delay":   cfg.Source.AuthorRetryDelay,
		"destination.request_timeout": cfg.Destination.RequestTimeout,
		"sync.delivery_pause":         cfg.Sync.DeliveryPause,
		"sync.retry_pause":            cfg.Sync.RetryPause,
		"sync.error_cooldown":         cfg.Sync.ErrorCooldown,
		"sync.startup.init_pause":     cfg.Sync.Startup.InitPause,
		"storage.busy_timeout":        cfg.Storage.BusyTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return nil, err
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver)
	}

	if cfg.Ops.Enabled {
		if err := validateOpsAddr(cfg.Ops); err != nil {
			return nil, err
		}
	}
	return warnings, nil
}

// DestinationDriver returns the normalized sink driver name.
func DestinationDriver(cfg *Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Destination.Driver))
	if d == "" {
		return "discord"
	}
	return d
}

func validateOpsAddr(c OpsConfig) error {
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("ops.addr: invalid %q: %w", addr, err)
	}
	if isLoopbackHost(host) || c.AllowInsecure || strings.TrimSpace(c.Token) != "" {
		return nil
	}
	return fmt.Errorf("ops.addr %q is not loopback; set ops.token or ops.allow_insecure", addr)
}

func isLoopbackHost(host string) bool {
	if host == "" || strings.EqualFold(host, "localhost") {
		return host != ""
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
