package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variable names understood by ApplyEnv.
const (
	EnvSourceToken     = "TWITTER_BEARER_TOKEN"
	EnvSourceHandle    = "TWITTER_USERNAME"
	EnvWebhookURL      = "DISCORD_WEBHOOK_URL"
	EnvTelegramToken   = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChatID  = "TELEGRAM_CHAT_ID"
	EnvCheckInterval   = "CHECK_INTERVAL"
	EnvMentionEveryone = "MENTION_EVERYONE"
	EnvMaxLength       = "MAX_TWEET_LENGTH"
	EnvLogLevel        = "LOG_LEVEL"
	EnvDataDir         = "DATA_DIR"
)

// LoadDotEnv loads variables from an env file into the process environment.
// Variables already present in the environment are kept. A missing file is not
// an error; it returns loaded=false.
func LoadDotEnv(path string) (loaded bool, err error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return false, nil
	}
	if _, err := os.Stat(path); err != nil {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		return false, fmt.Errorf("load %s: %w", path, err)
	}
	return true, nil
}

// ApplyEnv overlays environment values onto cfg. Set variables win over file
// values. It returns the names of the variables that were applied.
func ApplyEnv(cfg *Config, getenv func(string) string) ([]string, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	var applied []string
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
			applied = append(applied, key)
		}
	}

	str(EnvSourceToken, &cfg.Source.BearerToken)
	str(EnvSourceHandle, &cfg.Source.Handle)
	str(EnvTelegramToken, &cfg.Destination.Telegram.Token)
	str(EnvLogLevel, &cfg.Logging.Level)
	str(EnvDataDir, &cfg.DataDir)

	if v := strings.TrimSpace(getenv(EnvWebhookURL)); v != "" {
		cfg.Destination.WebhookURL = v
		if cfg.Destination.Driver == "" {
			cfg.Destination.Driver = "discord"
		}
		applied = append(applied, EnvWebhookURL)
	}
	if v := strings.TrimSpace(getenv(EnvTelegramChatID)); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return applied, fmt.Errorf("%s: invalid chat id %q: %w", EnvTelegramChatID, v, err)
		}
		cfg.Destination.Telegram.ChatID = id
		applied = append(applied, EnvTelegramChatID)
	}
	if v := strings.TrimSpace(getenv(EnvCheckInterval)); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return applied, fmt.Errorf("%s: want positive seconds, got %q", EnvCheckInterval, v)
		}
		cfg.Sync.Schedule = fmt.Sprintf("@every %ds", secs)
		applied = append(applied, EnvCheckInterval)
	}
	if v := strings.TrimSpace(getenv(EnvMentionEveryone)); v != "" {
		b := parseBool(v)
		cfg.Render.MentionEveryone = &b
		applied = append(applied, EnvMentionEveryone)
	}
	if v := strings.TrimSpace(getenv(EnvMaxLength)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return applied, fmt.Errorf("%s: want positive integer, got %q", EnvMaxLength, v)
		}
		cfg.Render.MaxLength = n
		applied = append(applied, EnvMaxLength)
	}
	return applied, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on", "y":
		return true
	default:
		return false
	}
}
