package config

import (
	"reflect"
	"strings"

	logx "postbridge/pkg/logx"
)

// SummarizeChange returns the list of changed top-level sections and safe
// structured fields for logging (never secrets, only "*_set" flags).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	fields := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.ConsoleEnabled()),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Source, newCfg.Source) {
		changed = append(changed, "source")
		fields = append(fields,
			logx.String("source.handle", newCfg.Source.Handle),
			logx.Bool("source.token_set", strings.TrimSpace(newCfg.Source.BearerToken) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Destination, newCfg.Destination) {
		changed = append(changed, "destination")
		fields = append(fields,
			logx.String("destination.driver", DestinationDriver(newCfg)),
			logx.Bool("destination.webhook_set", strings.TrimSpace(newCfg.Destination.WebhookURL) != ""),
			logx.Bool("destination.telegram_token_set", strings.TrimSpace(newCfg.Destination.Telegram.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Render, newCfg.Render) {
		changed = append(changed, "render")
	}
	if !reflect.DeepEqual(oldCfg.Sync, newCfg.Sync) {
		changed = append(changed, "sync")
		fields = append(fields, logx.String("sync.schedule", newCfg.Sync.Schedule))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) || oldCfg.DataDir != newCfg.DataDir {
		changed = append(changed, "storage")
	}
	if oldCfg.Ops.Enabled != newCfg.Ops.Enabled ||
		strings.TrimSpace(oldCfg.Ops.Addr) != strings.TrimSpace(newCfg.Ops.Addr) ||
		oldCfg.Ops.Pprof != newCfg.Ops.Pprof ||
		oldCfg.Ops.AllowInsecure != newCfg.Ops.AllowInsecure ||
		(strings.TrimSpace(oldCfg.Ops.Token) != "") != (strings.TrimSpace(newCfg.Ops.Token) != "") {
		changed = append(changed, "ops")
		fields = append(fields,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}
	return changed, fields
}

// LiveSections are applied without a restart.
var LiveSections = map[string]bool{"logging": true, "ops": true}
