package config

import (
	"reflect"
	"sort"
	"strings"

	logx "bumpcast/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, passwords, DSNs) are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.api_url_set", strings.TrimSpace(newCfg.Telegram.APIURL) != ""),
			logx.Float64("telegram.rate_per_sec", newCfg.Telegram.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pacing, newCfg.Pacing) {
		changed = append(changed, "pacing")
		attrs = append(attrs,
			logx.String("pacing.base_delay", newCfg.Pacing.BaseDelay),
			logx.String("pacing.flood_skip_threshold", newCfg.Pacing.FloodSkipThreshold),
		)
	}

	if !reflect.DeepEqual(oldCfg.Progress, newCfg.Progress) {
		changed = append(changed, "progress")
		attrs = append(attrs, logx.String("progress.interval", newCfg.Progress.Interval))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.spec", strings.TrimSpace(newCfg.Scheduler.Spec)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.LogBot, newCfg.LogBot) {
		changed = append(changed, "log_bot")
		attrs = append(attrs,
			logx.Bool("log_bot.enabled", newCfg.LogBot.Enabled),
			logx.Float64("log_bot.rate_per_sec", newCfg.LogBot.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Bool("events.amqp.enabled", newCfg.Events.AMQP.Enabled),
			logx.String("events.amqp.exchange", newCfg.Events.AMQP.Exchange),
		)
	}

	if !reflect.DeepEqual(oldCfg.ProgressMirror, newCfg.ProgressMirror) {
		changed = append(changed, "progress_mirror")
		attrs = append(attrs,
			logx.Bool("progress_mirror.redis.enabled", newCfg.ProgressMirror.Redis.Enabled),
			logx.Bool("progress_mirror.redis.password_set", newCfg.ProgressMirror.Redis.Password != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports the changed sections that only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "http", "telegram", "events", "progress_mirror":
			out = append(out, s)
		}
	}
	return out
}
