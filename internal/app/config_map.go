package app

import (
	"fmt"
	"strings"
	"time"

	"bumpcast/internal/campaign"
	"bumpcast/internal/config"
	"bumpcast/internal/httpapi"
	"bumpcast/internal/logbot"
	"bumpcast/internal/provider/telegram"
	"bumpcast/internal/scheduler"
	"bumpcast/internal/sinks/amqp"
	"bumpcast/internal/sinks/redismirror"
	"bumpcast/internal/storage"
	logx "bumpcast/pkg/logx"
)

// Defaults applied when a section is omitted.
const (
	defaultSQLitePath       = "./data/bumpcast.db"
	defaultProgressInterval = 2 * time.Second
	defaultRecentLogs       = 30
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		MaxOpenConns: sc.MaxOpenConns,
		BusyTimeout:  busy,
	}
	switch out.Driver {
	case "", "sqlite", "sqlite3":
		if out.Path == "" {
			out.Path = defaultSQLitePath
		}
	case "postgres", "postgresql":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", out.Driver)
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	timeout, err := config.ParseDurationField("telegram.http_timeout", tc.HTTPTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		APIURL:      strings.TrimSpace(tc.APIURL),
		HTTPTimeout: timeout,
		PerSecond:   tc.RatePerSec,
		Burst:       tc.Burst,
	}, nil
}

// mapPacing overlays the configured values on the default pacing.
func mapPacing(cfg *config.Config) (campaign.Pacing, error) {
	pc := cfg.Pacing
	p := campaign.DefaultPacing()

	durs := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"pacing.min_delay", pc.MinDelay, &p.MinDelay},
		{"pacing.base_delay", pc.BaseDelay, &p.BaseDelay},
		{"pacing.max_delay", pc.MaxDelay, &p.MaxDelay},
		{"pacing.flood_skip_threshold", pc.FloodSkipThreshold, &p.FloodSkipThreshold},
		{"pacing.batch_rest_min", pc.BatchRestMin, &p.BatchRestMin},
		{"pacing.batch_rest_max", pc.BatchRestMax, &p.BatchRestMax},
		{"pacing.cycle_rest_min", pc.CycleRestMin, &p.CycleRestMin},
		{"pacing.cycle_rest_max", pc.CycleRestMax, &p.CycleRestMax},
		{"pacing.topic_pause", pc.TopicPause, &p.TopicPause},
		{"pacing.skipped_pause", pc.SkippedPause, &p.SkippedPause},
		{"pacing.rejoin_pause", pc.RejoinPause, &p.RejoinPause},
		{"pacing.retry_pause", pc.RetryPause, &p.RetryPause},
		{"pacing.limited_pause", pc.LimitedPause, &p.LimitedPause},
		{"pacing.stop_check", pc.StopCheck, &p.StopCheck},
		{"pacing.call_timeout", pc.CallTimeout, &p.CallTimeout},
	}
	for _, d := range durs {
		v, err := config.ParseDurationOrDefault(d.path, d.raw, *d.dst)
		if err != nil {
			return campaign.Pacing{}, err
		}
		*d.dst = v
	}

	if pc.Jitter != nil {
		p.Jitter = *pc.Jitter
		p.NoJitter = *pc.Jitter == 0
	}
	if pc.SpeedupAfter > 0 {
		p.SpeedupAfter = pc.SpeedupAfter
	}
	if pc.SpeedupFactor > 0 {
		p.SpeedupFactor = pc.SpeedupFactor
	}
	if pc.FailureFactor > 0 {
		p.FailureFactor = pc.FailureFactor
	}
	if pc.TransientFactor > 0 {
		p.TransientFactor = pc.TransientFactor
	}
	if pc.BatchMin > 0 {
		p.BatchMin = pc.BatchMin
	}
	if pc.BatchMax > 0 {
		p.BatchMax = pc.BatchMax
	}
	if pc.MaxConsecutiveErrors > 0 {
		p.MaxConsecutiveErrors = pc.MaxConsecutiveErrors
	}

	if p.MinDelay > p.MaxDelay {
		return campaign.Pacing{}, fmt.Errorf("pacing.min_delay (%s) exceeds pacing.max_delay (%s)", p.MinDelay, p.MaxDelay)
	}
	if p.BatchMin > p.BatchMax {
		return campaign.Pacing{}, fmt.Errorf("pacing.batch_min (%d) exceeds pacing.batch_max (%d)", p.BatchMin, p.BatchMax)
	}
	return p.Normalize(), nil
}

func mapProgress(cfg *config.Config) (time.Duration, int, error) {
	interval, err := config.ParseDurationOrDefault("progress.interval", cfg.Progress.Interval, defaultProgressInterval)
	if err != nil {
		return 0, 0, err
	}
	logs := cfg.Progress.RecentLogs
	if logs <= 0 {
		logs = defaultRecentLogs
	}
	return interval, logs, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	sc := scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Spec:     strings.TrimSpace(cfg.Scheduler.Spec),
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
	if err := scheduler.ParseSpec(sc.Spec); err != nil {
		return scheduler.Config{}, err
	}
	if sc.Timezone != "" {
		if _, err := time.LoadLocation(sc.Timezone); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", sc.Timezone, err)
		}
	}
	return sc, nil
}

func mapHTTP(cfg *config.Config) (httpapi.Config, bool, error) {
	hc := cfg.HTTP
	out := httpapi.Config{Addr: strings.TrimSpace(hc.Addr), Token: strings.TrimSpace(hc.Token), Pprof: hc.Pprof}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second); err != nil {
		return httpapi.Config{}, false, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second); err != nil {
		return httpapi.Config{}, false, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second); err != nil {
		return httpapi.Config{}, false, err
	}
	return out, hc.Enabled, nil
}

func mapLogBot(cfg *config.Config) (logbot.Config, bool, error) {
	lc := cfg.LogBot
	out := logbot.Config{RatePerSec: lc.RatePerSec, Burst: lc.Burst}
	if tz := strings.TrimSpace(lc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return logbot.Config{}, false, fmt.Errorf("log_bot.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}
	return out, lc.Enabled, nil
}

func mapAMQP(cfg *config.Config) (amqp.Config, bool) {
	ac := cfg.Events.AMQP
	return amqp.Config{URL: strings.TrimSpace(ac.URL), Exchange: strings.TrimSpace(ac.Exchange), QueueSize: ac.QueueSize}, ac.Enabled
}

func mapRedis(cfg *config.Config) (redismirror.Config, bool, error) {
	rc := cfg.ProgressMirror.Redis
	ttl, err := config.ParseDurationField("progress_mirror.redis.ttl", rc.TTL)
	if err != nil {
		return redismirror.Config{}, false, err
	}
	return redismirror.Config{
		Addr:     strings.TrimSpace(rc.Addr),
		Password: rc.Password,
		DB:       rc.DB,
		Prefix:   rc.Prefix,
		TTL:      ttl,
	}, rc.Enabled, nil
}

// validate runs the struct rules and every mapper, so a reload that would
// fail to apply is rejected before it is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapTelegram(cfg); err != nil {
		return err
	}
	if _, err := mapPacing(cfg); err != nil {
		return err
	}
	if _, _, err := mapProgress(cfg); err != nil {
		return err
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, _, err := mapHTTP(cfg); err != nil {
		return err
	}
	if _, _, err := mapLogBot(cfg); err != nil {
		return err
	}
	_, _, err := mapRedis(cfg)
	return err
}
