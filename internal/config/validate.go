package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report json key paths ("http.addr") instead of Go field names.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks field constraints, duration syntax and time zones. Cross-field
// rules that need the component defaults are checked where the sections are
// mapped onto their services.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			path := strings.TrimPrefix(fe.Namespace(), "Config.")
			if fe.Param() != "" {
				return fmt.Errorf("%s: failed %s=%s", path, fe.Tag(), fe.Param())
			}
			return fmt.Errorf("%s: failed %s", path, fe.Tag())
		}
		return err
	}

	for _, d := range cfg.durations() {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	for path, tz := range map[string]string{
		"scheduler.timezone": cfg.Scheduler.Timezone,
		"log_bot.timezone":   cfg.LogBot.Timezone,
	} {
		if tz = strings.TrimSpace(tz); tz == "" {
			continue
		}
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("%s: invalid %q: %w", path, tz, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	}
	return nil
}

type durationField struct{ path, raw string }

func (c *Config) durations() []durationField {
	p := c.Pacing
	return []durationField{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"telegram.http_timeout", c.Telegram.HTTPTimeout},
		{"pacing.min_delay", p.MinDelay},
		{"pacing.base_delay", p.BaseDelay},
		{"pacing.max_delay", p.MaxDelay},
		{"pacing.flood_skip_threshold", p.FloodSkipThreshold},
		{"pacing.batch_rest_min", p.BatchRestMin},
		{"pacing.batch_rest_max", p.BatchRestMax},
		{"pacing.cycle_rest_min", p.CycleRestMin},
		{"pacing.cycle_rest_max", p.CycleRestMax},
		{"pacing.topic_pause", p.TopicPause},
		{"pacing.skipped_pause", p.SkippedPause},
		{"pacing.rejoin_pause", p.RejoinPause},
		{"pacing.retry_pause", p.RetryPause},
		{"pacing.limited_pause", p.LimitedPause},
		{"pacing.stop_check", p.StopCheck},
		{"pacing.call_timeout", p.CallTimeout},
		{"progress.interval", c.Progress.Interval},
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
		{"progress_mirror.redis.ttl", c.ProgressMirror.Redis.TTL},
	}
}
