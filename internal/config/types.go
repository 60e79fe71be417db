package config

// Config is the whole process configuration. All durations are Go duration
// strings ("500ms", "25s", "10m"); empty means the component default.
type Config struct {
	Logging        LoggingConfig        `json:"logging"`
	Storage        StorageConfig        `json:"storage"`
	Telegram       TelegramConfig       `json:"telegram"`
	Pacing         PacingConfig         `json:"pacing"`
	Progress       ProgressConfig       `json:"progress"`
	Scheduler      SchedulerConfig      `json:"scheduler"`
	HTTP           HTTPConfig           `json:"http"`
	LogBot         LogBotConfig         `json:"log_bot"`
	Events         EventsConfig         `json:"events"`
	ProgressMirror ProgressMirrorConfig `json:"progress_mirror"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn error TRACE DEBUG INFO WARN ERROR"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile is the rotating JSON sink. Sizes are in megabytes.
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path" validate:"required_if=Enabled true"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `json:"max_backups,omitempty" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days,omitempty" validate:"gte=0"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/bumpcast.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bump@db/bump?sslmode=disable" }
type StorageConfig struct {
	Driver       string `json:"driver" validate:"omitempty,oneof=sqlite sqlite3 postgres postgresql"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty" validate:"gte=0"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
}

// TelegramConfig tunes the Bot API provider. Tokens live on the accounts.
type TelegramConfig struct {
	APIURL      string  `json:"api_url,omitempty" validate:"omitempty,url"`
	HTTPTimeout string  `json:"http_timeout,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst       int     `json:"burst,omitempty" validate:"gte=0"`
}

// PacingConfig overrides the delivery pacing. Zero values keep the defaults,
// except for Jitter.
type PacingConfig struct {
	MinDelay  string `json:"min_delay,omitempty"`
	BaseDelay string `json:"base_delay,omitempty"`
	MaxDelay  string `json:"max_delay,omitempty"`
	// Jitter is the spread of adaptive delays. Unset keeps the default; an
	// explicit 0 turns jitter off.
	Jitter *float64 `json:"jitter,omitempty" validate:"omitempty,gte=0,lt=1"`

	SpeedupAfter    int     `json:"speedup_after,omitempty" validate:"gte=0"`
	SpeedupFactor   float64 `json:"speedup_factor,omitempty" validate:"gte=0,lte=1"`
	FailureFactor   float64 `json:"failure_factor,omitempty" validate:"omitempty,gte=1"`
	TransientFactor float64 `json:"transient_factor,omitempty" validate:"omitempty,gte=1"`

	FloodSkipThreshold string `json:"flood_skip_threshold,omitempty"`

	BatchMin     int    `json:"batch_min,omitempty" validate:"gte=0"`
	BatchMax     int    `json:"batch_max,omitempty" validate:"gte=0"`
	BatchRestMin string `json:"batch_rest_min,omitempty"`
	BatchRestMax string `json:"batch_rest_max,omitempty"`
	CycleRestMin string `json:"cycle_rest_min,omitempty"`
	CycleRestMax string `json:"cycle_rest_max,omitempty"`

	TopicPause   string `json:"topic_pause,omitempty"`
	SkippedPause string `json:"skipped_pause,omitempty"`
	RejoinPause  string `json:"rejoin_pause,omitempty"`
	RetryPause   string `json:"retry_pause,omitempty"`

	MaxConsecutiveErrors int    `json:"max_consecutive_errors,omitempty" validate:"gte=0"`
	LimitedPause         string `json:"limited_pause,omitempty"`

	StopCheck   string `json:"stop_check,omitempty"`
	CallTimeout string `json:"call_timeout,omitempty"`
}

type ProgressConfig struct {
	Interval   string `json:"interval,omitempty"`
	RecentLogs int    `json:"recent_logs,omitempty" validate:"gte=0"`
}

// SchedulerConfig drives the sweep that starts campaigns whose scheduled time
// has passed. Spec is a cron expression or descriptor ("@every 30s").
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// HTTPConfig controls the control API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - Set a token when binding anywhere else; it is sent as a bearer token.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"required_if=Enabled true"`
	Token   string `json:"token,omitempty"`
	// Pprof mounts the runtime profiler under /debug.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// LogBotConfig controls per-client delivery notifications. Bot tokens and
// target chats are stored per client in the database.
type LogBotConfig struct {
	Enabled    bool    `json:"enabled"`
	RatePerSec float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst      int     `json:"burst,omitempty" validate:"gte=0"`
	Timezone   string  `json:"timezone,omitempty"`
}

type EventsConfig struct {
	AMQP AMQPConfig `json:"amqp"`
}

// AMQPConfig publishes delivery and campaign events to a topic exchange.
type AMQPConfig struct {
	Enabled   bool   `json:"enabled"`
	URL       string `json:"url,omitempty" validate:"required_if=Enabled true"`
	Exchange  string `json:"exchange,omitempty"`
	QueueSize int    `json:"queue_size,omitempty" validate:"gte=0"`
}

type ProgressMirrorConfig struct {
	Redis RedisConfig `json:"redis"`
}

// RedisConfig mirrors progress snapshots into Redis for other processes.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty" validate:"required_if=Enabled true"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty" validate:"gte=0"`
	Prefix   string `json:"prefix,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}
