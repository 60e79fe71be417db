package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./data/bumpcast.db
pacing:
  base_delay: 30s
  jitter: 0.2
scheduler:
  enabled: true
  spec: "@every 30s"
http:
  enabled: true
  addr: 127.0.0.1:8080
events:
  amqp:
    enabled: false
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "30s", cfg.Pacing.BaseDelay)
	require.NotNil(t, cfg.Pacing.Jitter)
	assert.InDelta(t, 0.2, *cfg.Pacing.Jitter, 1e-9)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr)
	assert.Same(t, cfg, m.Get())
	require.NoError(t, Validate(cfg))
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	_, err := NewManager(writeFile(t, "c.json", `{"logging":{"level":"info"},"nope":1}`)).Parse()
	require.Error(t, err)

	_, err = NewManager(writeFile(t, "c.json", `{"logging":{}}{"logging":{}}`)).Parse()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"http without addr", func(c *Config) { c.HTTP.Enabled = true }, "http.addr"},
		{"amqp without url", func(c *Config) { c.Events.AMQP.Enabled = true }, "events.amqp.url"},
		{"redis without addr", func(c *Config) { c.ProgressMirror.Redis.Enabled = true }, "progress_mirror.redis.addr"},
		{"bad duration", func(c *Config) { c.Pacing.TopicPause = "soon" }, "pacing.topic_pause"},
		{"negative duration", func(c *Config) { c.Progress.Interval = "-1s" }, "progress.interval"},
		{"jitter too big", func(c *Config) { j := 1.5; c.Pacing.Jitter = &j }, "pacing.jitter"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			tc.mut(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
	require.NoError(t, Validate(&Config{}))
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{HTTP: HTTPConfig{Enabled: true, Addr: ":8080", Token: "a"}}
	newCfg := &Config{HTTP: HTTPConfig{Enabled: true, Addr: ":8080", Token: "b"}, Pacing: PacingConfig{BaseDelay: "20s"}}

	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"http", "pacing"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"http"}, RestartRequired(sections))

	sections, _ = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, sections)
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)
	d, err = ParseDurationOrDefault("x", "2m", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want time.Duration
		err  string
	}{
		{"", 0, ""},
		{" 90 ", 90 * time.Second, ""},
		{"1h30m", 90 * time.Minute, ""},
		{"-5s", 0, "pacing.topic_pause: \"-5s\" is negative"},
		{"-5", 0, "is negative"},
		{"soon", 0, "pacing.topic_pause: \"soon\" is not a duration"},
	}
	for _, tc := range cases {
		d, err := ParseDurationField("pacing.topic_pause", tc.raw)
		if tc.err != "" {
			require.ErrorContains(t, err, tc.err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, d, tc.raw)
	}
}

func TestParseYAMLEdgeCases(t *testing.T) {
	t.Parallel()
	cfg, err := NewManager(writeFile(t, "config.yml", "# nothing yet\n")).Parse()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)

	_, err = NewManager(writeFile(t, "config.yaml", "pacing:\n  1: 30s\n")).Parse()
	require.ErrorContains(t, err, "config.yaml: pacing: key 1 is not a string")

	_, err = NewManager(writeFile(t, "config.yaml", "pacing: [unclosed\n")).Parse()
	require.ErrorContains(t, err, "config.yaml: ")
}

func TestWatchPublishesValidatedChange(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"pacing":{"base_delay":"25s"}}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)

	// An invalid change is rejected and never published.
	require.NoError(t, os.WriteFile(path, []byte(`{"pacing":{"base_delay":"nope"}}`), 0o600))
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg.Pacing)
	case <-time.After(700 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"pacing":{"base_delay":"40s"}}`), 0o600))
	select {
	case cfg := <-sub:
		assert.Equal(t, "40s", cfg.Pacing.BaseDelay)
		assert.Equal(t, "40s", m.Get().Pacing.BaseDelay)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not published")
	}
}
