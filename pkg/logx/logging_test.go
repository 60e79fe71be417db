package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").Component("worker").With(Campaign(7))
	log.Info("delivered", Account(3), String("dest", "Group A"), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "worker", m["comp"])
	assert.EqualValues(t, 7, m["campaign"])
	assert.EqualValues(t, 3, m["account"])
	assert.Equal(t, "Group A", m["dest"])
	assert.Equal(t, "boom", m["err"])
	assert.Equal(t, "delivered", m["message"])
}

func TestLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelDebug))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()
	var l Logger
	assert.True(t, l.IsZero())
	l.Error("nothing happens")
}

func TestServiceApplySwapsFileSink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path, MaxSizeMB: 1}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("first")
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path, MaxSizeMB: 1}})
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "abc", Truncate("abcdef", 3))
}
