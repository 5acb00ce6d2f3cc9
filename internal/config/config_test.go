package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, c.Sync.Interval)
	assert.Equal(t, 4, c.Sync.Concurrency)
	assert.Equal(t, filepath.Join(".offsync", "offline.db"), c.DatabasePath())
	assert.Equal(t, filepath.Join(".offsync", "staging"), c.StagingPath())
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "offsync.yaml", `
data_dir: /var/lib/offsync
database: /tmp/other.db
sync:
  interval: 30s
  concurrency: 8
log:
  level: debug
  format: json
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, c.Sync.Interval)
	assert.Equal(t, 10*time.Minute, c.Sync.Periodic, "unset keys keep defaults")
	assert.Equal(t, 8, c.Sync.Concurrency)
	assert.Equal(t, "/tmp/other.db", c.DatabasePath())
	assert.Equal(t, filepath.Join("/var/lib/offsync", "staging"), c.StagingPath())
	assert.Equal(t, "json", c.Log.Format)
}

func TestLoad_EmptyFile(t *testing.T) {
	c, err := Load(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Sync, c.Sync)
}

func TestLoad_UnknownKey(t *testing.T) {
	_, err := Load(writeFile(t, "bad.yaml", "sync:\n  intervall: 1m\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intervall")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OFFSYNC_SYNC_INTERVAL", "1m")
	t.Setenv("OFFSYNC_SYNC_CONCURRENCY", "2")
	t.Setenv("OFFSYNC_DATA_DIR", "/data")

	c, err := Load(writeFile(t, "c.yaml", "sync:\n  interval: 30s\n"))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, c.Sync.Interval)
	assert.Equal(t, 2, c.Sync.Concurrency)
	assert.Equal(t, "/data", c.DataDir)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("OFFSYNC_SYNC_PERIODIC", "soon")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OFFSYNC_SYNC_PERIODIC")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Sync.Concurrency = 0 }},
		{"negative interval", func(c *Config) { c.Sync.Interval = -time.Second }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "OFFSYNC_LOG_LEVEL=warn\n")
	t.Setenv("OFFSYNC_LOG_LEVEL", "")
	os.Unsetenv("OFFSYNC_LOG_LEVEL")

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path))
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", c.Log.Level)

	level, err := ParseLevel(c.Log.Level)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}
