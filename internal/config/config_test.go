package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Loop.RateLimit)
	assert.Equal(t, 10*time.Minute, cfg.Loop.RateWindow)
	assert.True(t, cfg.Loop.DiscardOnStop)
	assert.Equal(t, 0.6, cfg.Graph.GapThreshold)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Loop.TickInterval, cfg.Loop.TickInterval)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".mentord", "config.yaml")

	cfg := DefaultConfig()
	cfg.Loop.TickInterval = 42 * time.Second
	cfg.Graph.GapThreshold = 0.75
	cfg.Logging.DebugMode = true
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42*time.Second, loaded.Loop.TickInterval)
	assert.Equal(t, 0.75, loaded.Graph.GapThreshold)
	assert.True(t, loaded.Logging.DebugMode)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loop:\n  rate_limit: 7\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Loop.RateLimit)
	assert.Equal(t, DefaultConfig().Loop.RateWindow, cfg.Loop.RateWindow)
	assert.Equal(t, DefaultConfig().Graph.GapThreshold, cfg.Graph.GapThreshold)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MENTORD_DB_PATH", "/tmp/alt.db")
	t.Setenv("MENTORD_TICK_INTERVAL", "3s")
	t.Setenv("MENTORD_RATE_LIMIT", "9")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/alt.db", cfg.Store.DatabasePath)
	assert.Equal(t, 3*time.Second, cfg.Loop.TickInterval)
	assert.Equal(t, 9, cfg.Loop.RateLimit)
}

func TestValidateRejectsBadTunables(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero confidence gain", func(c *Config) { c.Graph.ConfidenceGain = 0 }},
		{"gap threshold above one", func(c *Config) { c.Graph.GapThreshold = 1.5 }},
		{"zero rate limit", func(c *Config) { c.Loop.RateLimit = 0 }},
		{"negative rate window", func(c *Config) { c.Loop.RateWindow = -time.Second }},
		{"negative retry budget", func(c *Config) { c.Store.RetryBudget = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loop:\n  rate_limit: -2\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
