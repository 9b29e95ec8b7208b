package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/tileabr/internal/quality"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8, cfg.Session.TileCount)
	assert.Equal(t, 5*time.Second, cfg.Governor.Cooldown)
	assert.Equal(t, 200*time.Millisecond, cfg.Sync.StartupDelay)
	assert.Equal(t, 5*time.Second, cfg.QREA.Period)
	assert.False(t, cfg.Trace.Loop)
	assert.Equal(t, quality.PolicyPerTile, cfg.Policy())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tileabr.yaml")
	yaml := `
session:
  tile_count: 4
  mode: source
  policy: uniform
quality:
  thresholds:
    high: 0.5
    low: 0.1
governor:
  cooldown: 1500ms
  motion_gate:
    enabled: true
qrea:
  switch_cap: 20
  latency:
    max_ms: 120
trace:
  location: https://example.com/camera_trace.csv
  loop: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("TILEABR_GOVERNOR__COOLDOWN", "2s")
	t.Setenv("TILEABR_SERVER__ADDR", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Session.TileCount)
	assert.Equal(t, "source", cfg.Session.Mode)
	assert.Equal(t, quality.PolicyUniform, cfg.Policy())
	assert.Equal(t, quality.Thresholds{High: 0.5, Low: 0.1}, cfg.Quality.Thresholds)
	assert.Equal(t, 2*time.Second, cfg.Governor.Cooldown, "env overrides the file")
	assert.True(t, cfg.Governor.MotionGate.Enabled)
	assert.Equal(t, 18.0, cfg.Governor.MotionGate.AngleDeg, "unset keys keep defaults")
	assert.Equal(t, 20, cfg.QREA.SwitchCap)
	assert.Equal(t, 0.4, cfg.QREA.Weights.Match)
	assert.Equal(t, 120.0, cfg.QREA.Latency.MaxMs)
	assert.True(t, cfg.Trace.Loop)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	testCases := map[string]func(*Config){
		"tile count":      func(c *Config) { c.Session.TileCount = 6 },
		"mode":            func(c *Config) { c.Session.Mode = "webrtc" },
		"policy":          func(c *Config) { c.Session.Policy = "random" },
		"threshold order": func(c *Config) { c.Quality.Thresholds = quality.Thresholds{High: 0.1, Low: 0.4} },
		"weights":         func(c *Config) { c.QREA.Weights.Stability = 0.5 },
		"ladder":          func(c *Config) { c.Quality.Ladder = c.Quality.Ladder[:2] },
		"db dsn":          func(c *Config) { c.Storage.DB.Driver = "postgres" },
		"exporter":        func(c *Config) { c.Storage.Exporter = "ftp" },
		"minio endpoint":  func(c *Config) { c.Storage.Exporter = "minio" },
	}
	for name, mutate := range testCases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
