package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel(" WARN ")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewWritesToOutputPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tileabr.log")
	cfg := DefaultConfig()
	cfg.OutputPaths = []string{path}
	cfg.Level = "debug"

	logger, err := New(cfg)
	require.NoError(t, err)
	logger.Named("governor").Debug("Tile queued level", zap.Int("tile", 3))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"logger":"governor"`)
	assert.Contains(t, string(data), `"tile":3`)
}

func TestNewRejectsEncoding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Encoding = "xml"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestInstallReplacesGlobal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutputPaths = []string{filepath.Join(t.TempDir(), "out.log")}
	logger, restore, err := Install(cfg)
	require.NoError(t, err)
	assert.Same(t, logger, zap.L())
	restore()
	assert.NotSame(t, logger, zap.L())
}
