package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/tsangh5/BacktestGPT/internal/config"
)

func TestLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, Level("debug"))
	assert.Equal(t, zapcore.WarnLevel, Level("warn"))
	assert.Equal(t, zapcore.ErrorLevel, Level("error"))
	assert.Equal(t, zapcore.InfoLevel, Level("info"))
	assert.Equal(t, zapcore.InfoLevel, Level("verbose"))
}

func TestNew_WritesToConfiguredPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	logger, err := New(&config.LoggingConfig{Level: "warn", Format: "json", OutputPath: path})
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	logger.Warn("hello")
	require.NoError(t, logger.Sync())
	assert.FileExists(t, path)
}
