package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DOWNLOAD_DIR", "/data")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/data", cfg.DownloadDir)
	assert.Equal(t, PoolModeProcess, cfg.PoolMode)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "0.0.0.0:9092", cfg.Web.BindAddress)
	assert.Equal(t, 128, cfg.Web.MaxConnections)
	assert.Equal(t, "ftransfer", cfg.Telemetry.ServiceName)
	assert.Empty(t, cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DOWNLOAD_DIR", "/data")
	t.Setenv("POOL_MODE", "local")
	t.Setenv("POOL_SIZE", "2")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:8080")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("TELEMETRY_ENABLED", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, PoolModeLocal, cfg.PoolMode)
	assert.Equal(t, 2, cfg.PoolSize)
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.BindAddress)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Run("missing download dir", func(t *testing.T) {
		t.Setenv("DOWNLOAD_DIR", "")

		_, err := LoadConfig()
		require.Error(t, err)
	})

	t.Run("bad pool mode", func(t *testing.T) {
		t.Setenv("DOWNLOAD_DIR", "/data")
		t.Setenv("POOL_MODE", "threads")

		_, err := LoadConfig()
		require.ErrorContains(t, err, "POOL_MODE")
	})
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
