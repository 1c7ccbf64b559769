package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	PoolModeProcess = "process"
	PoolModeLocal   = "local"
)

// Config struct for environment variables.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFile  string `envconfig:"LOG_FILE"`

	DBPath      string `envconfig:"DB_PATH" default:"transfers.db"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`

	PoolMode      string        `envconfig:"POOL_MODE" default:"process"`
	PoolSize      int           `envconfig:"POOL_SIZE" default:"4"`
	PoolMaxQueued int           `envconfig:"POOL_MAX_QUEUED" default:"256"`
	PollInterval  time.Duration `envconfig:"POLL_INTERVAL" default:"100ms"`

	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"10s"`
	UserAgent   string        `envconfig:"USER_AGENT"`
	Proxy       string        `envconfig:"PROXY"`

	KeepHistoryFor  time.Duration `envconfig:"KEEP_HISTORY_FOR" default:"168h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	NATSURL           string `envconfig:"NATS_URL"`
	NATSSubject       string `envconfig:"NATS_SUBJECT" default:"ftransfer.transfers"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		MaxConnections  int           `split_words:"true" default:"128"`
	}

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"ftransfer"`
		ServiceVersion string        `split_words:"true" default:"dev"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure   bool          `envconfig:"OTLP_INSECURE" default:"true"`
		PushInterval   time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DownloadDir == "" {
		return fmt.Errorf("DOWNLOAD_DIR is required")
	}

	switch c.PoolMode {
	case PoolModeProcess, PoolModeLocal:
	default:
		return fmt.Errorf("invalid POOL_MODE %q: must be %s or %s", c.PoolMode, PoolModeProcess, PoolModeLocal)
	}

	if c.PoolSize <= 0 {
		return fmt.Errorf("invalid POOL_SIZE %d: must be positive", c.PoolSize)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid POLL_INTERVAL %s: must be positive", c.PollInterval)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
