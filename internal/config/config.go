package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	MaxBufferSize     int           `env:"MAX_BUFFER_SIZE" default:"1000"`
	DefaultBufferSize int           `env:"DEFAULT_BUFFER_SIZE" default:"100"`
	DebounceWindow    time.Duration `env:"DEBOUNCE_WINDOW" default:"500ms"`
	ThrottleSpacing   time.Duration `env:"THROTTLE_SPACING" default:"100ms"`
	BatchWindow       time.Duration `env:"BATCH_WINDOW" default:"200ms"`
	BatchMaxSize      int           `env:"BATCH_MAX_SIZE" default:"50"`
	ReplayBufferSize  int           `env:"REPLAY_BUFFER_SIZE" default:"16"`

	IdleSubscriptionThreshold time.Duration `env:"IDLE_SUBSCRIPTION_THRESHOLD" default:"30m"`
	ReaperInterval            time.Duration `env:"REAPER_INTERVAL" default:"5m"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" default:"75s"`

	CompressionThreshold int `env:"COMPRESSION_THRESHOLD" default:"1024"`
	FrameWorkers         int `env:"FRAME_WORKERS" default:"4"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"32"`
	ConnectionRate          float64 `env:"CONNECTION_RATE_PER_SECOND" default:"50"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"100"`

	RedisURL   string `env:"REDIS_URL"`
	InstanceID string `env:"INSTANCE_ID"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.InstanceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		cfg.InstanceID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.MaxBufferSize < 1 {
		return fmt.Errorf("MAX_BUFFER_SIZE must be at least 1, got %d", cfg.MaxBufferSize)
	}
	if cfg.DefaultBufferSize < 1 || cfg.DefaultBufferSize > cfg.MaxBufferSize {
		return fmt.Errorf("DEFAULT_BUFFER_SIZE must be between 1 and MAX_BUFFER_SIZE (%d), got %d", cfg.MaxBufferSize, cfg.DefaultBufferSize)
	}
	if cfg.BatchMaxSize < 1 {
		return fmt.Errorf("BATCH_MAX_SIZE must be at least 1, got %d", cfg.BatchMaxSize)
	}
	if cfg.ReplayBufferSize < 0 {
		return fmt.Errorf("REPLAY_BUFFER_SIZE must not be negative, got %d", cfg.ReplayBufferSize)
	}

	nonNegative := map[string]time.Duration{
		"DEBOUNCE_WINDOW":             cfg.DebounceWindow,
		"THROTTLE_SPACING":            cfg.ThrottleSpacing,
		"IDLE_SUBSCRIPTION_THRESHOLD": cfg.IdleSubscriptionThreshold,
	}
	for name, value := range nonNegative {
		if value < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, value)
		}
	}

	// These drive tickers and must be strictly positive.
	positive := map[string]time.Duration{
		"BATCH_WINDOW":       cfg.BatchWindow,
		"REAPER_INTERVAL":    cfg.ReaperInterval,
		"HEARTBEAT_INTERVAL": cfg.HeartbeatInterval,
		"HEARTBEAT_TIMEOUT":  cfg.HeartbeatTimeout,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, value)
		}
	}

	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%s) must be greater than HEARTBEAT_INTERVAL (%s)", cfg.HeartbeatTimeout, cfg.HeartbeatInterval)
	}
	if cfg.CompressionThreshold < 1 {
		return fmt.Errorf("COMPRESSION_THRESHOLD must be at least 1, got %d", cfg.CompressionThreshold)
	}
	if cfg.FrameWorkers < 1 {
		return fmt.Errorf("FRAME_WORKERS must be at least 1, got %d", cfg.FrameWorkers)
	}
	if cfg.MaxWebSocketConnections < 1 {
		return fmt.Errorf("MAX_WEBSOCKET_CONNECTIONS must be at least 1, got %d", cfg.MaxWebSocketConnections)
	}

	return nil
}
