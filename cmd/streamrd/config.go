package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds configuration for the streamrd demo binary.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Control-channel endpoints
	WSURL       string `env:"STREAM_WS_URL" envDefault:"ws://localhost:3002/ws"`
	RESTBaseURL string `env:"STREAM_REST_BASE_URL" envDefault:""`

	// Publisher identity
	PrivateKeyHex string `env:"STREAM_PRIVATE_KEY"`

	// Demo target
	StreamID       string `env:"STREAM_ID" envDefault:"demo-stream"`
	Partition      int    `env:"STREAM_PARTITION" envDefault:"0"`
	PublishEvery   time.Duration `env:"STREAM_PUBLISH_EVERY" envDefault:"2s"`
	Subscribe      bool   `env:"STREAM_SUBSCRIBE" envDefault:"true"`
	Publish        bool   `env:"STREAM_PUBLISH" envDefault:"true"`

	// Lifecycle behaviour
	AutoConnect    bool          `env:"STREAM_AUTO_CONNECT" envDefault:"true"`
	AutoDisconnect bool          `env:"STREAM_AUTO_DISCONNECT" envDefault:"false"`
	MaxQueueSize   int           `env:"STREAM_MAX_QUEUE_SIZE" envDefault:"10000"`

	// Observability
	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:":9102"`
	ResourceInterval time.Duration `env:"RESOURCE_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.WSURL == "" {
		return fmt.Errorf("STREAM_WS_URL is required")
	}
	if c.Publish && c.PrivateKeyHex == "" {
		return fmt.Errorf("STREAM_PRIVATE_KEY is required when STREAM_PUBLISH is true")
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("STREAM_MAX_QUEUE_SIZE must be > 0, got %d", c.MaxQueueSize)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging (Loki-compatible).
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("ws_url", c.WSURL).
		Str("rest_base_url", c.RESTBaseURL).
		Str("stream_id", c.StreamID).
		Int("partition", c.Partition).
		Bool("publish", c.Publish).
		Bool("subscribe", c.Subscribe).
		Bool("auto_connect", c.AutoConnect).
		Bool("auto_disconnect", c.AutoDisconnect).
		Int("max_queue_size", c.MaxQueueSize).
		Str("metrics_addr", c.MetricsAddr).
		Dur("resource_interval", c.ResourceInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("streamrd configuration loaded")
}
