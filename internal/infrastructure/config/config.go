package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Transfer  TransferConfig
	Apps      AppsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8765"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// TransferConfig holds defaults for compress, extract and upload.
type TransferConfig struct {
	SpeedUpdateInterval     time.Duration `envconfig:"SPEED_UPDATE_INTERVAL" default:"1s"`
	Smoothing               float64       `envconfig:"RATE_SMOOTHING" default:"0.3"`
	UploadTimeout           time.Duration `envconfig:"UPLOAD_TIMEOUT" default:"0s"`
	UploadFieldName         string        `envconfig:"UPLOAD_FIELD_NAME" default:"files"`
	UploadMethod            string        `envconfig:"UPLOAD_METHOD" default:"PATCH"`
	UploadMaxBytesPerSecond int           `envconfig:"UPLOAD_MAX_BPS" default:"0"`
}

// AppsConfig holds launcher configuration.
type AppsConfig struct {
	DataDir string `envconfig:"APP_DATA_DIR" default:""`
	UsePTY  bool   `envconfig:"APP_USE_PTY" default:"false"`
	// OutputBufferSize caps captured PTY output per app, in bytes.
	OutputBufferSize int `envconfig:"APP_OUTPUT_BUFFER" default:"1048576"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8765",
			Host: "127.0.0.1",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
		Transfer: TransferConfig{
			SpeedUpdateInterval: time.Second,
			Smoothing:           0.3,
			UploadFieldName:     "files",
			UploadMethod:        "PATCH",
		},
		Apps: AppsConfig{
			OutputBufferSize: 1 << 20,
		},
	}
}

// Address returns host:port for the HTTP listener.
func (s ServerConfig) Address() string {
	return s.Host + ":" + s.Port
}
