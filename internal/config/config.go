package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Environment
	GoEnv string `env:"GO_ENV" default:"development"`

	// Coordinator
	ListenPort int     `env:"LISTEN_PORT" default:"2600"`
	HTTPPort   int     `env:"HTTP_PORT" default:"8080"`
	AcceptRate float64 `env:"ACCEPT_RATE" default:"0"`

	// Channel timing
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"40s"`
	RetryInterval     time.Duration `env:"RETRY_INTERVAL" default:"5s"`
	DialTimeout       time.Duration `env:"DIAL_TIMEOUT" default:"10s"`

	// Workstation
	EndpointFile string `env:"ENDPOINT_FILE" default:"./server.conf"`

	// Presence, both optional
	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`

	// Admin API
	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" default:"12h"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"json"`
}

// LoadConfig reads .env from the working directory, if present, and then
// the process environment.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(".env")
}

// LoadConfigFrom is LoadConfig with an explicit env file. A missing file is
// not an error; variables already set in the environment win.
func LoadConfigFrom(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}

	config := &Config{}

	if err := loadEnvString(&config.GoEnv, "GO_ENV", "development"); err != nil {
		return nil, err
	}

	// Ports
	if err := loadEnvInt(&config.ListenPort, "LISTEN_PORT", 2600); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.HTTPPort, "HTTP_PORT", 8080); err != nil {
		return nil, err
	}
	if err := loadEnvFloat(&config.AcceptRate, "ACCEPT_RATE", 0); err != nil {
		return nil, err
	}

	// Timing
	if err := loadEnvDuration(&config.HeartbeatInterval, "HEARTBEAT_INTERVAL", 40*time.Second); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.RetryInterval, "RETRY_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.DialTimeout, "DIAL_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	if err := loadEnvString(&config.EndpointFile, "ENDPOINT_FILE", "./server.conf"); err != nil {
		return nil, err
	}

	// Presence
	if err := loadEnvString(&config.RedisURL, "REDIS_URL", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.DatabaseURL, "DATABASE_URL", ""); err != nil {
		return nil, err
	}

	// Admin API
	if err := loadEnvString(&config.JWTSecret, "JWT_SECRET", ""); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.TokenTTL, "TOKEN_TTL", 12*time.Hour); err != nil {
		return nil, err
	}

	// Logging
	if err := loadEnvString(&config.LogLevel, "LOG_LEVEL", "info"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.LogFormat, "LOG_FORMAT", "json"); err != nil {
		return nil, err
	}
	return config, nil
}

func loadEnvString(target *string, key, defaultValue string) error {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvFloat(target *float64, key string, defaultValue float64) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	var errs []string

	if c.ListenPort < 1 || c.ListenPort > 65535 {
		errs = append(errs, "LISTEN_PORT must be between 1 and 65535")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, "HTTP_PORT must be between 1 and 65535")
	}
	if c.AcceptRate < 0 {
		errs = append(errs, "ACCEPT_RATE must not be negative")
	}

	if c.HeartbeatInterval <= 0 {
		errs = append(errs, "HEARTBEAT_INTERVAL must be positive")
	}
	if c.RetryInterval <= 0 {
		errs = append(errs, "RETRY_INTERVAL must be positive")
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, "DIAL_TIMEOUT must be positive")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}
	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, c.LogFormat) {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateServe adds the checks that only the coordinator needs.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}

	var errs []string
	if c.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(c.JWTSecret) < 32 {
		errs = append(errs, "JWT_SECRET should be at least 32 characters long")
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, "TOKEN_TTL must be positive")
	}
	if c.ListenPort == c.HTTPPort {
		errs = append(errs, "LISTEN_PORT and HTTP_PORT must differ")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.GoEnv == "development"
}

func (c *Config) IsProduction() bool {
	return c.GoEnv == "production"
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
