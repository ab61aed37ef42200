// Package config provides porthos configuration loaded from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/porthos/pkg/semver"
)

const logPrefix = "config:LoadConfig"

// Transport names accepted in TRANSPORT.
const (
	TransportNATS  = "nats"
	TransportRedis = "redis"
)

// Config holds porthos configuration.
type Config struct {
	// Broker selection: COMMS (NATS) at COMMSURL or Redis Streams at RedisURL.
	Transport string `envconfig:"TRANSPORT" default:"nats"`
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"COMMS_NAME" default:"porthos"`
	RedisURL  string `envconfig:"REDIS_URL" default:"redis://127.0.0.1:6379/0"`

	// ServiceName is the destination requests are published to and that serve consumes.
	ServiceName string `envconfig:"SERVICE_NAME" default:"porthos"`
	// ServiceVersion is stamped on replies by serve (X-Service-Version).
	ServiceVersion string `envconfig:"SERVICE_VERSION"`
	// RequiredServiceVersion is checked against replies by call (e.g. "^1.2.0").
	RequiredServiceVersion string `envconfig:"REQUIRED_SERVICE_VERSION"`

	// Timeouts
	RequestTTL     time.Duration `envconfig:"REQUEST_TTL" default:"2m"`
	CallTimeout    time.Duration `envconfig:"CALL_TIMEOUT" default:"25s"`
	HandlerTimeout time.Duration `envconfig:"HANDLER_TIMEOUT" default:"25s"`

	// Diagnostics
	UnmatchedEventSubject string `envconfig:"UNMATCHED_EVENT_SUBJECT"`

	// Database (optional): enables the unmatched-delivery store.
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP health endpoint for serve (HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	return &c, nil
}

// ValidateTransport checks the broker settings shared by call, notify and serve.
func (c *Config) ValidateTransport() error {
	switch c.Transport {
	case TransportNATS:
		if c.COMMSURL == "" {
			return fmt.Errorf("%s - COMMS_URL is required for the nats transport", logPrefix)
		}
	case TransportRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%s - REDIS_URL is required for the redis transport", logPrefix)
		}
	default:
		return fmt.Errorf("%s - TRANSPORT must be %q or %q, got %q", logPrefix, TransportNATS, TransportRedis, c.Transport)
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("%s - SERVICE_NAME is required", logPrefix)
	}
	return nil
}

// ValidateForCall checks required config when sending requests.
func (c *Config) ValidateForCall() error {
	if err := c.ValidateTransport(); err != nil {
		return err
	}
	if c.RequestTTL <= 0 {
		return fmt.Errorf("%s - REQUEST_TTL must be positive", logPrefix)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("%s - CALL_TIMEOUT must be positive", logPrefix)
	}
	if err := semver.ValidateConstraint(c.RequiredServiceVersion); err != nil {
		return fmt.Errorf("%s - REQUIRED_SERVICE_VERSION: %w", logPrefix, err)
	}
	return nil
}

// ValidateForServe checks required config when running the responder.
func (c *Config) ValidateForServe() error {
	if err := c.ValidateTransport(); err != nil {
		return err
	}
	if c.HandlerTimeout <= 0 {
		return fmt.Errorf("%s - HANDLER_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.ServiceVersion != "" {
		if err := semver.ValidateVersion(c.ServiceVersion); err != nil {
			return fmt.Errorf("%s - SERVICE_VERSION: %w", logPrefix, err)
		}
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, unmatched).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogging installs a text handler on stdout at the configured level.
func (c *Config) SetupLogging() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: c.SlogLevel()})))
}
