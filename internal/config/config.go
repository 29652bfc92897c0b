// ABOUTME: Configuration loading and parsing for atlas-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete atlas-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Sessions SessionsConfig `yaml:"sessions"`
	Runs     RunsConfig     `yaml:"runs"`
	Events   EventsConfig   `yaml:"events"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// DatabaseConfig holds the audit database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CatalogConfig holds catalog seed configuration
type CatalogConfig struct {
	// SeedPath is an optional TOML file of catalog entries published at startup.
	SeedPath string `yaml:"seed_path"`
}

// SessionsConfig holds session lifecycle timing configuration
type SessionsConfig struct {
	IdleTimeout   time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw   string `yaml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// RunsConfig holds run execution configuration
type RunsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxQueueDepth int `yaml:"max_queue_depth"`
	RetryAttempts int `yaml:"retry_attempts"`

	CancelGracePeriod time.Duration `yaml:"-"`
	RetryInitialDelay time.Duration `yaml:"-"`
	RetryMaxDelay     time.Duration `yaml:"-"`

	CancelGracePeriodRaw string `yaml:"cancel_grace_period"`
	RetryInitialDelayRaw string `yaml:"retry_initial_delay"`
	RetryMaxDelayRaw     string `yaml:"retry_max_delay"`
}

// EventsConfig holds event stream configuration
type EventsConfig struct {
	// BufferCapacity is the per-run retention window (number of events).
	BufferCapacity int `yaml:"buffer_capacity"`

	HeartbeatInterval time.Duration `yaml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied by Load when fields are unset.
const (
	DefaultMaxConcurrent     = 4
	DefaultMaxQueueDepth     = 64
	DefaultRetryAttempts     = 3
	DefaultBufferCapacity    = 256
	DefaultIdleTimeout       = 15 * time.Minute
	DefaultSweepInterval     = 30 * time.Second
	DefaultCancelGrace       = 5 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultRetryInitialDelay = time.Second
	DefaultRetryMaxDelay     = 30 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued fields with defaults.
func (c *Config) applyDefaults() {
	if c.Runs.MaxConcurrent == 0 {
		c.Runs.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Runs.MaxQueueDepth == 0 {
		c.Runs.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if c.Runs.RetryAttempts == 0 {
		c.Runs.RetryAttempts = DefaultRetryAttempts
	}
	if c.Runs.CancelGracePeriod == 0 {
		c.Runs.CancelGracePeriod = DefaultCancelGrace
	}
	if c.Runs.RetryInitialDelay == 0 {
		c.Runs.RetryInitialDelay = DefaultRetryInitialDelay
	}
	if c.Runs.RetryMaxDelay == 0 {
		c.Runs.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.Events.BufferCapacity == 0 {
		c.Events.BufferCapacity = DefaultBufferCapacity
	}
	if c.Events.HeartbeatInterval == 0 {
		c.Events.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = DefaultIdleTimeout
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = DefaultSweepInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Runs.MaxConcurrent < 1 {
		return fmt.Errorf("runs.max_concurrent must be at least 1")
	}

	if c.Runs.MaxQueueDepth < c.Runs.MaxConcurrent {
		return fmt.Errorf("runs.max_queue_depth must be >= runs.max_concurrent")
	}

	if c.Events.BufferCapacity < 2 {
		return fmt.Errorf("events.buffer_capacity must be at least 2")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Sessions.IdleTimeoutRaw, "idle_timeout", &cfg.Sessions.IdleTimeout},
		{cfg.Sessions.SweepIntervalRaw, "sweep_interval", &cfg.Sessions.SweepInterval},
		{cfg.Runs.CancelGracePeriodRaw, "cancel_grace_period", &cfg.Runs.CancelGracePeriod},
		{cfg.Runs.RetryInitialDelayRaw, "retry_initial_delay", &cfg.Runs.RetryInitialDelay},
		{cfg.Runs.RetryMaxDelayRaw, "retry_max_delay", &cfg.Runs.RetryMaxDelay},
		{cfg.Events.HeartbeatIntervalRaw, "heartbeat_interval", &cfg.Events.HeartbeatInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
