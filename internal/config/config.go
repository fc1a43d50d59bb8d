// Package config provides configuration loading and management for the
// replication orchestrator.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Server holds the HTTP listener settings
	Server ServerConfig `yaml:"server,omitempty"`

	// Database holds the PostgreSQL settings; when nil the server runs
	// with in-memory stores (standalone mode)
	Database *DatabaseConfig `yaml:"database,omitempty"`

	// Dispatcher tunes the task worker pool
	Dispatcher DispatcherConfig `yaml:"dispatcher,omitempty"`

	// Events configures the optional artifact-event sources feeding
	// event-driven triggers
	Events *EventsConfig `yaml:"events,omitempty"`

	// LogDir is where per-task transfer logs are written
	LogDir string `yaml:"logDir,omitempty"`

	// LogArchive configures optional long-term task log storage
	LogArchive *LogArchiveConfig `yaml:"logArchive,omitempty"`
}

// ServerConfig defines the HTTP listener settings
type ServerConfig struct {
	// Address is the listen address, e.g. ":8080"
	Address string `yaml:"address,omitempty"`
}

// DispatcherConfig tunes the worker pool executing replication tasks
type DispatcherConfig struct {
	// Workers is the fixed worker pool size
	Workers int `yaml:"workers,omitempty"`

	// QueueSize is the bounded task queue capacity
	QueueSize int `yaml:"queueSize,omitempty"`

	// MaxRetries is the default transient-failure retry budget
	MaxRetries int `yaml:"maxRetries,omitempty"`

	// PerDestinationLimit caps concurrent tasks per destination endpoint
	PerDestinationLimit int64 `yaml:"perDestinationLimit,omitempty"`

	// TaskTimeout is the per-attempt wall-clock deadline (e.g. "30m")
	TaskTimeout string `yaml:"taskTimeout,omitempty"`

	// InitialBackoff and MaxBackoff shape the retry backoff curve
	InitialBackoff string `yaml:"initialBackoff,omitempty"`
	MaxBackoff     string `yaml:"maxBackoff,omitempty"`
}

// EventsConfig configures artifact-event ingestion
type EventsConfig struct {
	Kafka *KafkaConfig `yaml:"kafka,omitempty"`
}

// KafkaConfig defines the Kafka consumer for artifact events
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"groupId,omitempty"`
}

// LogArchiveConfig configures task log archival
type LogArchiveConfig struct {
	S3 *S3Config `yaml:"s3,omitempty"`
}

// S3Config defines the S3 bucket task logs are archived to
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// This is the recommended approach for production deployments.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from OCIMIRROR_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv("OCIMIRROR_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or OCIMIRROR_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper
// password handling. The password is URL-escaped to handle special
// characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	escapedPassword := url.QueryEscape(password)

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	), nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetAddress returns the listen address, defaulting to ":8080".
func (c *Config) GetAddress() string {
	if c.Server.Address == "" {
		return ":8080"
	}
	return c.Server.Address
}

// GetLogDir returns the task log directory, defaulting to ./data/tasklogs.
func (c *Config) GetLogDir() string {
	if c.LogDir == "" {
		return "./data/tasklogs"
	}
	return c.LogDir
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Database != nil {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Port == 0 {
			return fmt.Errorf("database.port is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required")
		}
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"dispatcher.taskTimeout", c.Dispatcher.TaskTimeout},
		{"dispatcher.initialBackoff", c.Dispatcher.InitialBackoff},
		{"dispatcher.maxBackoff", c.Dispatcher.MaxBackoff},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s must be a valid duration (e.g. '30m'): %w", field.name, err)
		}
	}

	if c.Events != nil && c.Events.Kafka != nil {
		if len(c.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required")
		}
		if c.Events.Kafka.Topic == "" {
			return fmt.Errorf("events.kafka.topic is required")
		}
	}

	if c.LogArchive != nil && c.LogArchive.S3 != nil && c.LogArchive.S3.Bucket == "" {
		return fmt.Errorf("logArchive.s3.bucket is required")
	}

	return nil
}

// ParseDuration parses an optional duration field, returning fallback
// for the empty string.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
