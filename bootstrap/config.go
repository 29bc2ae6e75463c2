// Package bootstrap assembles a relay deployment from a YAML configuration file.
package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LockType selects the mutual-exclusion backend and, with it, the event source.
type LockType string

const (
	// LockLocal serves a single active instance: in-process leases, no claim stash.
	LockLocal LockType = "LOCAL"
	// LockRedis serves several instances: Redis leases and a Redis claim stash.
	LockRedis LockType = "REDIS"
)

// Supported database drivers.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

var (
	// ErrUnsupportedLockType is returned for a lock type other than LOCAL or REDIS.
	ErrUnsupportedLockType = errors.New("outbox bootstrap: unsupported lock type")
	// ErrUnsupportedDriver is returned for a database driver other than mysql or postgres.
	ErrUnsupportedDriver = errors.New("outbox bootstrap: unsupported database driver")
	// ErrDSNRequired is returned when the database DSN is missing.
	ErrDSNRequired = errors.New("outbox bootstrap: database dsn is required")
	// ErrRedisAddrRequired is returned when REDIS locking is selected without an address.
	ErrRedisAddrRequired = errors.New("outbox bootstrap: redis address is required")
	// ErrRetentionRequired is returned when a cleanup pass runs without a positive retention.
	ErrRetentionRequired = errors.New("outbox bootstrap: cleanup retention is required")
)

// Config is the deployment configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Lock     LockConfig     `yaml:"lock"`
	Redis    RedisConfig    `yaml:"redis"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	// Settings is the path of the per-type settings file. Empty means defaults only.
	Settings string `yaml:"settings"`
	// WatchSettings reloads the settings file when it changes.
	WatchSettings bool `yaml:"watchSettings"`
	// ExportInterval is the queue size export period; negative disables it.
	ExportInterval time.Duration `yaml:"exportInterval"`
	Cleanup        CleanupConfig `yaml:"cleanup"`
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
	// MaxOpenConns caps the pool; zero keeps the database/sql default.
	MaxOpenConns int `yaml:"maxOpenConns"`
}

// LockConfig selects the lock backend.
type LockConfig struct {
	Type LockType `yaml:"type"`
}

// RedisConfig addresses the shared Redis used by REDIS locking.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix namespaces lock and stash keys.
	Prefix string `yaml:"prefix"`
}

// MetricsConfig configures the OTLP metrics exporter. An empty endpoint disables metrics.
type MetricsConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	Interval    time.Duration `yaml:"interval"`
	ServiceName string        `yaml:"serviceName"`
}

// CleanupConfig configures removal of DISABLED events. A zero retention disables cleanup.
type CleanupConfig struct {
	Retention time.Duration `yaml:"retention"`
	Interval  time.Duration `yaml:"interval"`
	Limit     int           `yaml:"limit"`
	// ExhaustedAttempts also removes ENABLED events that reached this attempt count (MySQL only).
	ExhaustedAttempts int `yaml:"exhaustedAttempts"`
	// LockName overrides the MySQL advisory lock name.
	LockName string `yaml:"lockName"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("outbox bootstrap: read %s: %w", path, err)
	}

	return ParseConfig(data)
}

// ParseConfig decodes, defaults and validates a YAML configuration.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("outbox bootstrap: parse config: %w", err)
	}
	cfg = cfg.withDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.Lock.Type == "" {
		c.Lock.Type = LockLocal
	}
	c.Lock.Type = LockType(strings.ToUpper(string(c.Lock.Type)))
	c.Database.Driver = strings.ToLower(c.Database.Driver)
	if c.Metrics.Interval <= 0 {
		c.Metrics.Interval = 15 * time.Second
	}
	if c.Metrics.ServiceName == "" {
		c.Metrics.ServiceName = "outbox-relay"
	}

	return c
}

// Validate reports configuration errors that must stop startup.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverMySQL, DriverPostgres:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDriver, c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return ErrDSNRequired
	}

	switch c.Lock.Type {
	case LockLocal:
	case LockRedis:
		if c.Redis.Addr == "" {
			return ErrRedisAddrRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedLockType, c.Lock.Type)
	}

	return nil
}
