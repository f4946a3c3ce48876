package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"

	"github.com/durastore/durastore/internal/storage/rediskv"
	"github.com/durastore/durastore/internal/storage/s3kv"
	durableerrors "github.com/durastore/durastore/pkg/errors"
	"github.com/durastore/durastore/pkg/utils"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "DURASTORE_"

// Storage backends accepted in storage.backend
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
	BackendRedis  = "redis"
)

// Configuration represents the complete durastore configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Cache   CacheConfig   `yaml:"cache" envPrefix:"CACHE_"`
	Entity  EntityConfig  `yaml:"entity" envPrefix:"ENTITY_"`
	Backup  BackupConfig  `yaml:"backup" envPrefix:"BACKUP_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Outbox  OutboxConfig  `yaml:"outbox" envPrefix:"OUTBOX_"`
}

// GlobalConfig represents process-wide settings
type GlobalConfig struct {
	LogLevel       string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat      string `yaml:"log_format" env:"LOG_FORMAT"`
	ClientID       string `yaml:"client_id" env:"CLIENT_ID"`
	MetricsEnabled bool   `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
	MetricsAddress string `yaml:"metrics_address" env:"METRICS_ADDRESS"`

	// LogFile sends logs to a rotated file instead of stderr
	LogFile       string `yaml:"log_file" env:"LOG_FILE"`
	LogMaxSize    string `yaml:"log_max_size" env:"LOG_MAX_SIZE"`
	LogMaxBackups int    `yaml:"log_max_backups" env:"LOG_MAX_BACKUPS"`
	LogCompress   bool   `yaml:"log_compress" env:"LOG_COMPRESS"`

	// AdminAddress serves the health and admin endpoints; empty disables
	AdminAddress string `yaml:"admin_address" env:"ADMIN_ADDRESS"`

	// HealthInterval of the component health checks
	HealthInterval time.Duration `yaml:"health_interval" env:"HEALTH_INTERVAL"`

	// EventBuffer sizes the asynchronous event queue
	EventBuffer int `yaml:"event_buffer" env:"EVENT_BUFFER"`
}

// CacheConfig represents the tiered cache settings. Sizes are strings
// such as "64MB".
type CacheConfig struct {
	MemoryBudget  string        `yaml:"memory_budget" env:"MEMORY_BUDGET"`
	ReservedRatio float64       `yaml:"reserved_ratio" env:"RESERVED_RATIO"`
	GCTrigger     float64       `yaml:"gc_trigger" env:"GC_TRIGGER"`
	DefaultTTL    time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	EnableDisk    bool          `yaml:"enable_disk" env:"ENABLE_DISK"`

	Compression CompressionConfig `yaml:"compression" envPrefix:"COMPRESSION_"`

	GCInterval        time.Duration `yaml:"gc_interval" env:"GC_INTERVAL"`
	PressureInterval  time.Duration `yaml:"pressure_interval" env:"PRESSURE_INTERVAL"`
	PressureThreshold float64       `yaml:"pressure_threshold" env:"PRESSURE_THRESHOLD"`
}

// CompressionConfig represents compression settings
type CompressionConfig struct {
	Enabled    bool    `yaml:"enabled" env:"ENABLED"`
	Algorithm  string  `yaml:"algorithm" env:"ALGORITHM"`
	Threshold  string  `yaml:"threshold" env:"THRESHOLD"`
	MinSavings float64 `yaml:"min_savings" env:"MIN_SAVINGS"`
	Level      int     `yaml:"level" env:"LEVEL"`
}

// EntityConfig covers optimistic updates and conflict handling
type EntityConfig struct {
	MaxPending    int           `yaml:"max_pending" env:"MAX_PENDING"`
	UpdateMaxAge  time.Duration `yaml:"update_max_age" env:"UPDATE_MAX_AGE"`
	PruneInterval time.Duration `yaml:"prune_interval" env:"PRUNE_INTERVAL"`

	AutoResolveMargin time.Duration `yaml:"auto_resolve_margin" env:"AUTO_RESOLVE_MARGIN"`
	ConflictTimeout   time.Duration `yaml:"conflict_timeout" env:"CONFLICT_TIMEOUT"`
	SweepInterval     time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// BackupConfig represents backup settings
type BackupConfig struct {
	MaxBackups int           `yaml:"max_backups" env:"MAX_BACKUPS"`
	Persist    bool          `yaml:"persist" env:"PERSIST"`
	Interval   time.Duration `yaml:"interval" env:"INTERVAL"`
}

// StorageConfig selects the persistence medium
type StorageConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"`

	// Path is the directory for "file" and the database file for "sqlite"
	Path string `yaml:"path" env:"PATH"`

	S3    s3kv.Config    `yaml:"s3" envPrefix:"S3_"`
	Redis rediskv.Config `yaml:"redis" envPrefix:"REDIS_"`
}

// OutboxConfig represents remote sync delivery settings
type OutboxConfig struct {
	Capacity      int           `yaml:"capacity" env:"CAPACITY"`
	BatchSize     int           `yaml:"batch_size" env:"BATCH_SIZE"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	Workers       int           `yaml:"workers" env:"WORKERS"`
	RatePerSecond float64       `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	Burst         int           `yaml:"burst" env:"BURST"`

	Retry          RetryConfig          `yaml:"retry" envPrefix:"RETRY_"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"BREAKER_"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:       "INFO",
			LogFormat:      "text",
			MetricsEnabled: false,
			MetricsAddress: ":9090",
			LogMaxSize:     "100MB",
			LogMaxBackups:  5,
			LogCompress:    true,
			HealthInterval: 30 * time.Second,
			EventBuffer:    1024,
		},
		Cache: CacheConfig{
			MemoryBudget:  "64MB",
			ReservedRatio: 0.1,
			GCTrigger:     0.8,
			EnableDisk:    true,
			Compression: CompressionConfig{
				Enabled:    true,
				Algorithm:  "zstd",
				Threshold:  "1KB",
				MinSavings: 0.1,
			},
			GCInterval:        5 * time.Minute,
			PressureInterval:  30 * time.Second,
			PressureThreshold: 0.8,
		},
		Entity: EntityConfig{
			MaxPending:        100,
			UpdateMaxAge:      time.Hour,
			PruneInterval:     5 * time.Minute,
			AutoResolveMargin: 60 * time.Second,
			ConflictTimeout:   30 * time.Minute,
			SweepInterval:     time.Minute,
		},
		Backup: BackupConfig{
			MaxBackups: 10,
			Persist:    true,
			Interval:   time.Hour,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			S3:      *s3kv.NewDefaultConfig(),
			Redis:   rediskv.Config{Namespace: "durastore:"},
		},
		Outbox: OutboxConfig{
			Capacity:      1000,
			BatchSize:     50,
			FlushInterval: 2 * time.Second,
			Workers:       2,
			RatePerSecond: 5,
			Burst:         10,
			Retry: RetryConfig{
				MaxAttempts: 4,
				BaseDelay:   250 * time.Millisecond,
				MaxDelay:    30 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
	}
}

// Load builds a configuration from defaults, an optional YAML file and
// the environment, in that order, and validates it.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file over the current values
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return durableerrors.NewError(durableerrors.ErrCodeConfigLoad, "failed to read config file").
			WithContext("file", filename).
			WithCause(err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return durableerrors.NewError(durableerrors.ErrCodeConfigLoad, "failed to parse config file").
			WithContext("file", filename).
			WithCause(err)
	}

	return nil
}

// LoadFromEnv applies DURASTORE_* environment overrides. Unset variables
// leave the current values alone.
func (c *Configuration) LoadFromEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MemoryBudgetBytes parses cache.memory_budget
func (c *Configuration) MemoryBudgetBytes() (int64, error) {
	return utils.ParseBytes(c.Cache.MemoryBudget)
}

// CompressionThresholdBytes parses cache.compression.threshold
func (c *Configuration) CompressionThresholdBytes() (int64, error) {
	if c.Cache.Compression.Threshold == "" {
		return 0, nil
	}
	return utils.ParseBytes(c.Cache.Compression.Threshold)
}

// Validate validates the configuration. Failures carry INVALID_CONFIG.
func (c *Configuration) Validate() error {
	if err := c.validate(); err != nil {
		return durableerrors.NewError(durableerrors.ErrCodeInvalidConfig, err.Error()).
			WithComponent("config").
			WithOperation("validate")
	}
	return nil
}

func (c *Configuration) validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	switch strings.ToLower(c.Global.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	if c.Global.LogFile != "" {
		if _, err := utils.ParseBytes(c.Global.LogMaxSize); err != nil {
			return fmt.Errorf("invalid log_max_size: %w", err)
		}
	}

	budget, err := c.MemoryBudgetBytes()
	if err != nil {
		return fmt.Errorf("invalid cache.memory_budget: %w", err)
	}
	if budget <= 0 {
		return fmt.Errorf("cache.memory_budget must be greater than 0")
	}
	if c.Cache.ReservedRatio < 0 || c.Cache.ReservedRatio >= 1 {
		return fmt.Errorf("cache.reserved_ratio must be in [0, 1)")
	}
	if c.Cache.GCTrigger <= 0 || c.Cache.GCTrigger > 1 {
		return fmt.Errorf("cache.gc_trigger must be in (0, 1]")
	}
	if c.Cache.PressureThreshold <= 0 || c.Cache.PressureThreshold > 1 {
		return fmt.Errorf("cache.pressure_threshold must be in (0, 1]")
	}
	if _, err := c.CompressionThresholdBytes(); err != nil {
		return fmt.Errorf("invalid cache.compression.threshold: %w", err)
	}
	switch c.Cache.Compression.Algorithm {
	case "zstd", "s2", "gzip", "brotli":
	default:
		return fmt.Errorf("invalid cache.compression.algorithm: %s", c.Cache.Compression.Algorithm)
	}

	if c.Entity.MaxPending <= 0 {
		return fmt.Errorf("entity.max_pending must be greater than 0")
	}
	if c.Entity.AutoResolveMargin < 0 {
		return fmt.Errorf("entity.auto_resolve_margin cannot be negative")
	}
	if c.Backup.MaxBackups <= 0 {
		return fmt.Errorf("backup.max_backups must be greater than 0")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend)
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s", c.Storage.Backend)
	}

	if c.Outbox.Capacity <= 0 || c.Outbox.BatchSize <= 0 || c.Outbox.Workers <= 0 {
		return fmt.Errorf("outbox capacity, batch_size and workers must be greater than 0")
	}
	if c.Outbox.RatePerSecond < 0 {
		return fmt.Errorf("outbox.rate_per_second cannot be negative")
	}

	return nil
}
