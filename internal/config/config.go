// Package config handles healthmon configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (later sources win):
//  1. Defaults
//  2. Config file (YAML)
//  3. .env file, for variables not already set in the environment
//  4. Environment variables (HEALTHMON_*)
//  5. Command-line flags, applied by the caller
//
// Environment variable names are the section and field in upper snake case,
// for example HEALTHMON_STORAGE_DSN or HEALTHMON_NOTIFY_SINK_TIMEOUT.
//
// # Example Config File
//
//	server:
//	  addr: :8080
//	  api_key_hash: $2a$10$...
//
//	storage:
//	  driver: postgres
//	  dsn: postgres://localhost:5432/healthmon?sslmode=disable
//	  retention: 720h
//
//	redis:
//	  url: redis://localhost:6379/0
//
//	notify:
//	  workers: 4
//	  smtp:
//	    host: smtp.example.com
//	    from: healthmon@example.com
//
//	secrets:
//	  backend: 1password
//	  connect_host: https://op-connect.internal
//
//	bootstrap: /etc/healthmon/bootstrap.yaml
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/pilot-net/healthmon/internal/notify"
	"github.com/pilot-net/healthmon/internal/secrets"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HEALTHMON"

// Config is the complete healthmon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Events    EventsConfig    `yaml:"events"`
	Incidents IncidentsConfig `yaml:"incidents"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Secrets   secrets.Config  `yaml:"secrets"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Bootstrap is a YAML file of checks, rules and channels registered at
	// startup when not already present.
	Bootstrap string `yaml:"bootstrap"`
}

// ServerConfig defines the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// APIKeyHash is a bcrypt hash. Empty disables authentication.
	APIKeyHash string `yaml:"api_key_hash" split_words:"true"`

	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory, postgres, sqlite
	DSN    string `yaml:"dsn"`

	// Retention is how long results, snapshots and resolved alerts are kept.
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" split_words:"true"`

	// Migrate applies embedded postgres migrations at startup.
	Migrate bool `yaml:"migrate"`
}

// RedisConfig enables the shared throttle, result buffer and cache.
type RedisConfig struct {
	URL string `yaml:"url"`

	// BufferResults routes check results through the Redis write buffer.
	BufferResults bool          `yaml:"buffer_results" split_words:"true"`
	FlushInterval time.Duration `yaml:"flush_interval" split_words:"true"`
}

// Enabled reports whether a Redis URL is configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// SchedulerConfig tunes check execution.
type SchedulerConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" split_words:"true"`
	PersistTimeout time.Duration `yaml:"persist_timeout" split_words:"true"`
}

// EventsConfig tunes the in-process event bus.
type EventsConfig struct {
	// BufferSize is the channel capacity of each subscriber.
	BufferSize int `yaml:"buffer_size" split_words:"true"`

	// PublishTimeout is how long a publish waits on a full subscriber
	// before the event is dropped for it.
	PublishTimeout time.Duration `yaml:"publish_timeout" split_words:"true"`

	// EvaluatorTimeout replaces PublishTimeout for the alert evaluator, so a
	// briefly busy evaluator does not lose check results.
	EvaluatorTimeout time.Duration `yaml:"evaluator_timeout" split_words:"true"`
}

// IncidentsConfig tunes incident auto-resolution.
type IncidentsConfig struct {
	AutoResolveInterval time.Duration `yaml:"auto_resolve_interval" split_words:"true"`
	ResolveHealthyCount int           `yaml:"resolve_healthy_count" split_words:"true"`
	FlushInterval       time.Duration `yaml:"flush_interval" split_words:"true"`
}

// AlertingConfig tunes rule evaluation.
type AlertingConfig struct {
	ThrottlingEnabled   bool          `yaml:"throttling_enabled" split_words:"true"`
	SweepInterval       time.Duration `yaml:"sweep_interval" split_words:"true"`
	Workers             int           `yaml:"workers"`
	DefaultUptimeWindow time.Duration `yaml:"default_uptime_window" split_words:"true"`
}

// NotifyConfig tunes delivery.
type NotifyConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size" split_words:"true"`
	SinkTimeout time.Duration `yaml:"sink_timeout" split_words:"true"`

	// RateLimit is deliveries per second per sink type.
	RateLimit float64 `yaml:"rate_limit" split_words:"true"`
	RateBurst int     `yaml:"rate_burst" split_words:"true"`

	SMTP notify.SMTPDefaults `yaml:"smtp"`
}

// MetricsConfig tunes system snapshot collection.
type MetricsConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	DiskPaths []string      `yaml:"disk_paths" split_words:"true"`
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            DefaultListenAddr,
			ReadTimeout:     DefaultHTTPTimeout,
			WriteTimeout:    DefaultHTTPTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Storage: StorageConfig{
			Driver:          "memory",
			Retention:       DefaultRetention,
			CleanupInterval: DefaultCleanupInterval,
		},
		Redis: RedisConfig{
			FlushInterval: BufferFlushInterval,
		},
		Scheduler: SchedulerConfig{
			DefaultTimeout: DefaultCheckTimeout,
			PersistTimeout: DefaultPersistTimeout,
		},
		Events: EventsConfig{
			BufferSize:       DefaultEventBufferSize,
			PublishTimeout:   DefaultPublishTimeout,
			EvaluatorTimeout: DefaultEvaluatorPublishTimeout,
		},
		Incidents: IncidentsConfig{
			AutoResolveInterval: DefaultAutoResolveInterval,
			ResolveHealthyCount: DefaultResolveHealthyCount,
			FlushInterval:       DefaultIncidentFlushInterval,
		},
		Alerting: AlertingConfig{
			ThrottlingEnabled:   true,
			SweepInterval:       DefaultThrottleSweepInterval,
			Workers:             DefaultEvaluatorWorkers,
			DefaultUptimeWindow: DefaultUptimeWindow,
		},
		Notify: NotifyConfig{
			Workers:     DefaultNotifyWorkers,
			QueueSize:   DefaultNotifyQueueSize,
			SinkTimeout: DefaultSinkTimeout,
			RateLimit:   DefaultSinkRateLimit,
			RateBurst:   DefaultSinkRateBurst,
			SMTP:        notify.SMTPDefaults{Port: 587},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Interval:  DefaultMetricsInterval,
			DiskPaths: []string{"/"},
		},
		Secrets: secrets.Config{
			Backend:  "auto",
			CacheTTL: DefaultSecretCacheTTL,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a config from defaults, the YAML file at path (skipped when
// empty), the .env file at envFile (skipped when empty or missing) and
// HEALTHMON_* environment variables. Flags are applied by the caller
// before Validate.
func Load(path, envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be memory, postgres or sqlite, got %q", c.Storage.Driver))
	}
	if c.Storage.Retention <= 0 {
		errs = append(errs, fmt.Errorf("storage.retention must be positive"))
	}
	if c.Storage.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("storage.cleanup_interval must be positive"))
	}

	if c.Redis.BufferResults && !c.Redis.Enabled() {
		errs = append(errs, fmt.Errorf("redis.buffer_results requires redis.url"))
	}
	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		errs = append(errs, fmt.Errorf("redis.url must start with redis:// or rediss://"))
	}

	if c.Scheduler.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.default_timeout must be positive"))
	}
	if c.Events.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("events.buffer_size must be positive"))
	}
	if c.Incidents.ResolveHealthyCount < 1 {
		errs = append(errs, fmt.Errorf("incidents.resolve_healthy_count must be at least 1"))
	}
	if c.Incidents.AutoResolveInterval <= 0 {
		errs = append(errs, fmt.Errorf("incidents.auto_resolve_interval must be positive"))
	}
	if c.Alerting.Workers < 1 {
		errs = append(errs, fmt.Errorf("alerting.workers must be at least 1"))
	}
	if c.Notify.Workers < 1 {
		errs = append(errs, fmt.Errorf("notify.workers must be at least 1"))
	}
	if c.Notify.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("notify.queue_size must be at least 1"))
	}
	if c.Notify.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("notify.rate_limit must not be negative"))
	}
	if c.Metrics.Enabled && c.Metrics.Interval < time.Second {
		errs = append(errs, fmt.Errorf("metrics.interval must be at least 1s"))
	}

	switch c.Secrets.Backend {
	case "", "auto", "1password", "local", "none":
	default:
		errs = append(errs, fmt.Errorf("secrets.backend must be auto, 1password, local or none, got %q", c.Secrets.Backend))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
