// Package config provides configuration types and defaults for the Bifrost
// worker service. Configuration is read once at startup and on explicit
// Reload; the execution hot path never mutates it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/SpireTech/bifrost/internal/log"
)

// envKeyReplacer maps nested config keys to env var segments,
// e.g. engine.thread_pool_size -> ENGINE_THREAD_POOL_SIZE.
var envKeyReplacer = strings.NewReplacer(".", "_")

// EnvPrefix is the environment variable prefix for overrides
// (e.g. BIFROST_ENGINE_THREAD_POOL_SIZE).
const EnvPrefix = "BIFROST"

// Config holds all configuration options for the worker service.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// WorkerID overrides the generated worker identifier. Useful for tests
	// and for pinning identity across restarts. If empty, a new ID is
	// generated at startup.
	WorkerID string `mapstructure:"worker_id"`
}

// EngineConfig holds the execution engine tunables.
type EngineConfig struct {
	// ThreadPoolSize is the max concurrent executions per worker unit.
	ThreadPoolSize int `mapstructure:"thread_pool_size"`
	// MinWorkers is the minimum number of worker units kept warm.
	MinWorkers int `mapstructure:"min_workers"`
	// MaxWorkers caps worker units during replacement spawning.
	MaxWorkers int `mapstructure:"max_workers"`
	// ExecutionTimeoutSeconds is the default per-execution timeout.
	ExecutionTimeoutSeconds int `mapstructure:"execution_timeout_seconds"`
	// CancelGraceSeconds is the grace period between cancellation request
	// and declaring an execution stuck.
	CancelGraceSeconds int `mapstructure:"cancel_grace_seconds"`
	// GracefulShutdownSeconds is the max wait before force-killing
	// residual executions at shutdown.
	GracefulShutdownSeconds int `mapstructure:"graceful_shutdown_seconds"`
	// RecycleAfterExecutions proactively recycles a worker unit after N
	// completed executions. 0 disables proactive recycling.
	RecycleAfterExecutions int `mapstructure:"recycle_after_executions"`
	// HeartbeatIntervalSeconds is the heartbeat publish cadence.
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	// StuckThreshold is the number of stuck events within the window
	// before a workflow is auto-blacklisted.
	StuckThreshold int `mapstructure:"stuck_threshold"`
	// StuckWindowMinutes is the sliding window width for stuck counting.
	StuckWindowMinutes int `mapstructure:"stuck_window_minutes"`
}

// RedisConfig holds the key-value store / queue connection options.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// QueueKey is the list key executions are consumed from.
	QueueKey string `mapstructure:"queue_key"`
}

// StoreConfig holds the persistence store options.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" is valid for tests.
	Path string `mapstructure:"path"`
}

// TelemetryConfig holds the telemetry channel options.
type TelemetryConfig struct {
	// Channel is the pub/sub channel UI consumers subscribe to.
	Channel string `mapstructure:"channel"`
}

// Defaults returns a Config with the documented default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			ThreadPoolSize:           4,
			MinWorkers:               2,
			MaxWorkers:               10,
			ExecutionTimeoutSeconds:  300,
			CancelGraceSeconds:       10,
			GracefulShutdownSeconds:  5,
			RecycleAfterExecutions:   0,
			HeartbeatIntervalSeconds: 10,
			StuckThreshold:           5,
			StuckWindowMinutes:       60,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			QueueKey: "bifrost:executions",
		},
		Store: StoreConfig{
			Path: "bifrost.db",
		},
		Telemetry: TelemetryConfig{
			Channel: "platform_workers",
		},
	}
}

// Validate checks that all values are within valid ranges.
func (c Config) Validate() error {
	e := c.Engine
	if e.ThreadPoolSize < 1 {
		return fmt.Errorf("engine.thread_pool_size must be >= 1, got %d", e.ThreadPoolSize)
	}
	if e.MinWorkers < 1 {
		return fmt.Errorf("engine.min_workers must be >= 1, got %d", e.MinWorkers)
	}
	if e.MaxWorkers < e.MinWorkers {
		return fmt.Errorf("engine.max_workers (%d) must be >= engine.min_workers (%d)", e.MaxWorkers, e.MinWorkers)
	}
	if e.ExecutionTimeoutSeconds < 1 {
		return fmt.Errorf("engine.execution_timeout_seconds must be >= 1, got %d", e.ExecutionTimeoutSeconds)
	}
	if e.CancelGraceSeconds < 1 {
		return fmt.Errorf("engine.cancel_grace_seconds must be >= 1, got %d", e.CancelGraceSeconds)
	}
	if e.GracefulShutdownSeconds < 1 {
		return fmt.Errorf("engine.graceful_shutdown_seconds must be >= 1, got %d", e.GracefulShutdownSeconds)
	}
	if e.RecycleAfterExecutions < 0 {
		return fmt.Errorf("engine.recycle_after_executions must be >= 0, got %d", e.RecycleAfterExecutions)
	}
	if e.HeartbeatIntervalSeconds < 1 {
		return fmt.Errorf("engine.heartbeat_interval_seconds must be >= 1, got %d", e.HeartbeatIntervalSeconds)
	}
	// Registration TTL is 30s; the heartbeat must refresh well inside it.
	if e.HeartbeatIntervalSeconds > 14 {
		return fmt.Errorf("engine.heartbeat_interval_seconds must be <= 14 (registration TTL/2), got %d", e.HeartbeatIntervalSeconds)
	}
	if e.StuckThreshold < 1 {
		return fmt.Errorf("engine.stuck_threshold must be >= 1, got %d", e.StuckThreshold)
	}
	if e.StuckWindowMinutes < 1 {
		return fmt.Errorf("engine.stuck_window_minutes must be >= 1, got %d", e.StuckWindowMinutes)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Redis.QueueKey == "" {
		return fmt.Errorf("redis.queue_key is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Telemetry.Channel == "" {
		return fmt.Errorf("telemetry.channel is required")
	}
	return nil
}

// Loader reads configuration from file and environment and supports
// explicit reloads. Each Loader owns its own viper instance.
type Loader struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string
}

// NewLoader creates a Loader. path may be empty, in which case the default
// search locations are used ($BIFROST_CONFIG, CWD, ~/.bifrost/).
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads the configuration. A missing config file is not an error; the
// defaults plus environment overrides are returned.
func (l *Loader) Load() (Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(envKeyReplacer)

	path := l.path
	if path == "" {
		path = os.Getenv("BIFROST_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("bifrost")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".bifrost"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		// No config file - defaults plus env are fine.
	} else {
		log.Debug(log.CatConfig, "Loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	l.v = v
	return cfg, nil
}

// Reload re-reads the configuration from its source. Callers decide which
// components pick up the new values; the engine reads config at startup.
func (l *Loader) Reload() (Config, error) {
	log.Info(log.CatConfig, "Reloading configuration")
	return l.Load()
}

// setDefaults registers every option's default with viper so that partial
// config files inherit the documented values.
func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("engine.thread_pool_size", d.Engine.ThreadPoolSize)
	v.SetDefault("engine.min_workers", d.Engine.MinWorkers)
	v.SetDefault("engine.max_workers", d.Engine.MaxWorkers)
	v.SetDefault("engine.execution_timeout_seconds", d.Engine.ExecutionTimeoutSeconds)
	v.SetDefault("engine.cancel_grace_seconds", d.Engine.CancelGraceSeconds)
	v.SetDefault("engine.graceful_shutdown_seconds", d.Engine.GracefulShutdownSeconds)
	v.SetDefault("engine.recycle_after_executions", d.Engine.RecycleAfterExecutions)
	v.SetDefault("engine.heartbeat_interval_seconds", d.Engine.HeartbeatIntervalSeconds)
	v.SetDefault("engine.stuck_threshold", d.Engine.StuckThreshold)
	v.SetDefault("engine.stuck_window_minutes", d.Engine.StuckWindowMinutes)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.queue_key", d.Redis.QueueKey)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("telemetry.channel", d.Telemetry.Channel)
	v.SetDefault("worker_id", "")
}
