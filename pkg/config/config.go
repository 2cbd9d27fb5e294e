// Package config provides the unified configuration system for forgebench.
// It defines a single Config structure shared by the supervisor and every
// worker process, ensuring both sides agree on pool sizing and timeouts.
//
// The configuration is organized into logical sections:
//   - Server: HTTP listen address and server timeouts
//   - Supervisor: worker fleet sizing, restart and shutdown policy
//   - Pool: database connection pool bounds and timeouts
//   - Cache: cache backend endpoint, credentials and TTL defaults
//   - Observability: logging and metrics polling
//
// Configuration is sourced from the environment (see FromEnv), optionally
// overridden by a YAML file (see Load). Workers inherit the supervisor's
// environment, so one source of truth covers the whole fleet.
//
// Example usage:
//
//	cfg, err := config.FromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"runtime"
	"time"
)

// MaxDefaultWorkers caps the default worker count on large machines.
// An explicit WORKERS setting may exceed it.
const MaxDefaultWorkers = 16

// Config is the single unified configuration structure for the service.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Supervisor    SupervisorConfig    `yaml:"supervisor" json:"supervisor"`
	Pool          PoolConfig          `yaml:"pool" json:"pool"`
	Cache         CacheConfig         `yaml:"cache" json:"cache"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// Addr is the listen address shared by all workers via SO_REUSEPORT
	Addr string `yaml:"addr" json:"addr"`
	// ReadTimeout bounds request read time
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`
	// WriteTimeout bounds response write time
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	// IdleTimeout bounds keep-alive idle connections
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// SupervisorConfig contains worker fleet management settings.
type SupervisorConfig struct {
	// Workers is the target number of worker processes
	Workers int `yaml:"workers" json:"workers"`
	// RestartBackoff is the initial delay before restarting a crashed worker
	RestartBackoff time.Duration `yaml:"restart_backoff" json:"restart_backoff"`
	// MaxRestartBackoff caps the exponential restart backoff
	MaxRestartBackoff time.Duration `yaml:"max_restart_backoff" json:"max_restart_backoff"`
	// MaxCrashes is the number of consecutive fast crashes after which a
	// worker slot is abandoned rather than restarted
	MaxCrashes int `yaml:"max_crashes" json:"max_crashes"`
	// CrashWindow is the minimum uptime for a run to reset the crash counter
	CrashWindow time.Duration `yaml:"crash_window" json:"crash_window"`
	// ShutdownGrace bounds graceful shutdown before workers are killed
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
	// StartTimeout bounds how long a worker may stay in the starting state
	StartTimeout time.Duration `yaml:"start_timeout" json:"start_timeout"`
}

// PoolConfig contains database connection pool settings.
// Immutable after the pool is constructed.
type PoolConfig struct {
	// DatabaseURL is the postgres connection string
	DatabaseURL string `yaml:"database_url" json:"database_url"`
	// MinSize is the number of connections the pool keeps open when idle
	MinSize int `yaml:"min_size" json:"min_size"`
	// MaxSize bounds the total number of connections
	MaxSize int `yaml:"max_size" json:"max_size"`
	// IdleTimeout retires connections idle longer than this, down to MinSize
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	// AcquireTimeout bounds how long a caller waits for a free connection
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	// StatementTimeout bounds single query execution
	StatementTimeout time.Duration `yaml:"statement_timeout" json:"statement_timeout"`
	// MaxConnLifetime retires connections older than this regardless of use
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" json:"max_conn_lifetime"`
}

// CacheConfig contains cache backend settings. An empty Addr means the cache
// client starts directly in degraded mode and the service runs uncached.
type CacheConfig struct {
	// Addr is the cache backend host:port
	Addr string `yaml:"addr" json:"addr"`
	// Username for the cache backend (optional)
	Username string `yaml:"username" json:"username"`
	// Password for the cache backend (optional)
	Password string `yaml:"password" json:"password"`
	// DefaultTTL applies when a caller passes a zero TTL
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
	// OpTimeout is the internal per-operation timeout; an operation slower
	// than this is treated as a backend failure
	OpTimeout time.Duration `yaml:"op_timeout" json:"op_timeout"`
	// ReprobeInterval is how often a degraded client re-probes the backend
	ReprobeInterval time.Duration `yaml:"reprobe_interval" json:"reprobe_interval"`
	// CompressThreshold is the serialized size above which values are
	// compressed before Set (0 disables compression)
	CompressThreshold int `yaml:"compress_threshold" json:"compress_threshold"`
	// KeyPrefix namespaces all keys written by this service
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// ObservabilityConfig contains monitoring and logging settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// Development switches the logger to console encoding
	Development bool `yaml:"development" json:"development"`
	// PoolPollInterval is how often the metrics collector resyncs pool gauges
	PoolPollInterval time.Duration `yaml:"pool_poll_interval" json:"pool_poll_interval"`
}

// New creates a Config with production defaults. Callers normally go through
// FromEnv, which starts from these defaults and applies the environment.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Supervisor: SupervisorConfig{
			Workers:           DefaultWorkers(),
			RestartBackoff:    250 * time.Millisecond,
			MaxRestartBackoff: 10 * time.Second,
			MaxCrashes:        8,
			CrashWindow:       30 * time.Second,
			ShutdownGrace:     30 * time.Second,
			StartTimeout:      15 * time.Second,
		},
		Pool: PoolConfig{
			MinSize:          2,
			MaxSize:          10,
			IdleTimeout:      30 * time.Second,
			AcquireTimeout:   5 * time.Second,
			StatementTimeout: 10 * time.Second,
			MaxConnLifetime:  30 * time.Minute,
		},
		Cache: CacheConfig{
			DefaultTTL:        60 * time.Second,
			OpTimeout:         250 * time.Millisecond,
			ReprobeInterval:   15 * time.Second,
			CompressThreshold: 4096,
			KeyPrefix:         "fb",
		},
		Observability: ObservabilityConfig{
			LogLevel:         "info",
			Development:      false,
			PoolPollInterval: 5 * time.Second,
		},
	}
}

// DefaultWorkers returns the default worker count: the CPU count, capped.
func DefaultWorkers() int {
	n := runtime.NumCPU()
	if n > MaxDefaultWorkers {
		n = MaxDefaultWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Validate validates the configuration for correctness.
// It checks required fields and ensures values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr is required")
	}
	if c.Supervisor.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Supervisor.MaxCrashes <= 0 {
		return fmt.Errorf("max_crashes must be positive")
	}
	if c.Pool.MinSize < 0 {
		return fmt.Errorf("pool min_size cannot be negative")
	}
	if c.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool max_size must be positive")
	}
	if c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("pool min_size %d exceeds max_size %d", c.Pool.MinSize, c.Pool.MaxSize)
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool acquire_timeout must be positive")
	}
	if c.Pool.StatementTimeout <= 0 {
		return fmt.Errorf("pool statement_timeout must be positive")
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache default_ttl must be positive")
	}
	return nil
}

// CacheEnabled returns true if a cache backend endpoint is configured
func (c *CacheConfig) CacheEnabled() bool {
	return c.Addr != ""
}
