// Environment-variable configuration source.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Recognized environment keys. Pool timeouts are integral milliseconds to
// stay wire-compatible with the benchmark harness that drives this service.
const (
	envAddr                 = "ADDR"
	envWorkers              = "WORKERS"
	envDatabaseURL          = "DATABASE_URL"
	envPoolMin              = "DB_POOL_MIN"
	envPoolMax              = "DB_POOL_MAX"
	envPoolIdleTimeout      = "DB_POOL_IDLE_TIMEOUT"
	envPoolAcquireTimeout   = "DB_POOL_CONNECTION_TIMEOUT"
	envStatementTimeout     = "DB_STATEMENT_TIMEOUT"
	envCacheAddr            = "CACHE_ADDR"
	envCacheUsername        = "CACHE_USERNAME"
	envCachePassword        = "CACHE_PASSWORD"
	envCacheDefaultTTL      = "CACHE_DEFAULT_TTL"
	envCacheReprobeInterval = "CACHE_REPROBE_INTERVAL"
	envLogLevel             = "LOG_LEVEL"
	envShutdownGrace        = "SHUTDOWN_GRACE"
)

// FromEnv builds a Config from defaults overridden by the environment.
// Unset variables keep their defaults; set variables must parse.
func FromEnv() (*Config, error) {
	cfg := New()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault(envAddr, cfg.Server.Addr)
	v.SetDefault(envWorkers, cfg.Supervisor.Workers)
	v.SetDefault(envDatabaseURL, cfg.Pool.DatabaseURL)
	v.SetDefault(envPoolMin, cfg.Pool.MinSize)
	v.SetDefault(envPoolMax, cfg.Pool.MaxSize)
	v.SetDefault(envPoolIdleTimeout, durationToMs(cfg.Pool.IdleTimeout))
	v.SetDefault(envPoolAcquireTimeout, durationToMs(cfg.Pool.AcquireTimeout))
	v.SetDefault(envStatementTimeout, durationToMs(cfg.Pool.StatementTimeout))
	v.SetDefault(envCacheAddr, cfg.Cache.Addr)
	v.SetDefault(envCacheUsername, cfg.Cache.Username)
	v.SetDefault(envCachePassword, cfg.Cache.Password)
	v.SetDefault(envCacheDefaultTTL, int(cfg.Cache.DefaultTTL.Seconds()))
	v.SetDefault(envCacheReprobeInterval, int(cfg.Cache.ReprobeInterval.Seconds()))
	v.SetDefault(envLogLevel, cfg.Observability.LogLevel)
	v.SetDefault(envShutdownGrace, int(cfg.Supervisor.ShutdownGrace.Seconds()))

	cfg.Server.Addr = v.GetString(envAddr)
	cfg.Supervisor.Workers = v.GetInt(envWorkers)
	cfg.Pool.DatabaseURL = v.GetString(envDatabaseURL)
	cfg.Pool.MinSize = v.GetInt(envPoolMin)
	cfg.Pool.MaxSize = v.GetInt(envPoolMax)
	cfg.Pool.IdleTimeout = msToDuration(v.GetInt64(envPoolIdleTimeout))
	cfg.Pool.AcquireTimeout = msToDuration(v.GetInt64(envPoolAcquireTimeout))
	cfg.Pool.StatementTimeout = msToDuration(v.GetInt64(envStatementTimeout))
	cfg.Cache.Addr = v.GetString(envCacheAddr)
	cfg.Cache.Username = v.GetString(envCacheUsername)
	cfg.Cache.Password = v.GetString(envCachePassword)
	cfg.Cache.DefaultTTL = time.Duration(v.GetInt64(envCacheDefaultTTL)) * time.Second
	cfg.Cache.ReprobeInterval = time.Duration(v.GetInt64(envCacheReprobeInterval)) * time.Second
	cfg.Observability.LogLevel = v.GetString(envLogLevel)
	cfg.Supervisor.ShutdownGrace = time.Duration(v.GetInt64(envShutdownGrace)) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func durationToMs(d time.Duration) int64 {
	return d.Milliseconds()
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
