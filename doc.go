// Package forgebench is a multi-process HTTP benchmark backend built around
// a resilient resource layer: a supervised worker fleet, a bounded database
// connection pool, and a fail-open cache-aside tier.
//
// # Architecture
//
// The binary runs in one of two roles. The supervisor process forks N worker
// processes and keeps the fleet alive: crashed workers are replaced with
// exponential backoff, crash-looping slots are abandoned, and shutdown
// delivers SIGTERM with a bounded grace period. Each worker process binds the
// shared listen address with SO_REUSEPORT and owns its resources outright: a
// connection pool, a cache client and an HTTP server, with no state shared
// across workers.
//
// Request flow inside a worker:
//
//	handler → cache.WithCache → dbpool.Acquire/Execute/Release → response
//
// Every response carries X-Pool-Wait-Time, X-DB-Time and X-Response-Time
// headers so the driving harness can attribute latency without scraping.
//
// # Key Packages
//
//	internal/supervisor - worker fleet lifecycle (fork, monitor, restart)
//	internal/dbpool     - bounded connection pool with timeouts and reaping
//	internal/cache      - cache-aside client with degraded-mode fail-open
//	internal/server     - HTTP surface, timing middleware, operator endpoints
//	pkg/config          - unified configuration (environment + YAML)
//	pkg/errors          - structured error taxonomy with retryability
//	pkg/logger          - structured logging
//	pkg/metrics         - Prometheus instrumentation
//
// # Configuration
//
// Configuration is environment-first (see pkg/config FromEnv), optionally
// overridden by a YAML file. Workers inherit the supervisor's environment, so
// one source of truth covers the whole fleet.
package forgebench
