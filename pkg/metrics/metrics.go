// Package metrics provides Prometheus metrics for forgebench. It defines the
// pool, cache, HTTP and supervisor collectors that the rest of the system
// records into, plus a small Timer helper.
//
// # Overview
//
// The metrics package provides:
//   - Prometheus-compatible metrics collection via promauto
//   - Pool lifecycle gauges and counters fed by the pool event stream
//   - Cache hit/miss/error counters and a degraded-mode gauge
//   - HTTP request duration histograms
//   - Worker restart counters for the process supervisor
//
// # Basic Usage
//
//	metrics.CacheHits.Inc()
//
//	timer := metrics.NewTimer("acquire")
//	conn, err := pool.Acquire(ctx)
//	metrics.PoolAcquireWait.Observe(timer.Stop().Seconds())
//
// All collectors are registered on the default registry; the server exposes
// them on /metrics through promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolTotalConnections tracks the current number of connections owned by
	// the pool (idle + active).
	PoolTotalConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgebench_pool_connections_total_current",
			Help: "Current number of connections owned by the pool",
		},
	)

	// PoolIdleConnections tracks connections sitting in the idle set
	PoolIdleConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgebench_pool_connections_idle",
			Help: "Current number of idle pool connections",
		},
	)

	// PoolActiveConnections tracks connections checked out by callers
	PoolActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgebench_pool_connections_active",
			Help: "Current number of checked-out pool connections",
		},
	)

	// PoolWaitingRequests tracks callers queued in Acquire
	PoolWaitingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgebench_pool_waiting_requests",
			Help: "Current number of callers waiting for a connection",
		},
	)

	// PoolConnectionsCreated counts connections opened over the process lifetime
	PoolConnectionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forgebench_pool_connections_created_total",
			Help: "Total number of database connections created",
		},
	)

	// PoolConnectionsRemoved counts connections torn down over the process lifetime
	PoolConnectionsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forgebench_pool_connections_removed_total",
			Help: "Total number of database connections removed",
		},
	)

	// PoolErrors counts pool faults tagged by error class.
	// Labels: class (acquire_timeout, statement_timeout, connection, query)
	PoolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgebench_pool_errors_total",
			Help: "Total pool errors by error class",
		},
		[]string{"class"},
	)

	// PoolAcquireWait tracks how long callers waited for a connection.
	// Buckets favor the sub-10ms range a healthy pool lives in.
	PoolAcquireWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "forgebench_pool_acquire_wait_seconds",
			Help: "Time spent waiting for a pool connection",
			Buckets: []float64{
				.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5,
			},
		},
	)

	// CacheHits counts read-through cache hits
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forgebench_cache_hits_total",
			Help: "Total cache hits",
		},
	)

	// CacheMisses counts read-through cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forgebench_cache_misses_total",
			Help: "Total cache misses",
		},
	)

	// CacheErrors counts absorbed cache backend failures by operation.
	// Labels: op (get, set, delete, ping, clear)
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgebench_cache_errors_total",
			Help: "Total absorbed cache backend errors by operation",
		},
		[]string{"op"},
	)

	// CacheDegraded reports 1 while the cache client is in degraded mode
	CacheDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgebench_cache_degraded",
			Help: "1 when the cache client is degraded, 0 when active",
		},
	)

	// HTTPRequestDuration tracks request latency.
	// Labels: route, method, status
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forgebench_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)

	// WorkerRestarts counts worker replacements by the supervisor.
	// Labels: reason (crash, signal)
	WorkerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgebench_worker_restarts_total",
			Help: "Total worker process restarts",
		},
		[]string{"reason"},
	)

	// WorkerSlotsFailed counts worker slots abandoned after crash-looping
	WorkerSlotsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forgebench_worker_slots_failed_total",
			Help: "Total worker slots marked failed after repeated crashes",
		},
	)

	// WorkersOnline tracks workers currently in the online state
	WorkersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgebench_workers_online",
			Help: "Current number of online worker processes",
		},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
// The name parameter is for identification in logs or metrics.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop stops the timer and returns the elapsed duration since creation.
// The timer can be stopped multiple times, each returning the total
// elapsed time since creation.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
