// Pool metrics collection: event-driven plus periodic resync.
package dbpool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/forgebench/forgebench/pkg/metrics"
)

// Collector consumes the pool's lifecycle event stream and mirrors pool
// state into Prometheus. Events drive the cumulative counters and the
// acquire-wait histogram; a fixed-interval poll of Stats resyncs the gauges
// so a dropped event cannot skew them permanently. The pool's counters stay
// the single source of truth.
type Collector struct {
	pool     *Pool
	interval time.Duration
	logger   *zap.Logger
}

// NewCollector creates a collector for the given pool. interval is the gauge
// resync period; zero selects the 5s default.
func NewCollector(pool *Pool, interval time.Duration, logger *zap.Logger) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		pool:     pool,
		interval: interval,
		logger:   logger.With(zap.String("component", "pool_metrics")),
	}
}

// Run consumes events and polls until ctx is cancelled. Call in a goroutine.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Seed gauges before the first tick.
	c.sync()

	for {
		select {
		case ev := <-c.pool.Events():
			c.observe(ev)
		case <-ticker.C:
			c.sync()
		case <-ctx.Done():
			c.sync()
			return
		}
	}
}

func (c *Collector) observe(ev Event) {
	switch ev.Kind {
	case EventConnect:
		metrics.PoolConnectionsCreated.Inc()
	case EventRemove:
		metrics.PoolConnectionsRemoved.Inc()
	case EventAcquire:
		metrics.PoolAcquireWait.Observe(ev.Wait.Seconds())
	case EventError:
		metrics.PoolErrors.WithLabelValues(string(ev.ErrClass)).Inc()
	case EventRelease:
		// Gauges pick this up on the next sync.
	}
}

// sync recomputes the gauges from a fresh snapshot.
func (c *Collector) sync() {
	stats := c.pool.Stats()
	metrics.PoolTotalConnections.Set(float64(stats.TotalConnections))
	metrics.PoolIdleConnections.Set(float64(stats.IdleConnections))
	metrics.PoolActiveConnections.Set(float64(stats.ActiveConnections))
	metrics.PoolWaitingRequests.Set(float64(stats.WaitingRequests))

	if stats.DroppedEvents > 0 {
		c.logger.Debug("pool event channel overflowed",
			zap.Uint64("dropped", stats.DroppedEvents))
	}
}
