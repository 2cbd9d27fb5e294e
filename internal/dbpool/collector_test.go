package dbpool

import (
	"context"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebench/forgebench/pkg/errors"
	"github.com/forgebench/forgebench/pkg/metrics"
	"github.com/forgebench/forgebench/pkg/testutil"
)

func TestCollectorSyncMirrorsPoolGauges(t *testing.T) {
	cfg := testPoolConfig()
	pool, _ := newTestPool(t, cfg)
	ctx := context.Background()

	pc, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer pool.Release(pc)

	c := NewCollector(pool, time.Second, testutil.TestLogger(t))
	c.sync()

	stats := pool.Stats()
	assert.Equal(t, float64(stats.TotalConnections), promtestutil.ToFloat64(metrics.PoolTotalConnections))
	assert.Equal(t, float64(stats.IdleConnections), promtestutil.ToFloat64(metrics.PoolIdleConnections))
	assert.Equal(t, float64(stats.ActiveConnections), promtestutil.ToFloat64(metrics.PoolActiveConnections))
	assert.Equal(t, float64(stats.WaitingRequests), promtestutil.ToFloat64(metrics.PoolWaitingRequests))
}

func TestCollectorObserveCountsEvents(t *testing.T) {
	pool, _ := newTestPool(t, testPoolConfig())
	c := NewCollector(pool, time.Second, testutil.TestLogger(t))

	createdBefore := promtestutil.ToFloat64(metrics.PoolConnectionsCreated)
	removedBefore := promtestutil.ToFloat64(metrics.PoolConnectionsRemoved)
	errorsBefore := promtestutil.ToFloat64(metrics.PoolErrors.WithLabelValues("acquire_timeout"))

	c.observe(Event{Kind: EventConnect})
	c.observe(Event{Kind: EventConnect})
	c.observe(Event{Kind: EventRemove})
	c.observe(Event{Kind: EventError, ErrClass: errors.ErrorTypeAcquireTimeout})
	c.observe(Event{Kind: EventAcquire, Wait: 3 * time.Millisecond})

	assert.Equal(t, createdBefore+2, promtestutil.ToFloat64(metrics.PoolConnectionsCreated))
	assert.Equal(t, removedBefore+1, promtestutil.ToFloat64(metrics.PoolConnectionsRemoved))
	assert.Equal(t, errorsBefore+1, promtestutil.ToFloat64(metrics.PoolErrors.WithLabelValues("acquire_timeout")))
}

func TestCollectorRunConsumesEventStream(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinSize = 0
	pool, _ := newTestPool(t, cfg)

	c := NewCollector(pool, 10*time.Millisecond, testutil.TestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	createdBefore := promtestutil.ToFloat64(metrics.PoolConnectionsCreated)

	pc, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(pc)

	testutil.AssertEventually(t, func() bool {
		return promtestutil.ToFloat64(metrics.PoolConnectionsCreated) >= createdBefore+1
	}, time.Second, "collector should consume the connect event")
}
