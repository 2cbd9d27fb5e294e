// Package cache provides the cache-aside layer between route handlers and
// the database. Reads go through WithCache; mutations invalidate with
// Delete. The client fails open: any backend fault flips it into degraded
// mode where every operation silently passes through to the source of truth,
// and a background probe promotes it back once the backend answers again.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/forgebench/forgebench/pkg/config"
	"github.com/forgebench/forgebench/pkg/errors"
	"github.com/forgebench/forgebench/pkg/metrics"
)

// State is the cache client lifecycle state.
type State int32

const (
	// StateUninitialized is the zero state before New returns
	StateUninitialized State = iota
	// StateProbing is the initial reachability check
	StateProbing
	// StateActive serves cached reads
	StateActive
	// StateDegraded passes everything through to the fetcher
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	default:
		return "uninitialized"
	}
}

// Status is a point-in-time view of the client for the admin surface.
type Status struct {
	State       string    `json:"state"`
	Enabled     bool      `json:"enabled"`
	Hits        uint64    `json:"hits"`
	Misses      uint64    `json:"misses"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// Client is the per-worker cache-aside client. All operations absorb backend
// failures; none of them can fail a request.
type Client struct {
	cfg    config.CacheConfig
	store  Store
	codec  codec
	logger *zap.Logger

	state  int32 // State, atomic
	hits   uint64
	misses uint64

	errMu     sync.Mutex
	lastErr   string
	lastErrAt time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a cache client. A missing endpoint configuration is not an
// error: the client starts permanently degraded and the service runs
// uncached. Otherwise the backend is probed once with the op timeout and the
// reprobe loop keeps watching while degraded.
func New(cfg config.CacheConfig, logger *zap.Logger) *Client {
	var store Store
	if cfg.CacheEnabled() {
		store = newRedisStore(cfg.Addr, cfg.Username, cfg.Password)
	}
	return newWithStore(cfg, store, logger)
}

// NewWithStore creates a client on an explicit store. Used by tests.
func NewWithStore(cfg config.CacheConfig, store Store, logger *zap.Logger) *Client {
	return newWithStore(cfg, store, logger)
}

func newWithStore(cfg config.CacheConfig, store Store, logger *zap.Logger) *Client {
	c := &Client{
		cfg:    cfg,
		store:  store,
		codec:  codec{threshold: cfg.CompressThreshold},
		logger: logger.With(zap.String("component", "cache")),
		stopCh: make(chan struct{}),
	}

	if store == nil {
		c.setState(StateDegraded)
		c.logger.Info("cache backend not configured, running degraded")
		return c
	}

	c.setState(StateProbing)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		c.noteFailure("ping", err)
		c.logger.Warn("cache backend unreachable at startup, running degraded",
			zap.Error(err))
	} else {
		c.setState(StateActive)
		c.logger.Info("cache backend connected", zap.String("addr", cfg.Addr))
	}

	c.wg.Add(1)
	go c.reprobeLoop()

	return c
}

// Key builds a deterministic namespaced cache key from the given parts,
// e.g. Key("products", "list", 42) -> "fb:products:list:42".
func (c *Client) Key(parts ...any) string {
	var b strings.Builder
	b.WriteString(c.cfg.KeyPrefix)
	for _, p := range parts {
		b.WriteByte(':')
		fmt.Fprintf(&b, "%v", p)
	}
	return b.String()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// Get loads key into dest. Returns false on miss, expiry, degraded mode, or
// any backend failure; it never returns an error to the caller.
func (c *Client) Get(ctx context.Context, key string, dest any) bool {
	if c.State() != StateActive {
		return false
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	data, found, err := c.store.Get(opCtx, key)
	if err != nil {
		c.noteFailure("get", err)
		return false
	}
	if !found {
		atomic.AddUint64(&c.misses, 1)
		metrics.CacheMisses.Inc()
		return false
	}

	if err := c.codec.decode(data, dest); err != nil {
		// Treat undecodable entries as corrupt: drop and miss.
		c.logger.Warn("dropping undecodable cache entry",
			zap.String("key", key), zap.Error(err))
		c.Delete(ctx, key)
		atomic.AddUint64(&c.misses, 1)
		metrics.CacheMisses.Inc()
		return false
	}

	atomic.AddUint64(&c.hits, 1)
	metrics.CacheHits.Inc()
	return true
}

// Set writes a whole-value replacement with the given TTL. A zero ttl uses
// the configured default. Failures are logged and absorbed.
func (c *Client) Set(ctx context.Context, key string, v any, ttl time.Duration) {
	if c.State() != StateActive {
		return
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	data, err := c.codec.encode(v)
	if err != nil {
		c.logger.Warn("failed to encode cache value",
			zap.String("key", key), zap.Error(err))
		return
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.store.Set(opCtx, key, data, ttl); err != nil {
		c.noteFailure("set", err)
	}
}

// Delete removes keys, best-effort. Used for invalidation after mutations.
func (c *Client) Delete(ctx context.Context, keys ...string) {
	if c.State() != StateActive || len(keys) == 0 {
		return
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.store.Del(opCtx, keys...); err != nil {
		c.noteFailure("delete", err)
	}
}

// WithCache is the read-through primitive route handlers use for cached
// reads. On a hit the cached value is returned; on a miss (or degraded
// cache) fetcher runs against the source of truth and its result is cached.
// Fetcher errors propagate; cache errors never do.
func WithCache[T any](ctx context.Context, c *Client, key string, ttl time.Duration, fetcher func(ctx context.Context) (T, error)) (T, error) {
	var cached T
	if c.Get(ctx, key, &cached) {
		return cached, nil
	}

	fresh, err := fetcher(ctx)
	if err != nil {
		return fresh, err
	}

	c.Set(ctx, key, fresh, ttl)
	return fresh, nil
}

// Status reports state and counters for the admin surface.
func (c *Client) Status() Status {
	c.errMu.Lock()
	lastErr, lastErrAt := c.lastErr, c.lastErrAt
	c.errMu.Unlock()

	return Status{
		State:       c.State().String(),
		Enabled:     c.store != nil,
		Hits:        atomic.LoadUint64(&c.hits),
		Misses:      atomic.LoadUint64(&c.misses),
		LastError:   lastErr,
		LastErrorAt: lastErrAt,
	}
}

// PingLatency measures one backend round trip. Unlike the read path this is
// an operator-facing probe, so unavailability is reported as an error.
func (c *Client) PingLatency(ctx context.Context) (time.Duration, error) {
	if c.store == nil {
		return 0, errors.New(errors.ErrorTypeCache, "cache backend not configured")
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	start := time.Now()
	if err := c.store.Ping(opCtx); err != nil {
		c.noteFailure("ping", err)
		return 0, errors.Wrap(err, errors.ErrorTypeCache, "cache ping failed")
	}
	return time.Since(start), nil
}

// RoundTripLatency measures one complete set/get/delete cycle against a
// sentinel key, for the cache admin surface.
func (c *Client) RoundTripLatency(ctx context.Context) (time.Duration, error) {
	if c.store == nil {
		return 0, errors.New(errors.ErrorTypeCache, "cache backend not configured")
	}

	key := c.Key("admin", "rtt-probe")
	payload := []byte{encodingRaw, '"', 'o', 'k', '"'}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	start := time.Now()
	if err := c.store.Set(opCtx, key, payload, time.Minute); err != nil {
		c.noteFailure("set", err)
		return 0, errors.Wrap(err, errors.ErrorTypeCache, "round-trip set failed")
	}
	if _, _, err := c.store.Get(opCtx, key); err != nil {
		c.noteFailure("get", err)
		return 0, errors.Wrap(err, errors.ErrorTypeCache, "round-trip get failed")
	}
	if err := c.store.Del(opCtx, key); err != nil {
		c.noteFailure("delete", err)
		return 0, errors.Wrap(err, errors.ErrorTypeCache, "round-trip delete failed")
	}
	return time.Since(start), nil
}

// Clear removes entries matching the glob pattern under this client's
// prefix; an empty pattern flushes everything. Operator-facing, so errors
// are returned rather than absorbed.
func (c *Client) Clear(ctx context.Context, pattern string) (int, error) {
	if c.store == nil {
		return 0, nil
	}

	if pattern == "" {
		if err := c.store.FlushAll(ctx); err != nil {
			c.noteFailure("clear", err)
			return 0, errors.Wrap(err, errors.ErrorTypeCache, "cache flush failed")
		}
		return -1, nil
	}

	keys, err := c.store.Keys(ctx, c.cfg.KeyPrefix+":"+pattern)
	if err != nil {
		c.noteFailure("clear", err)
		return 0, errors.Wrap(err, errors.ErrorTypeCache, "cache key scan failed")
	}
	if err := c.store.Del(ctx, keys...); err != nil {
		c.noteFailure("clear", err)
		return 0, errors.Wrap(err, errors.ErrorTypeCache, "cache key delete failed")
	}
	return len(keys), nil
}

// Close stops the reprobe loop and releases the backend client.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Debug("error closing cache store", zap.Error(err))
		}
	}
}

func (c *Client) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
	if s == StateDegraded {
		metrics.CacheDegraded.Set(1)
	} else {
		metrics.CacheDegraded.Set(0)
	}
}

// noteFailure records an absorbed backend failure and degrades the client.
func (c *Client) noteFailure(op string, err error) {
	metrics.CacheErrors.WithLabelValues(op).Inc()

	c.errMu.Lock()
	c.lastErr = err.Error()
	c.lastErrAt = time.Now()
	c.errMu.Unlock()

	if c.State() != StateDegraded {
		c.setState(StateDegraded)
		c.logger.Warn("cache backend failed, entering degraded mode",
			zap.String("op", op), zap.Error(err))
	}
}

func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.OpTimeout)
}

// reprobeLoop pings the backend while degraded and promotes the client back
// to active on success. Interval comes from ReprobeInterval.
func (c *Client) reprobeLoop() {
	defer c.wg.Done()

	interval := c.cfg.ReprobeInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.State() != StateDegraded {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OpTimeout)
			err := c.store.Ping(ctx)
			cancel()
			if err != nil {
				continue
			}
			c.setState(StateActive)
			c.logger.Info("cache backend recovered, resuming caching")
		case <-c.stopCh:
			return
		}
	}
}
