package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/forgebench/forgebench/internal/cache"
	"github.com/forgebench/forgebench/internal/dbpool"
	"github.com/forgebench/forgebench/pkg/config"
	"github.com/forgebench/forgebench/pkg/testutil"
)

// fakeConn satisfies dbpool.Conn with a swappable query function.
type fakeConn struct {
	queryFn func(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	if c.queryFn != nil {
		return c.queryFn(ctx, sql, args...)
	}
	return []map[string]any{{"id": int64(1), "name": "widget"}}, nil
}

func (c *fakeConn) Exec(context.Context, string, ...any) (int64, error) { return 1, nil }
func (c *fakeConn) Ping(context.Context) error                          { return nil }
func (c *fakeConn) Close(context.Context) error                         { return nil }

// memStore is a minimal in-memory cache.Store, TTL ignored.
type memStore struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string][]byte)}
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
	return nil
}

func (s *memStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *memStore) FlushAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]byte)
	return nil
}

func (s *memStore) Close() error { return nil }

type testEnv struct {
	server  *Server
	pool    *dbpool.Pool
	cache   *cache.Client
	store   *memStore
	queries *atomic.Int64
}

func newTestEnv(t *testing.T, queryFn func(ctx context.Context, sql string, args ...any) ([]map[string]any, error)) *testEnv {
	t.Helper()

	cfg := config.New()
	cfg.Pool.MinSize = 1
	cfg.Pool.MaxSize = 2
	cfg.Pool.AcquireTimeout = 100 * time.Millisecond
	cfg.Pool.StatementTimeout = 100 * time.Millisecond

	queries := &atomic.Int64{}
	connector := func(context.Context) (dbpool.Conn, error) {
		return &fakeConn{queryFn: func(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
			queries.Add(1)
			if queryFn != nil {
				return queryFn(ctx, sql, args...)
			}
			return []map[string]any{{"id": int64(1), "name": "widget"}}, nil
		}}, nil
	}

	log := testutil.TestLogger(t)
	pool := dbpool.New(cfg.Pool, connector, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pool.Close(ctx)
	})

	store := newMemStore()
	cacheClient := cache.NewWithStore(cfg.Cache, store, log)
	t.Cleanup(cacheClient.Close)

	return &testEnv{
		server:  New(cfg, log, pool, cacheClient),
		pool:    pool,
		cache:   cacheClient,
		store:   store,
		queries: queries,
	}
}

func doRequest(t *testing.T, h http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestFormatMillisTwoDecimals(t *testing.T) {
	assert.Equal(t, "3.47", formatMillis(3470*time.Microsecond))
	assert.Equal(t, "0.00", formatMillis(0))
	assert.Equal(t, "1.23", formatMillis(1234567*time.Nanosecond))
	assert.Equal(t, "1500.00", formatMillis(1500*time.Millisecond))
}

var millisPattern = regexp.MustCompile(`^\d+\.\d{2}$`)

func TestTimingHeadersStampedOnEveryResponse(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.server.Routes()

	rec := doRequest(t, h, http.MethodGet, "/api/products", "")
	require.Equal(t, http.StatusOK, rec.Code)

	for _, header := range []string{HeaderPoolWaitTime, HeaderDBTime, HeaderResponseTime} {
		v := rec.Header().Get(header)
		assert.Regexp(t, millisPattern, v, "%s must be milliseconds with two decimals", header)
	}
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestTimingHeadersCarryChargedDurations(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timing := TimingFromContext(r.Context())
		timing.AddPoolWait(5 * time.Millisecond)
		timing.AddDBTime(7 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})

	rec := doRequest(t, withTiming(inner), http.MethodGet, "/x", "")
	assert.Equal(t, "5.00", rec.Header().Get(HeaderPoolWaitTime))
	assert.Equal(t, "7.00", rec.Header().Get(HeaderDBTime))
	assert.Regexp(t, millisPattern, rec.Header().Get(HeaderResponseTime))
}

func TestRequestIDIsEchoedWhenProvided(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.server.Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
	req.Header.Set("X-Request-ID", "upstream-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "upstream-42", rec.Header().Get("X-Request-ID"))
}

func TestRequestMetricsLabeledByRoutePattern(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.server.Routes()

	rec := doRequest(t, h, http.MethodGet, "/api/products/7", "")
	require.Equal(t, http.StatusOK, rec.Code)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var found bool
	for _, fam := range families {
		if fam.GetName() != "forgebench_http_request_duration_seconds" {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "route" && label.GetValue() == "GET /api/products/{id}" {
					found = true
				}
			}
		}
	}
	assert.True(t, found, "duration histogram must be labeled with the matched route pattern")
}

func TestErrorLogsCarryRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	log := zap.New(core)

	cfg := config.New()
	cfg.Pool.MinSize = 1
	cfg.Pool.MaxSize = 1
	cfg.Pool.AcquireTimeout = 50 * time.Millisecond

	pool := dbpool.New(cfg.Pool, func(context.Context) (dbpool.Conn, error) {
		return &fakeConn{}, nil
	}, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pool.Close(ctx)
	})

	cacheClient := cache.NewWithStore(cfg.Cache, newMemStore(), log)
	t.Cleanup(cacheClient.Close)

	h := New(cfg, log, pool, cacheClient).Routes()

	// Hold the only connection so the handler fails and logs a warning.
	pc, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(pc)

	req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
	req.Header.Set("X-Request-ID", "req-abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	entries := logs.FilterMessage("request failed").All()
	require.NotEmpty(t, entries, "failed request must log a warning")
	assert.Equal(t, "req-abc-123", entries[0].ContextMap()["request_id"])
}

func TestSecondReadServedFromCache(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.server.Routes()

	rec := doRequest(t, h, http.MethodGet, "/api/products", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, h, http.MethodGet, "/api/products", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, int64(1), env.queries.Load(), "second read must come from cache")

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
}

func TestCreateProductInvalidatesListCache(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.server.Routes()

	doRequest(t, h, http.MethodGet, "/api/products", "")
	require.Equal(t, int64(1), env.queries.Load())

	rec := doRequest(t, h, http.MethodPost, "/api/products",
		`{"name":"gizmo","category":"tools","price":9.99,"stock":5}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	doRequest(t, h, http.MethodGet, "/api/products", "")
	assert.Equal(t, int64(3), env.queries.Load(), "list read after a write must refetch")
}

func TestCreateProductInvalidatesEveryListLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.server.Routes()

	doRequest(t, h, http.MethodGet, "/api/products?limit=10", "")
	doRequest(t, h, http.MethodGet, "/api/products?limit=200", "")
	require.Equal(t, int64(2), env.queries.Load())

	rec := doRequest(t, h, http.MethodPost, "/api/products",
		`{"name":"gizmo","category":"tools","price":9.99,"stock":5}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	doRequest(t, h, http.MethodGet, "/api/products?limit=10", "")
	doRequest(t, h, http.MethodGet, "/api/products?limit=200", "")
	assert.Equal(t, int64(5), env.queries.Load(),
		"every cached list limit must refetch after a write")
}

func TestCreateProductRejectsBadBody(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.server.Routes()

	rec := doRequest(t, h, http.MethodPost, "/api/products", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/products", `{"category":"tools"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetProductValidation(t *testing.T) {
	env := newTestEnv(t, func(context.Context, string, ...any) ([]map[string]any, error) {
		return nil, nil
	})
	h := env.server.Routes()

	rec := doRequest(t, h, http.MethodGet, "/api/products/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/products/99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPoolExhaustionMapsToRetryable503(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.server.Routes()

	// Hold every connection so the handler's acquire times out.
	ctx := context.Background()
	pc1, err := env.pool.Acquire(ctx)
	require.NoError(t, err)
	defer env.pool.Release(pc1)
	pc2, err := env.pool.Acquire(ctx)
	require.NoError(t, err)
	defer env.pool.Release(pc2)

	rec := doRequest(t, h, http.MethodGet, "/api/products", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body struct {
		Class     string `json:"class"`
		Retryable bool   `json:"retryable"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "acquire_timeout", body.Class)
	assert.True(t, body.Retryable)
}

func TestHealthReportsDatabaseAndCache(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.server.Routes()

	rec := doRequest(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status   string `json:"status"`
		Database struct {
			Reachable bool `json:"reachable"`
		} `json:"database"`
		Cache struct {
			Reachable bool   `json:"reachable"`
			State     string `json:"state"`
		} `json:"cache"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.Database.Reachable)
	assert.True(t, body.Cache.Reachable)
	assert.Equal(t, "active", body.Cache.State)
}

func TestCacheStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.server.Routes()

	doRequest(t, h, http.MethodGet, "/api/products", "") // one miss
	doRequest(t, h, http.MethodGet, "/api/products", "") // one hit

	rec := doRequest(t, h, http.MethodGet, "/cache/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		State  string `json:"state"`
		Hits   uint64 `json:"hits"`
		Misses uint64 `json:"misses"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "active", body.State)
	assert.Equal(t, uint64(1), body.Hits)
	assert.Equal(t, uint64(1), body.Misses)
}

func TestCacheClearEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.server.Routes()

	doRequest(t, h, http.MethodGet, "/api/products", "")

	rec := doRequest(t, h, http.MethodPost, "/cache/clear?pattern=products:*", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Cleared bool `json:"cleared"`
		Removed int  `json:"removed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Cleared)
	assert.Equal(t, 1, body.Removed)

	doRequest(t, h, http.MethodGet, "/api/products", "")
	assert.Equal(t, int64(2), env.queries.Load(), "cleared key must force a refetch")
}

func TestCacheLatencyEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.server.Routes()

	rec := doRequest(t, h, http.MethodGet, "/cache/latency", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "active", body["state"])
	assert.Contains(t, body, "ping_ms")
	assert.Contains(t, body, "round_trip_ms")
}

func TestRecoveryMiddlewareConvertsPanics(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rec := doRequest(t, withRecovery(testutil.TestLogger(t))(panicking), http.MethodGet, "/x", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
