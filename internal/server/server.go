// Package server wires the worker-side HTTP surface: benchmark data
// endpoints going through the cache-aside layer and connection pool, plus
// the operator endpoints (metrics, health, cache administration). All
// dependencies are injected; the package holds no globals.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/forgebench/forgebench/internal/cache"
	"github.com/forgebench/forgebench/internal/dbpool"
	"github.com/forgebench/forgebench/pkg/config"
	"github.com/forgebench/forgebench/pkg/errors"
	"github.com/forgebench/forgebench/pkg/json"
	"github.com/forgebench/forgebench/pkg/logger"
	"github.com/forgebench/forgebench/pkg/metrics"
)

// Server is one worker's HTTP front end.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	pool   *dbpool.Pool
	cache  *cache.Client

	httpServer *http.Server
}

// New creates a server with its dependencies. One instance per worker
// process, constructed explicitly and torn down with Shutdown.
func New(cfg *config.Config, log *zap.Logger, pool *dbpool.Pool, cacheClient *cache.Client) *Server {
	s := &Server{
		cfg:    cfg,
		logger: log.With(zap.String("component", "server")),
		pool:   pool,
		cache:  cacheClient,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// Routes builds the handler tree with the middleware chain applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Operator surface
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /cache/status", s.handleCacheStatus)
	mux.HandleFunc("POST /cache/clear", s.handleCacheClear)
	mux.HandleFunc("GET /cache/latency", s.handleCacheLatency)

	// Benchmark data surface
	mux.HandleFunc("GET /api/products", s.handleListProducts)
	mux.HandleFunc("GET /api/products/{id}", s.handleGetProduct)
	mux.HandleFunc("POST /api/products", s.handleCreateProduct)
	mux.HandleFunc("GET /api/analytics/top-products", s.handleTopProducts)

	// withMetrics must wrap the mux directly: ServeMux sets Pattern on the
	// request it receives, and any middleware between them that copies the
	// request would hide the matched pattern from the histogram labels.
	var h http.Handler = mux
	h = withMetrics(h)
	h = withTiming(h)
	h = withRequestID(s.logger)(h)
	h = withRecovery(s.logger)(h)
	return h
}

// Serve runs the HTTP server on the given listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("worker serving", zap.String("addr", s.cfg.Server.Addr))
	err := s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// acquire checks a connection out of the pool, charging the wait to the
// request's timing instrumentation.
func (s *Server) acquire(ctx context.Context) (*dbpool.PooledConn, error) {
	timer := metrics.NewTimer("acquire")
	pc, err := s.pool.Acquire(ctx)
	TimingFromContext(ctx).AddPoolWait(timer.Stop())
	return pc, err
}

// query runs a read on a fresh pool connection, charging execution time to
// the request's timing instrumentation. The connection is released on every
// path.
func (s *Server) query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	pc, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(pc)

	timer := metrics.NewTimer("query")
	rows, err := s.pool.Execute(ctx, pc, sql, args...)
	TimingFromContext(ctx).AddDBTime(timer.Stop())
	return rows, err
}

// exec runs a mutation on a fresh pool connection.
func (s *Server) exec(ctx context.Context, sql string, args ...any) (int64, error) {
	pc, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Release(pc)

	timer := metrics.NewTimer("exec")
	affected, err := s.pool.ExecuteExec(ctx, pc, sql, args...)
	TimingFromContext(ctx).AddDBTime(timer.Stop())
	return affected, err
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.WriteTo(w, v); err != nil {
		s.logger.Debug("failed to encode response", zap.Error(err))
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Pool and statement
// timeouts are retryable 503s; query errors are 500s.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch errors.TypeOf(err) {
	case errors.ErrorTypeAcquireTimeout, errors.ErrorTypeStatementTimeout, errors.ErrorTypeConnection:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	case errors.ErrorTypeQuery:
		status = http.StatusInternalServerError
	}

	logger.WithContext(r.Context()).Warn("request failed",
		zap.String("path", r.URL.Path),
		zap.String("class", string(errors.TypeOf(err))),
		zap.Error(err))

	s.writeJSON(w, status, map[string]any{
		"error":     http.StatusText(status),
		"class":     string(errors.TypeOf(err)),
		"retryable": errors.IsRetryable(err),
	})
}

// ttlSeconds converts a handler-chosen TTL in seconds into a duration.
func ttlSeconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
