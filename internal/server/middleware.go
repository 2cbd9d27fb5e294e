// Request-scoped middleware: request IDs, access metrics, panic recovery.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/forgebench/forgebench/pkg/logger"
	"github.com/forgebench/forgebench/pkg/metrics"
)

var requestSeq uint64

// nextRequestID returns a process-unique request identifier. Uniqueness
// across workers comes from the pid prefix.
func nextRequestID() string {
	return fmt.Sprintf("%d-%08d", os.Getpid(), atomic.AddUint64(&requestSeq, 1))
}

// withRequestID tags each request with an ID and installs a request-scoped
// logger so every log line downstream carries the ID for correlation.
func withRequestID(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = nextRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(r.Context(), logger.RequestIDKey, id)
			ctx = logger.NewContext(ctx, base.With(zap.String("request_id", id)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// statusRecorder captures the response status for metrics and access logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	if r.status == 0 {
		r.status = statusCode
	}
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// withMetrics records request duration into the HTTP histogram, labeled by
// route pattern rather than raw path to keep cardinality bounded. It must
// sit directly on the mux: the pattern is read off the request the mux
// matched, and an intervening request copy would leave the label empty.
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(route, r.Method, fmt.Sprintf("%d", status)).
			Observe(time.Since(start).Seconds())
	})
}

// withRecovery converts handler panics into 500s instead of killing the
// worker's connection.
func withRecovery(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("handler panic",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path))
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
