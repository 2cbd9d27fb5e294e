// Request timing instrumentation: pool-wait, database and total server time
// attached to every response as headers.
package server

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// Timing header names. Values are milliseconds with two-decimal precision.
const (
	HeaderPoolWaitTime = "X-Pool-Wait-Time"
	HeaderDBTime       = "X-DB-Time"
	HeaderResponseTime = "X-Response-Time"
)

type timingCtxKey struct{}

// Timing accumulates per-request durations. Handlers touching the pool add
// into it through the server's acquire/query helpers; concurrent fan-out
// reads may add from several goroutines, hence the atomics.
type Timing struct {
	start    time.Time
	poolWait int64 // nanoseconds, atomic
	dbTime   int64 // nanoseconds, atomic
}

// AddPoolWait records time spent waiting for a pool connection.
func (t *Timing) AddPoolWait(d time.Duration) {
	if t == nil {
		return
	}
	atomic.AddInt64(&t.poolWait, int64(d))
}

// AddDBTime records time spent executing a query.
func (t *Timing) AddDBTime(d time.Duration) {
	if t == nil {
		return
	}
	atomic.AddInt64(&t.dbTime, int64(d))
}

// TimingFromContext returns the request Timing, or nil outside a request.
// All Timing methods are nil-safe so instrumentation can never fail a
// response.
func TimingFromContext(ctx context.Context) *Timing {
	t, _ := ctx.Value(timingCtxKey{}).(*Timing)
	return t
}

// timingWriter stamps the timing headers immediately before the first byte
// of the response is committed.
type timingWriter struct {
	http.ResponseWriter
	timing *Timing
	wrote  bool
}

func (w *timingWriter) WriteHeader(statusCode int) {
	w.stamp()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *timingWriter) Write(b []byte) (int, error) {
	w.stamp()
	return w.ResponseWriter.Write(b)
}

func (w *timingWriter) stamp() {
	if w.wrote {
		return
	}
	w.wrote = true

	h := w.Header()
	h.Set(HeaderPoolWaitTime, formatMillis(time.Duration(atomic.LoadInt64(&w.timing.poolWait))))
	h.Set(HeaderDBTime, formatMillis(time.Duration(atomic.LoadInt64(&w.timing.dbTime))))
	h.Set(HeaderResponseTime, formatMillis(time.Since(w.timing.start)))
}

// formatMillis renders a duration as milliseconds with two decimals,
// e.g. "3.47".
func formatMillis(d time.Duration) string {
	return strconv.FormatFloat(float64(d.Nanoseconds())/1e6, 'f', 2, 64)
}

// withTiming installs a Timing into the request context and wraps the
// response writer so the headers are attached at send time.
func withTiming(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := &Timing{start: time.Now()}
		ctx := context.WithValue(r.Context(), timingCtxKey{}, t)
		next.ServeHTTP(&timingWriter{ResponseWriter: w, timing: t}, r.WithContext(ctx))
	})
}
