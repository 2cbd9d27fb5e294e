// Cache administration endpoints for operators.
package server

import (
	"net/http"
	"time"
)

func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.Status())
}

// handleCacheClear removes entries matching ?pattern= (glob, scoped to this
// service's key prefix), or everything when no pattern is given.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")

	removed, err := s.cache.Clear(r.Context(), pattern)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := map[string]any{"cleared": true, "pattern": pattern}
	if removed >= 0 {
		resp["removed"] = removed
	} else {
		resp["removed"] = "all"
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleCacheLatency reports backend ping latency and the latency of a full
// set/get/delete cycle.
func (s *Server) handleCacheLatency(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"state": s.cache.State().String()}

	ping, pingErr := s.cache.PingLatency(r.Context())
	if pingErr != nil {
		resp["ping_error"] = pingErr.Error()
	} else {
		resp["ping_ms"] = millis(ping)
	}

	rtt, rttErr := s.cache.RoundTripLatency(r.Context())
	if rttErr != nil {
		resp["round_trip_error"] = rttErr.Error()
	} else {
		resp["round_trip_ms"] = millis(rtt)
	}

	status := http.StatusOK
	if pingErr != nil && rttErr != nil {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
