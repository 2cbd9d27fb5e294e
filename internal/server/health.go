// Health endpoint: database and cache reachability latencies plus process
// resource usage.
package server

import (
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

type healthProbe struct {
	Reachable bool    `json:"reachable"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
	State     string  `json:"state,omitempty"`
}

type healthResponse struct {
	Status   string      `json:"status"`
	Pid      int         `json:"pid"`
	Database healthProbe `json:"database"`
	Cache    healthProbe `json:"cache"`
	Process  struct {
		RSSBytes   uint64  `json:"rss_bytes"`
		CPUPercent float64 `json:"cpu_percent"`
	} `json:"process"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Pid: os.Getpid()}

	dbStart := time.Now()
	if err := s.pool.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = healthProbe{Reachable: false, Error: err.Error()}
	} else {
		resp.Database = healthProbe{
			Reachable: true,
			LatencyMs: float64(time.Since(dbStart).Microseconds()) / 1000,
		}
	}

	resp.Cache.State = s.cache.State().String()
	if lat, err := s.cache.PingLatency(r.Context()); err != nil {
		// Cache being down never fails health; it is reported, not fatal.
		resp.Cache.Reachable = false
		resp.Cache.Error = err.Error()
	} else {
		resp.Cache.Reachable = true
		resp.Cache.LatencyMs = float64(lat.Microseconds()) / 1000
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			resp.Process.RSSBytes = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			resp.Process.CPUPercent = cpu
		}
	}

	status := http.StatusOK
	if !resp.Database.Reachable {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
