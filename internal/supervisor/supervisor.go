// Package supervisor maintains the fixed-size fleet of worker processes.
// Each worker runs the HTTP listener with its own connection pool and cache
// client; the supervisor only forks, monitors, restarts and shuts down.
// Crashed workers are replaced with exponential backoff, and a slot that
// crash-loops is abandoned rather than restarted forever.
package supervisor

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/forgebench/forgebench/pkg/config"
	"github.com/forgebench/forgebench/pkg/metrics"
)

// WorkerState is the lifecycle state of one worker slot.
type WorkerState string

const (
	// StateStarting means the process is launched but not yet serving
	StateStarting WorkerState = "starting"
	// StateOnline means the worker reported readiness
	StateOnline WorkerState = "online"
	// StateDead means the process has exited
	StateDead WorkerState = "dead"
	// StateFailed means the slot was abandoned after crash-looping
	StateFailed WorkerState = "failed"
)

// slot tracks one worker position in the fleet.
type slot struct {
	index     int
	state     WorkerState
	pid       int
	runner    ProcRunner
	crashes   int
	backoff   time.Duration
	startedAt time.Time
}

// Supervisor keeps cfg.Workers worker processes alive until shutdown.
// It holds no persistent state; if the supervisor dies the service dies.
type Supervisor struct {
	cfg    config.SupervisorConfig
	spawn  SpawnFunc
	logger *zap.Logger

	mu       sync.Mutex
	slots    map[int]*slot
	stopping bool

	procs sync.WaitGroup
}

// New creates a supervisor. spawn is ExecSpawner in production and a fake in
// tests.
func New(cfg config.SupervisorConfig, spawn SpawnFunc, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		spawn:  spawn,
		logger: logger.With(zap.String("component", "supervisor")),
		slots:  make(map[int]*slot),
	}
}

// Run starts the fleet and blocks until ctx is cancelled (typically by
// SIGINT/SIGTERM via signal.NotifyContext), then performs graceful shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("starting workers", zap.Int("count", s.cfg.Workers))

	for i := 0; i < s.cfg.Workers; i++ {
		s.startSlot(i)
	}

	<-ctx.Done()
	s.shutdown()
	return nil
}

// OnlineCount returns the number of workers currently online.
func (s *Supervisor) OnlineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sl := range s.slots {
		if sl.state == StateOnline {
			n++
		}
	}
	return n
}

// States returns a snapshot of slot states keyed by slot index.
func (s *Supervisor) States() map[int]WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]WorkerState, len(s.slots))
	for i, sl := range s.slots {
		out[i] = sl.state
	}
	return out
}

// startSlot launches a worker for the given slot and begins monitoring it.
func (s *Supervisor) startSlot(index int) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}

	sl := s.slots[index]
	if sl == nil {
		sl = &slot{index: index, backoff: s.cfg.RestartBackoff}
		s.slots[index] = sl
	}

	runner, err := s.spawn(index)
	if err != nil {
		sl.state = StateFailed
		s.mu.Unlock()
		metrics.WorkerSlotsFailed.Inc()
		s.logger.Error("failed to spawn worker", zap.Int("slot", index), zap.Error(err))
		return
	}

	sl.runner = runner
	sl.state = StateStarting
	sl.startedAt = time.Now()
	s.mu.Unlock()

	if err := runner.Start(); err != nil {
		s.mu.Lock()
		sl.state = StateDead
		s.mu.Unlock()
		s.logger.Error("failed to start worker", zap.Int("slot", index), zap.Error(err))
		s.scheduleRestart(sl, "crash")
		return
	}

	s.mu.Lock()
	sl.pid = runner.PID()
	s.mu.Unlock()

	s.logger.Info("worker spawned", zap.Int("slot", index), zap.Int("pid", runner.PID()))

	// Readiness watcher: starting → online.
	go func() {
		select {
		case <-runner.Ready():
			s.mu.Lock()
			if sl.runner == runner && sl.state == StateStarting {
				sl.state = StateOnline
			}
			s.mu.Unlock()
			metrics.WorkersOnline.Set(float64(s.OnlineCount()))
			s.logger.Info("worker online", zap.Int("slot", index), zap.Int("pid", runner.PID()))
		case <-time.After(s.cfg.StartTimeout):
			s.logger.Warn("worker did not report ready in time",
				zap.Int("slot", index), zap.Int("pid", runner.PID()))
		}
	}()

	// Exit monitor: any termination, for any reason, comes through Wait.
	s.procs.Add(1)
	go func() {
		err := runner.Wait()
		s.procs.Done()
		s.onExit(sl, runner, err)
	}()
}

// onExit handles a worker termination: during shutdown it only records the
// death, otherwise it replaces the worker.
func (s *Supervisor) onExit(sl *slot, runner ProcRunner, waitErr error) {
	s.mu.Lock()
	if sl.runner != runner {
		// A replacement is already in flight for this slot.
		s.mu.Unlock()
		return
	}
	uptime := time.Since(sl.startedAt)
	sl.state = StateDead
	stopping := s.stopping
	s.mu.Unlock()

	metrics.WorkersOnline.Set(float64(s.OnlineCount()))

	reason := "signal"
	if waitErr != nil {
		reason = "crash"
	}

	if stopping {
		s.logger.Info("worker exited during shutdown",
			zap.Int("slot", sl.index), zap.Int("pid", sl.pid))
		return
	}

	s.logger.Warn("worker exited",
		zap.Int("slot", sl.index),
		zap.Int("pid", sl.pid),
		zap.Duration("uptime", uptime),
		zap.Error(waitErr))

	s.mu.Lock()
	if uptime >= s.cfg.CrashWindow {
		sl.crashes = 0
		sl.backoff = s.cfg.RestartBackoff
	} else {
		sl.crashes++
	}
	crashes := sl.crashes
	s.mu.Unlock()

	if crashes > s.cfg.MaxCrashes {
		s.mu.Lock()
		sl.state = StateFailed
		s.mu.Unlock()
		metrics.WorkerSlotsFailed.Inc()
		s.logger.Error("worker slot crash-looping, giving up",
			zap.Int("slot", sl.index), zap.Int("crashes", crashes))
		return
	}

	metrics.WorkerRestarts.WithLabelValues(reason).Inc()
	s.scheduleRestart(sl, reason)
}

// scheduleRestart restarts a slot after its current backoff, then doubles
// the backoff up to the configured ceiling.
func (s *Supervisor) scheduleRestart(sl *slot, reason string) {
	s.mu.Lock()
	delay := sl.backoff
	sl.backoff *= 2
	if sl.backoff > s.cfg.MaxRestartBackoff {
		sl.backoff = s.cfg.MaxRestartBackoff
	}
	s.mu.Unlock()

	s.logger.Info("scheduling worker restart",
		zap.Int("slot", sl.index),
		zap.String("reason", reason),
		zap.Duration("delay", delay))

	time.AfterFunc(delay, func() {
		s.startSlot(sl.index)
	})
}

// shutdown stops the fleet: no more restarts, SIGTERM to every worker so it
// drains in-flight requests, SIGKILL to stragglers after the grace period.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	s.stopping = true
	runners := make([]ProcRunner, 0, len(s.slots))
	for _, sl := range s.slots {
		if sl.runner != nil && (sl.state == StateStarting || sl.state == StateOnline) {
			runners = append(runners, sl.runner)
		}
	}
	s.mu.Unlock()

	s.logger.Info("shutting down workers", zap.Int("count", len(runners)))

	for _, r := range runners {
		if err := r.Signal(syscall.SIGTERM); err != nil {
			s.logger.Debug("failed to signal worker", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.procs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all workers exited")
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("grace period elapsed, killing remaining workers")
		for _, r := range runners {
			_ = r.Signal(os.Kill)
		}
		<-done
	}
}
