// Worker process execution: re-exec of this binary with a readiness pipe.
package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// Environment markers the supervisor sets on worker processes.
const (
	// EnvWorkerMarker flags a process as a worker when set to "1"
	EnvWorkerMarker = "FORGEBENCH_WORKER"
	// EnvWorkerSlot carries the worker's slot index
	EnvWorkerSlot = "FORGEBENCH_WORKER_SLOT"
)

// readyFD is the file descriptor workers inherit for the readiness pipe.
const readyFD = 3

// ProcRunner abstracts one worker OS process so supervisor logic is testable
// without forking.
type ProcRunner interface {
	// Start launches the process
	Start() error
	// PID returns the OS process ID; valid after Start
	PID() int
	// Signal delivers a signal to the process
	Signal(sig os.Signal) error
	// Wait blocks until the process exits; non-nil error means abnormal exit
	Wait() error
	// Ready is closed when the worker signals successful initialization
	Ready() <-chan struct{}
}

// SpawnFunc creates a runner for a worker slot.
type SpawnFunc func(slot int) (ProcRunner, error)

// execRunner runs a worker as a re-exec of the current binary. The worker
// inherits a pipe on fd 3 and writes one line to it once its listener is up;
// that line drives the starting→online transition.
type execRunner struct {
	cmd       *exec.Cmd
	readPipe  *os.File
	writePipe *os.File
	readyCh   chan struct{}
	readyOnce sync.Once
}

// ExecSpawner returns the production SpawnFunc: workers are re-execs of this
// binary with the worker marker set, inheriting the parent environment.
func ExecSpawner(args ...string) SpawnFunc {
	return func(slot int) (ProcRunner, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}

		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("create readiness pipe: %w", err)
		}

		cmd := exec.Command(exe, args...)
		cmd.Env = append(os.Environ(),
			EnvWorkerMarker+"=1",
			fmt.Sprintf("%s=%d", EnvWorkerSlot, slot),
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.ExtraFiles = []*os.File{w} // worker sees this as fd 3

		return &execRunner{
			cmd:       cmd,
			readPipe:  r,
			writePipe: w,
			readyCh:   make(chan struct{}),
		}, nil
	}
}

func (r *execRunner) Start() error {
	if err := r.cmd.Start(); err != nil {
		r.readPipe.Close()
		r.writePipe.Close()
		return err
	}
	// The child holds the write end now.
	r.writePipe.Close()

	go func() {
		scanner := bufio.NewScanner(r.readPipe)
		if scanner.Scan() {
			r.readyOnce.Do(func() { close(r.readyCh) })
		}
		r.readPipe.Close()
	}()

	return nil
}

func (r *execRunner) PID() int {
	if r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

func (r *execRunner) Signal(sig os.Signal) error {
	if r.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return r.cmd.Process.Signal(sig)
}

func (r *execRunner) Wait() error {
	return r.cmd.Wait()
}

func (r *execRunner) Ready() <-chan struct{} {
	return r.readyCh
}

// IsWorkerProcess reports whether this process was launched as a worker.
func IsWorkerProcess() bool {
	return os.Getenv(EnvWorkerMarker) == "1"
}

// WorkerSlot returns this worker's slot index, or 0 if unset.
func WorkerSlot() int {
	var slot int
	fmt.Sscanf(os.Getenv(EnvWorkerSlot), "%d", &slot)
	return slot
}

// SignalReady notifies the supervisor that this worker is serving. Called by
// the worker once its listener is accepting. Safe to call when the pipe is
// absent (running without a supervisor).
func SignalReady() {
	f := os.NewFile(readyFD, "ready-pipe")
	if f == nil {
		return
	}
	_, _ = f.WriteString("ready\n")
	_ = f.Close()
}
