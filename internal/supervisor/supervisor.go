// Package supervisor owns the worker process: it spawns the instrumented
// worker, starts the pipe and trace-channel readers, monitors exit, and
// exposes start/stop/pause/resume/restart. The process handle and pipe
// handles are owned here exclusively; readers only share the collector.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/LayerDynamics/pytui-sub000/internal/collector"
	"github.com/LayerDynamics/pytui-sub000/internal/errsink"
	"github.com/LayerDynamics/pytui-sub000/internal/event"
	"github.com/LayerDynamics/pytui-sub000/internal/filter"
	"github.com/LayerDynamics/pytui-sub000/internal/streamreader"
	"github.com/LayerDynamics/pytui-sub000/internal/tracereader"
)

// State is the supervisor's lifecycle state.
type State int32

const (
	StateNotRunning State = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateNotRunning:
		return "not-running"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Default timing knobs. All are overridable through Config.
const (
	DefaultGracePeriod  = 2 * time.Second
	DefaultJoinTimeout  = 3 * time.Second
	DefaultDrainTimeout = 250 * time.Millisecond
)

// Config describes how to launch and supervise one worker.
type Config struct {
	// WorkerBin is the interpreter binary, e.g. "python3".
	WorkerBin string
	// Script is the worker script path; it must exist at Start.
	Script string
	// Args are passed to the script after its path.
	Args []string
	// AgentDir, when set, is prepended to PYTHONPATH so the instrumentation
	// agent is importable inside the worker.
	AgentDir string
	// TraceDir is where the per-run trace channel file is created.
	// Defaults to the OS temp directory.
	TraceDir string
	// Env holds extra environment variables for the worker.
	Env map[string]string
	// Filter, when non-nil, gates which call events are collected.
	Filter *filter.CallFilter

	GracePeriod  time.Duration // graceful-stop window before SIGKILL
	JoinTimeout  time.Duration // bound on joining reader goroutines
	DrainTimeout time.Duration // post-exit window for the trace reader to catch tail writes

	PollInterval  time.Duration // trace channel poll pacing
	RetryAttempts int           // trace channel liveness attempts
	RetryDelay    time.Duration // initial liveness backoff step

	QueueSize    int // collector delivery queue capacity
	SinkCapacity int // error sink capacity
}

func (c *Config) withDefaults() {
	if c.WorkerBin == "" {
		c.WorkerBin = "python3"
	}
	if c.TraceDir == "" {
		c.TraceDir = os.TempDir()
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
}

// Supervisor manages one worker process at a time. All control-surface
// methods are safe to call from any goroutine.
type Supervisor struct {
	cfg Config

	mu     sync.Mutex
	state  State
	cmd    *exec.Cmd
	pid    int
	runID  string
	cancel context.CancelFunc
	wg     *sync.WaitGroup
	exited chan struct{} // closed by the monitor once the process has been reaped

	col    *collector.Collector
	paused atomic.Bool
}

// New creates a supervisor with a fresh collector. The collector lives as
// long as the supervisor; Restart clears it rather than replacing it, so
// consumers can hold the reference across runs.
func New(cfg Config) *Supervisor {
	cfg.withDefaults()
	return &Supervisor{
		cfg: cfg,
		col: collector.New(cfg.QueueSize),
	}
}

// Collector returns the supervisor's event collector.
func (s *Supervisor) Collector() *collector.Collector { return s.col }

// IsRunning reports whether a worker process is currently supervised.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning || s.state == StatePaused
}

// IsPaused reports whether event collection is currently muted.
func (s *Supervisor) IsPaused() bool { return s.paused.Load() }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the worker's process id, or 0 when not running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// RunID returns the identity of the current run, or "" when not running.
func (s *Supervisor) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Start spawns the worker and the reader goroutines. Calling Start while a
// worker is already supervised is a no-op. A spawn failure is returned to the
// caller and leaves the supervisor not running.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateNotRunning {
		return nil
	}
	s.state = StateStarting

	if _, err := os.Stat(s.cfg.Script); err != nil {
		s.state = StateNotRunning
		return fmt.Errorf("worker script %s: %w", s.cfg.Script, err)
	}

	runID := uuid.NewString()
	tracePath := filepath.Join(s.cfg.TraceDir, "pytui-trace-"+runID+".jsonl")

	args := append([]string{s.cfg.Script}, s.cfg.Args...)
	cmd := exec.Command(s.cfg.WorkerBin, args...)
	cmd.Env = s.buildEnv(tracePath)
	// Own process group, so stop() can terminate the whole worker tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.state = StateNotRunning
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.state = StateNotRunning
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.state = StateNotRunning
		return fmt.Errorf("failed to start worker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sink := errsink.New(s.cfg.SinkCapacity)
	wg := &sync.WaitGroup{}
	pipes := &sync.WaitGroup{}
	exited := make(chan struct{})

	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.runID = runID
	s.cancel = cancel
	s.wg = wg
	s.exited = exited
	s.paused.Store(false)

	wg.Add(1)
	pipes.Add(1)
	go func() {
		defer wg.Done()
		defer pipes.Done()
		streamreader.New(event.StreamStdout, stdout, s.col, sink, &s.paused).Run()
	}()
	wg.Add(1)
	pipes.Add(1)
	go func() {
		defer wg.Done()
		defer pipes.Done()
		streamreader.New(event.StreamStderr, stderr, s.col, sink, &s.paused).Run()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		tracereader.New(tracereader.Config{
			Path:          tracePath,
			PollInterval:  s.cfg.PollInterval,
			RetryAttempts: s.cfg.RetryAttempts,
			RetryDelay:    s.cfg.RetryDelay,
		}, s.col, sink, &s.paused, s.cfg.Filter).Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		sink.Drain(ctx, s.col)
	}()

	s.col.AddOutput(event.OutputEvent{
		Content:   fmt.Sprintf("Process started (pid %d, run %s)", s.pid, runID),
		Stream:    event.StreamSystem,
		Timestamp: event.Now(),
	})

	go s.monitor(cmd, pipes, exited)

	s.state = StateRunning
	return nil
}

// buildEnv injects the instrumentation contract into the worker environment:
// the agent import path, the activation flag, and the trace channel location.
func (s *Supervisor) buildEnv(tracePath string) []string {
	env := os.Environ()
	if s.cfg.AgentDir != "" {
		pythonPath := s.cfg.AgentDir
		if existing := os.Getenv("PYTHONPATH"); existing != "" {
			pythonPath += string(os.PathListSeparator) + existing
		}
		env = append(env, "PYTHONPATH="+pythonPath)
	}
	env = append(env, "PYTUI_TRACE=1", "PYTUI_TRACE_PATH="+tracePath)
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// monitor reaps the worker and surfaces its exit status as a system event.
// On a self-initiated exit (not driven by Stop) it also tears the reader
// graph down after a short drain window for trailing trace writes.
func (s *Supervisor) monitor(cmd *exec.Cmd, pipes *sync.WaitGroup, exited chan struct{}) {
	// Both pipes must hit EOF before the reap: Wait closes the pipe read
	// ends, and anything still buffered in them would be discarded.
	pipes.Wait()
	err := cmd.Wait()
	close(exited)

	s.col.AddOutput(event.OutputEvent{
		Content:   exitMessage(err),
		Stream:    event.StreamSystem,
		Timestamp: event.Now(),
	})

	s.mu.Lock()
	if s.cmd != cmd || (s.state != StateRunning && s.state != StatePaused) {
		// Stop() is driving the teardown, or a restart has already replaced
		// this run. Either way the reader graph is no longer ours.
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	wg := s.wg
	s.mu.Unlock()

	// Give the trace reader a moment to catch writes the agent flushed at
	// process exit, then cancel it (its final drain re-reads the tail).
	time.Sleep(s.cfg.DrainTimeout)
	cancel()
	if !waitTimeout(wg, s.cfg.JoinTimeout) {
		log.Printf("supervisor: reader goroutines did not join within %v", s.cfg.JoinTimeout)
	}

	s.mu.Lock()
	if s.cmd == cmd {
		s.state = StateNotRunning
		s.cmd = nil
		s.pid = 0
		s.runID = ""
		s.paused.Store(false)
	}
	s.mu.Unlock()
}

// exitMessage renders a worker exit status in the form consumers match on.
func exitMessage(err error) string {
	if err == nil {
		return "Process finished with exit code 0"
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return fmt.Sprintf("Process terminated by signal %s", ws.Signal())
		}
		return fmt.Sprintf("Process finished with exit code %d", ee.ExitCode())
	}
	return fmt.Sprintf("Process wait failed: %v", err)
}

// Stop terminates the worker's process group: SIGTERM, a bounded grace wait,
// then SIGKILL. It always leaves the supervisor not running with the process
// handle cleared; termination failures are logged, not returned.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state == StateNotRunning || s.state == StateStopping {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	cmd := s.cmd
	cancel := s.cancel
	wg := s.wg
	exited := s.exited
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		pgid := cmd.Process.Pid
		select {
		case <-exited:
			// Already reaped; nothing to signal.
		default:
			if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
				log.Printf("supervisor: SIGTERM process group %d: %v", pgid, err)
			}
			select {
			case <-exited:
			case <-time.After(s.cfg.GracePeriod):
				if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
					log.Printf("supervisor: SIGKILL process group %d: %v", pgid, err)
				}
				select {
				case <-exited:
				case <-time.After(time.Second):
					log.Printf("supervisor: process %d not reaped after SIGKILL", pgid)
				}
			}
		}
	}

	if cancel != nil {
		cancel()
	}
	if wg != nil && !waitTimeout(wg, s.cfg.JoinTimeout) {
		log.Printf("supervisor: reader goroutines did not join within %v", s.cfg.JoinTimeout)
	}

	s.mu.Lock()
	s.state = StateNotRunning
	s.cmd = nil
	s.pid = 0
	s.runID = ""
	s.paused.Store(false)
	s.mu.Unlock()
	return nil
}

// Pause mutes collection of new events; the worker keeps running and events
// already on the delivery queue are still delivered.
func (s *Supervisor) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.paused.Store(true)
		s.state = StatePaused
	}
}

// Resume re-enables collection after Pause.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePaused {
		s.paused.Store(false)
		s.state = StateRunning
	}
}

// Restart stops the worker if running, clears the collector, and starts a
// fresh run. The new run has a new process id and an empty event history.
func (s *Supervisor) Restart() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.col.Clear()
	return s.Start()
}

// waitTimeout waits for the group with an upper bound, so a stuck reader
// cannot wedge Stop.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
