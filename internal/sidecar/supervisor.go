// Package sidecar supervises one long-running external service process:
// start with pre-spawn checks, readiness hinting from process output, exit
// classification, and graceful stop with bounded escalation.
package sidecar

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/aigdat/raux-launcher/internal/execx"
	"github.com/aigdat/raux-launcher/internal/logger"
	"github.com/aigdat/raux-launcher/internal/metrics"
)

// State is the supervisor's view of the managed process.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Options configures a Supervisor. Command must already be resolved to a
// working binary name (see execx.ResolveCommand).
type Options struct {
	Name             string   // service name for logs and metrics
	Command          string   // resolved binary
	Args             []string // full argument list, e.g. ["serve", "--port", "8000"]
	Port             string   // checked free before spawn; empty skips the check
	StopArgs         []string // service's own graceful stop command, e.g. ["stop"]
	ReadinessMarkers []string // literal output substrings hinting readiness
	SettleInterval   time.Duration
	StopGrace        time.Duration
	Log              logger.FileConfig
	Logger           *slog.Logger
}

// Supervisor owns at most one managed process at a time. The handle is
// never handed out; collaborators observe it through State/PID only.
type Supervisor struct {
	opts Options

	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	starting    bool // a Start attempt holds this across probe and spawn
	startedByUs bool
	stopping    bool
	waitDone    chan struct{}
	exitErr     error
	outW, errW  io.WriteCloser
}

func New(opts Options) *Supervisor {
	if opts.SettleInterval <= 0 {
		opts.SettleInterval = 500 * time.Millisecond
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{opts: opts, state: StateStopped}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the managed process id, or 0 when nothing is tracked.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// StartedByUs reports whether the tracked process was spawned by this
// supervisor (as opposed to an instance the user runs independently).
func (s *Supervisor) StartedByUs() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedByUs
}

// BinaryReachable probes the service CLI without spawning the service.
func (s *Supervisor) BinaryReachable(ctx context.Context) bool {
	res := execx.Run(ctx, s.opts.Command, []string{"--help"}, execx.Options{Timeout: 10 * time.Second})
	return res.Err == nil
}

// Start spawns the service. A start while a process is already tracked is a
// no-op success; overlapping callers simply observe the in-flight handle.
func (s *Supervisor) Start(ctx context.Context, extraEnv []string) error {
	// The guard must cover the whole attempt, probe through spawn, or two
	// overlapping calls both spawn and one handle goes untracked.
	s.mu.Lock()
	if s.cmd != nil || s.starting {
		s.mu.Unlock()
		s.opts.Logger.Debug("start requested while already tracked", "service", s.opts.Name)
		return nil
	}
	s.starting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	// Fail fast with a descriptive error instead of an asynchronous spawn
	// failure that is hard to tell from a crash.
	if !s.BinaryReachable(ctx) {
		return fmt.Errorf("%w: %q not found or not executable", ErrUnreachable, s.opts.Command)
	}
	if s.opts.Port != "" {
		if err := checkPortFree(s.opts.Port); err != nil {
			return err
		}
	}

	// #nosec G204 -- command resolved from a fixed candidate list
	cmd := exec.Command(s.opts.Command, s.opts.Args...)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Env = append(os.Environ(), extraEnv...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", s.opts.Name, err)
	}

	outW, errW := s.opts.Log.Writers(s.opts.Name)
	s.mu.Lock()
	s.cmd = cmd
	s.startedByUs = true
	s.stopping = false
	s.state = StateStarting
	s.exitErr = nil
	s.waitDone = make(chan struct{})
	s.outW, s.errW = outW, errW
	done := s.waitDone
	s.mu.Unlock()

	// Uvicorn-style servers announce readiness on stderr, so both streams
	// are watched for the markers.
	go s.scan(stdout, outW)
	go s.scan(stderr, errW)
	go s.waitAndClassify(cmd, done)

	// Some spawn failures arrive asynchronously after Start returns; hold a
	// short settle window before declaring success.
	select {
	case <-done:
		s.mu.Lock()
		err := s.exitErr
		s.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("%s exited immediately after spawn", s.opts.Name)
		}
		return fmt.Errorf("start %s: %w", s.opts.Name, err)
	case <-time.After(s.opts.SettleInterval):
	case <-ctx.Done():
		return ctx.Err()
	}

	metrics.IncStart(s.opts.Name)
	s.opts.Logger.Info("service started", "service", s.opts.Name, "pid", cmd.Process.Pid)
	return nil
}

// scan forwards process output lines to the capture writer and watches for
// readiness markers. The marker flip is a hint only; the health monitor's
// endpoint check remains the authoritative running signal.
func (s *Supervisor) scan(r io.Reader, w io.WriteCloser) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if w != nil {
			_, _ = w.Write([]byte(line + "\n"))
		}
		if s.matchesReadiness(line) {
			s.mu.Lock()
			if s.state == StateStarting {
				s.state = StateRunning
				s.opts.Logger.Debug("readiness marker observed", "service", s.opts.Name, "line", line)
			}
			s.mu.Unlock()
		}
	}
}

func (s *Supervisor) matchesReadiness(line string) bool {
	for _, m := range s.opts.ReadinessMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

func (s *Supervisor) waitAndClassify(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	s.mu.Lock()
	s.exitErr = err
	s.cmd = nil
	wasStopping := s.stopping
	if err == nil || wasStopping {
		s.state = StateStopped
	} else {
		s.state = StateCrashed
	}
	crashed := s.state == StateCrashed
	outW, errW := s.outW, s.errW
	s.outW, s.errW = nil, nil
	s.mu.Unlock()

	if outW != nil {
		_ = outW.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
	close(done)

	if crashed {
		metrics.IncCrash(s.opts.Name)
		s.opts.Logger.Warn("service exited unexpectedly", "service", s.opts.Name, "error", err)
	} else {
		s.opts.Logger.Info("service exited", "service", s.opts.Name)
	}
}

// Stop shuts the service down. It never touches a process this supervisor
// did not start. Preferred path is the service's own stop command; failing
// that, SIGTERM with SIGKILL after the grace period.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.startedByUs || s.cmd == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	pid := s.cmd.Process.Pid
	done := s.waitDone
	s.mu.Unlock()

	if len(s.opts.StopArgs) > 0 {
		res := execx.Run(ctx, s.opts.Command, s.opts.StopArgs, execx.Options{Timeout: 10 * time.Second})
		if res.Success() {
			select {
			case <-done:
				metrics.IncStop(s.opts.Name)
				return nil
			case <-time.After(s.opts.StopGrace):
				// Graceful command acknowledged but the process lingers.
			}
		}
	}

	_ = terminate(pid)
	select {
	case <-done:
	case <-time.After(s.opts.StopGrace):
		_ = kill(pid)
		select {
		case <-done:
		case <-time.After(time.Second):
			// best-effort
		}
	}
	metrics.IncStop(s.opts.Name)
	return nil
}

func checkPortFree(port string) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		return fmt.Errorf("%w: port %s", ErrPortInUse, port)
	}
	_ = ln.Close()
	return nil
}
