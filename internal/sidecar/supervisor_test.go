package sidecar

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aigdat/raux-launcher/internal/logger"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
}

// fakeService writes an executable script that answers --help and runs the
// given body for "serve".
func fakeService(t *testing.T, serveBody string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakesvc")
	script := `#!/bin/sh
case "$1" in
  --help) echo usage; exit 0 ;;
  stop) exit 0 ;;
  serve) shift; ` + serveBody + ` ;;
esac
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil { // #nosec G306
		t.Fatal(err)
	}
	return path
}

func waitForState(t *testing.T, s *Supervisor, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func TestStartIsIdempotent(t *testing.T) {
	requireUnix(t)
	bin := fakeService(t, "exec sleep 10")
	s := New(Options{Name: "svc", Command: bin, Args: []string{"serve"}, SettleInterval: 100 * time.Millisecond})
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	pid := s.PID()
	if pid == 0 {
		t.Fatal("no pid after start")
	}
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("second start must be a no-op success: %v", err)
	}
	if s.PID() != pid {
		t.Fatalf("second start spawned a new process: %d != %d", s.PID(), pid)
	}
}

func TestOverlappingStartsSpawnOneProcess(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pids")
	bin := filepath.Join(dir, "fakesvc")
	// A slow --help widens the probe-to-spawn window the guard must cover.
	script := `#!/bin/sh
case "$1" in
  --help) sleep 0.3; echo usage; exit 0 ;;
  serve) echo $$ >> ` + pidFile + `; exec sleep 10 ;;
esac
`
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil { // #nosec G306
		t.Fatal(err)
	}

	s := New(Options{Name: "svc", Command: bin, Args: []string{"serve"}, SettleInterval: 100 * time.Millisecond})
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Start(context.Background(), nil)
		}(i)
	}
	wg.Wait()
	defer func() { _ = s.Stop(context.Background()) }()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	b, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("no process spawned: %v", err)
	}
	if n := len(strings.Fields(string(b))); n != 1 {
		t.Fatalf("spawned %d processes from overlapping starts, want 1", n)
	}
}

func TestStartUnreachableBinary(t *testing.T) {
	s := New(Options{Name: "svc", Command: "no-such-service-binary", Args: []string{"serve"}})
	err := s.Start(context.Background(), nil)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s after unreachable start", s.State())
	}
}

func TestStartPortInUse(t *testing.T) {
	requireUnix(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	bin := fakeService(t, "exec sleep 10")
	s := New(Options{Name: "svc", Command: bin, Args: []string{"serve"}, Port: port})
	if err := s.Start(context.Background(), nil); !errors.Is(err, ErrPortInUse) {
		t.Fatalf("err = %v, want ErrPortInUse", err)
	}
}

func TestImmediateExitFailsStart(t *testing.T) {
	requireUnix(t)
	bin := fakeService(t, "exit 7")
	s := New(Options{Name: "svc", Command: bin, Args: []string{"serve"}, SettleInterval: 400 * time.Millisecond})
	if err := s.Start(context.Background(), nil); err == nil {
		t.Fatal("expected start failure when the process dies inside the settle window")
	}
}

func TestCrashClassification(t *testing.T) {
	requireUnix(t)
	bin := fakeService(t, "sleep 0.3; exit 1")
	s := New(Options{Name: "svc", Command: bin, Args: []string{"serve"}, SettleInterval: 50 * time.Millisecond})
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, s, StateCrashed, 3*time.Second)
	if s.PID() != 0 {
		t.Fatal("handle must be cleared after exit")
	}
}

func TestCleanExitClassifiedStopped(t *testing.T) {
	requireUnix(t)
	bin := fakeService(t, "sleep 0.3; exit 0")
	s := New(Options{Name: "svc", Command: bin, Args: []string{"serve"}, SettleInterval: 50 * time.Millisecond})
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, s, StateStopped, 3*time.Second)
}

func TestStopIsNoopWhenNotStartedByUs(t *testing.T) {
	s := New(Options{Name: "svc", Command: "whatever"})
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop on idle supervisor: %v", err)
	}
	if s.StartedByUs() {
		t.Fatal("startedByUs must be false")
	}
}

func TestStopTerminatesManagedProcess(t *testing.T) {
	requireUnix(t)
	bin := fakeService(t, "exec sleep 30")
	s := New(Options{
		Name:           "svc",
		Command:        bin,
		Args:           []string{"serve"},
		SettleInterval: 100 * time.Millisecond,
		StopGrace:      500 * time.Millisecond,
	})
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// A stop-requested termination is a stop, not a crash.
	waitForState(t, s, StateStopped, 3*time.Second)
}

func TestReadinessMarkerFlipsStartingToRunning(t *testing.T) {
	requireUnix(t)
	// Uvicorn logs its startup banner on stderr; the marker must be picked
	// up from either stream.
	bodies := map[string]string{
		"stdout": `echo "Uvicorn running on http://127.0.0.1:8000"; exec sleep 10`,
		"stderr": `echo "Uvicorn running on http://127.0.0.1:8000" >&2; exec sleep 10`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			bin := fakeService(t, body)
			s := New(Options{
				Name:             "svc",
				Command:          bin,
				Args:             []string{"serve"},
				SettleInterval:   100 * time.Millisecond,
				ReadinessMarkers: []string{"Uvicorn running"},
			})
			if err := s.Start(context.Background(), nil); err != nil {
				t.Fatalf("start: %v", err)
			}
			defer func() { _ = s.Stop(context.Background()) }()
			waitForState(t, s, StateRunning, 3*time.Second)
		})
	}
}

func TestOutputCapturedToLogFiles(t *testing.T) {
	requireUnix(t)
	logDir := t.TempDir()
	bin := fakeService(t, `echo "hello from service"; exec sleep 10`)
	s := New(Options{
		Name:           "svc",
		Command:        bin,
		Args:           []string{"serve"},
		SettleInterval: 100 * time.Millisecond,
		Log:            logger.FileConfig{Dir: logDir},
	})
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(filepath.Join(logDir, "svc.stdout.log"))
		if err == nil && len(b) > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("stdout capture file never written")
}
