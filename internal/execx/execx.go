package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// DefaultTimeout bounds command runtime when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Options controls how a command is run.
type Options struct {
	Timeout time.Duration
	Dir     string
	Env     []string // appended to the inherited environment
}

// Result captures the outcome of a single command invocation.
// Err is non-nil for spawn failures and timeouts; a nonzero exit by itself
// is reported through ExitCode with Err left nil.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Success reports whether the command spawned and exited zero.
func (r Result) Success() bool { return r.Err == nil && r.ExitCode == 0 }

// Run executes name with args, buffering stdout/stderr. The command is
// resolved exactly once: normal exit, spawn error, or timeout, whichever
// comes first. On timeout the child is killed and the result carries a
// nonzero exit with a timeout error.
func Run(ctx context.Context, name string, args []string, opts Options) Result {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 -- callers pass fixed binary names and validated arguments
	cmd := exec.CommandContext(cctx, name, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{Stdout: outBuf.String(), Stderr: errBuf.String()}
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.Err = fmt.Errorf("command %q timed out after %s", name, timeout)
	default:
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = exitCode(ee)
		} else {
			// Spawn failure (binary missing, not executable, ...).
			res.ExitCode = -1
			res.Err = fmt.Errorf("run %q: %w", name, err)
		}
	}
	return res
}

func exitCode(ee *exec.ExitError) int {
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ws.ExitStatus()
	}
	return ee.ExitCode()
}
