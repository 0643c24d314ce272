// Package installer provisions the application's Python runtime and
// installs the application package through a fixed, strictly ordered stage
// pipeline with per-stage progress events.
package installer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aigdat/raux-launcher/internal/events"
	"github.com/aigdat/raux-launcher/internal/httpx"
	"github.com/aigdat/raux-launcher/internal/metrics"
)

// EventType classifies a progress event.
type EventType string

const (
	EventInfo    EventType = "info"
	EventSuccess EventType = "success"
	EventError   EventType = "error"
)

// Progress is the per-stage event published to observers (UI windows).
type Progress struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
	Step    string    `json:"step"`
}

// Stage names, in execution order.
const (
	StepPythonCheck    = "python-check"
	StepPythonDownload = "python-download"
	StepPythonExtract  = "python-extract"
	StepPipInstall     = "pip-install"
	StepPythonComplete = "python-complete"
	StepWheelDownload  = "raux-download"
	StepWheelInstall   = "raux-install"
	StepWheelEnv       = "raux-env"
	StepWheelComplete  = "raux-complete"
)

// Options tunes a pipeline run.
type Options struct {
	Version      string // pinned application version tag; empty means latest
	DownloadURL  string // explicit wheel URL override
	LocalRelease string // path to a local wheel, skips download entirely
	EnvSource    string // bundled environment file copied into the runtime
	RuntimeURL   string // runtime archive URL override
	APIBase      string // GitHub API base override, used by tests
}

// Pipeline runs the staged installation. Stages execute strictly in order;
// the first failure aborts the rest and is returned to the caller.
type Pipeline struct {
	platform Platform
	paths    Paths
	opts     Options
	http     *httpx.Factory
	fanout   *events.Fanout[Progress]
	logger   *slog.Logger
}

func New(platform Platform, paths Paths, opts Options, client *httpx.Factory, fanout *events.Fanout[Progress], logger *slog.Logger) *Pipeline {
	if fanout == nil {
		fanout = events.NewFanout[Progress]()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{platform: platform, paths: paths, opts: opts, http: client, fanout: fanout, logger: logger}
}

// Fanout exposes the progress bus for observer registration.
func (p *Pipeline) Fanout() *events.Fanout[Progress] { return p.fanout }

// Installed reports whether installation is complete. The completion marker
// is authoritative; a pre-existing runtime directory is accepted as a
// legacy signal for installs made before the marker existed.
func (p *Pipeline) Installed() bool {
	if _, err := os.Stat(p.paths.Marker); err == nil {
		return true
	}
	if fi, err := os.Stat(p.paths.RuntimeDir); err == nil && fi.IsDir() {
		return true
	}
	return false
}

type stage struct {
	step string
	run  func(ctx context.Context) (string, error) // returns success message
}

// Install runs the full pipeline. When installation is already complete it
// emits a single success event for the check stage and returns immediately.
func (p *Pipeline) Install(ctx context.Context) error {
	if p.Installed() {
		p.emit(EventSuccess, StepPythonCheck, "installation already complete")
		return nil
	}
	if err := p.preflight(); err != nil {
		p.emit(EventError, StepPythonCheck, err.Error())
		return err
	}
	p.emit(EventSuccess, StepPythonCheck, "runtime not present, provisioning")

	stages := []stage{
		{StepPythonDownload, p.stagePythonDownload},
		{StepPythonExtract, p.stagePythonExtract},
		{StepPipInstall, p.stagePipInstall},
		{StepPythonComplete, p.stagePythonComplete},
		{StepWheelDownload, p.stageWheelDownload},
		{StepWheelInstall, p.stageWheelInstall},
		{StepWheelEnv, p.stageWheelEnv},
		{StepWheelComplete, p.stageWheelComplete},
	}
	for _, s := range stages {
		if err := p.runStage(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, s stage) error {
	p.emit(EventInfo, s.step, "starting "+s.step)
	start := time.Now()
	msg, err := s.run(ctx)
	metrics.ObserveStageDuration(s.step, time.Since(start).Seconds())
	if err != nil {
		metrics.IncInstallStage(s.step, "error")
		p.emit(EventError, s.step, err.Error())
		return fmt.Errorf("stage %s: %w", s.step, err)
	}
	metrics.IncInstallStage(s.step, "success")
	if msg == "" {
		msg = s.step + " complete"
	}
	p.emit(EventSuccess, s.step, msg)
	return nil
}

func (p *Pipeline) emit(t EventType, step, message string) {
	switch t {
	case EventError:
		p.logger.Error(message, "step", step)
	default:
		p.logger.Info(message, "step", step)
	}
	p.fanout.Broadcast(Progress{Type: t, Message: message, Step: step})
}

// preflight verifies the install root exists and is writable before any
// stage mutates it.
func (p *Pipeline) preflight() error {
	if err := os.MkdirAll(p.paths.Root, 0o750); err != nil {
		return fmt.Errorf("create install dir %s: %w", p.paths.Root, err)
	}
	probe := p.paths.Root + string(os.PathSeparator) + ".write-test"
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("install dir %s is not writable: %w", p.paths.Root, err)
	}
	return os.Remove(probe)
}
