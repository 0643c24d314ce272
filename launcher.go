// Package launcher wires the RAUX desktop launcher together: installation
// pipeline, service supervision, health monitoring, event fanout, and the
// local status API. Everything is constructed here and injected; packages
// under internal/ hold no global state.
package launcher

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aigdat/raux-launcher/internal/config"
	"github.com/aigdat/raux-launcher/internal/events"
	"github.com/aigdat/raux-launcher/internal/execx"
	"github.com/aigdat/raux-launcher/internal/health"
	"github.com/aigdat/raux-launcher/internal/history"
	"github.com/aigdat/raux-launcher/internal/httpx"
	"github.com/aigdat/raux-launcher/internal/installer"
	"github.com/aigdat/raux-launcher/internal/logger"
	"github.com/aigdat/raux-launcher/internal/metrics"
	"github.com/aigdat/raux-launcher/internal/orchestrator"
	"github.com/aigdat/raux-launcher/internal/server"
	"github.com/aigdat/raux-launcher/internal/sidecar"
	"github.com/aigdat/raux-launcher/internal/version"
)

// Re-export the event payload types observers consume.
type InstallProgress = installer.Progress

type ServiceStatus = health.Status

// Service names used across status reporting.
const (
	ServiceBackend = "raux"
	ServiceSidecar = "lemonade"
)

// Launcher is the top-level facade for embedding (the window host drives
// it) and for the CLI.
type Launcher struct {
	cfg    config.Config
	logger *slog.Logger
	paths  installer.Paths

	pipeline *installer.Pipeline
	orch     *orchestrator.Orchestrator
	store    *history.Store

	installFanout *events.Fanout[installer.Progress]
	statusFanout  *events.Fanout[health.Status]

	statusSrv  *http.Server
	installLog io.Closer
}

// New constructs a fully wired launcher. ctx bounds the sidecar command
// resolution probe.
func New(ctx context.Context, cfg config.Config) (*Launcher, error) {
	log := logger.NewConsole(logger.ParseLevel(cfg.LogLevel))
	_ = metrics.Register(prometheus.DefaultRegisterer)

	platform, err := installer.Detect()
	if err != nil {
		return nil, err
	}
	paths := platform.Paths(cfg.InstallDir)

	client := httpx.NewFactory(httpx.Config{
		ExtraCACerts:  cfg.HTTP.ExtraCACerts,
		CABundle:      cfg.HTTP.CABundle,
		AppBundlePath: filepath.Join(cfg.InstallDir, "resources", "ca-bundle.pem"),
		ForceSecure:   cfg.HTTP.ForceSecure,
		Insecure:      cfg.HTTP.Insecure,
	}, log)

	installFanout := events.NewFanout[installer.Progress]()
	statusFanout := events.NewFanout[health.Status]()

	// Install progress also lands in a rotated log file under the install
	// dir, so failed installs leave a trail after the console is gone.
	var installLog io.Closer
	if cfg.LogDir != "" {
		fileLog, closer := logger.NewFile(filepath.Join(cfg.LogDir, "install.log"), logger.ParseLevel(cfg.LogLevel))
		installLog = closer
		installFanout.Register("install-log", events.FuncSink[installer.Progress](func(ev installer.Progress) error {
			if ev.Type == installer.EventError {
				fileLog.Error(ev.Message, "step", ev.Step)
			} else {
				fileLog.Info(ev.Message, "step", ev.Step, "type", string(ev.Type))
			}
			return nil
		}))
	}

	var store *history.Store
	if cfg.HistoryDSN != "" {
		store, err = history.Open(cfg.HistoryDSN)
		if err != nil {
			log.Warn("history disabled", "dsn", cfg.HistoryDSN, "error", err)
			store = nil
		} else {
			installFanout.Register("history", events.FuncSink[installer.Progress](store.InstallSink()))
			statusFanout.Register("history", events.FuncSink[health.Status](store.StatusSink()))
		}
	}

	pipeline := installer.New(platform, paths, installer.Options{
		Version:      cfg.Version,
		DownloadURL:  cfg.DownloadURL,
		LocalRelease: cfg.LocalRelease,
	}, client, installFanout, log)

	services := []orchestrator.Service{
		backendService(cfg, paths, statusFanout, log),
	}
	if cfg.Sidecar.Enabled {
		services = append(services, sidecarService(ctx, cfg, statusFanout, log))
	}

	return &Launcher{
		cfg:      cfg,
		logger:   log,
		paths:    paths,
		pipeline: pipeline,
		orch: orchestrator.New(orchestrator.Options{
			Pipeline: pipeline,
			Services: services,
			Logger:   log,
		}),
		store:         store,
		installFanout: installFanout,
		statusFanout:  statusFanout,
		installLog:    installLog,
	}, nil
}

func backendService(cfg config.Config, paths installer.Paths, fanout *events.Fanout[health.Status], log *slog.Logger) orchestrator.Service {
	name, args := orchestrator.BackendCommand(cfg, paths)
	sup := sidecar.New(sidecar.Options{
		Name:    ServiceBackend,
		Command: name,
		Args:    args,
		Port:    cfg.Backend.Port,
		ReadinessMarkers: []string{
			"Uvicorn running",
			"Application startup complete",
		},
		Log:    logger.FileConfig{Dir: cfg.LogDir},
		Logger: log,
	})
	mon := health.New(health.Options{
		Service:         ServiceBackend,
		URL:             "http://" + cfg.Backend.Host + ":" + cfg.Backend.Port + "/health",
		Port:            cfg.Backend.Port,
		BinaryReachable: sup.BinaryReachable,
		ProcessState:    func() string { return sup.State().String() },
		Logger:          log,
		Fanout:          fanout,
	})
	return orchestrator.Service{Name: ServiceBackend, Supervisor: sup, Monitor: mon}
}

func sidecarService(ctx context.Context, cfg config.Config, fanout *events.Fanout[health.Status], log *slog.Logger) orchestrator.Service {
	// Resolve which binary name works once, up front; the result is passed
	// around explicitly from here on.
	name, err := execx.ResolveCommand(ctx, cfg.Sidecar.Commands, []string{"--version"})
	if err != nil {
		name = "lemonade-server"
		if len(cfg.Sidecar.Commands) > 0 {
			name = cfg.Sidecar.Commands[0]
		}
		log.Warn("sidecar binary not resolved", "candidates", cfg.Sidecar.Commands, "error", err)
	}
	sup := sidecar.New(sidecar.Options{
		Name:             ServiceSidecar,
		Command:          name,
		Args:             []string{"serve", "--port", cfg.Sidecar.Port},
		Port:             cfg.Sidecar.Port,
		StopArgs:         []string{"stop"},
		ReadinessMarkers: []string{"Server started", "Uvicorn running"},
		Log:              logger.FileConfig{Dir: cfg.LogDir},
		Logger:           log,
	})
	mon := health.New(health.Options{
		Service:         ServiceSidecar,
		URL:             "http://localhost:" + cfg.Sidecar.Port + "/health",
		Port:            cfg.Sidecar.Port,
		BinaryReachable: sup.BinaryReachable,
		ProcessState:    func() string { return sup.State().String() },
		Version:         sidecarVersion(name, cfg.Sidecar.MinVersion, log),
		Logger:          log,
		Fanout:          fanout,
	})
	return orchestrator.Service{Name: ServiceSidecar, Supervisor: sup, Monitor: mon}
}

// sidecarVersion discovers the sidecar version from its CLI, warning once
// when it is older than the supported minimum.
func sidecarVersion(command, minVersion string, log *slog.Logger) func(ctx context.Context) (string, bool) {
	warned := false
	return func(ctx context.Context) (string, bool) {
		res := execx.Run(ctx, command, []string{"--version"}, execx.Options{Timeout: 10 * time.Second})
		if !res.Success() {
			return "", false
		}
		info, ok := version.Parse(res.Stdout)
		if !ok {
			return "", false
		}
		if min, okMin := version.Parse(minVersion); okMin && !warned && !version.IsCompatible(info, min) {
			warned = true
			log.Warn("sidecar older than supported minimum", "version", info.Full, "minimum", min.Full)
		}
		return info.Full, true
	}
}

// Paths returns the computed installation layout.
func (l *Launcher) Paths() installer.Paths { return l.paths }

// Installed reports whether the application is fully installed.
func (l *Launcher) Installed() bool { return l.pipeline.Installed() }

// Install runs the installation pipeline to completion.
func (l *Launcher) Install(ctx context.Context) error { return l.pipeline.Install(ctx) }

// Launch brings the whole system up: install when needed, start services
// and monitors, and serve the local status API.
func (l *Launcher) Launch(ctx context.Context) error {
	if l.cfg.StatusAddr != "" {
		l.statusSrv = server.NewServer(l.cfg.StatusAddr, "/api", l.orch, l.store, l.orch)
		l.logger.Info("status API listening", "addr", l.cfg.StatusAddr)
	}
	return l.orch.Launch(ctx)
}

// StopAll shuts everything down: monitors, services, the status API, and
// the history store.
func (l *Launcher) StopAll(ctx context.Context) {
	l.orch.StopAll(ctx)
	if l.statusSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = l.statusSrv.Shutdown(shutdownCtx)
		cancel()
		l.statusSrv = nil
	}
	if l.store != nil {
		_ = l.store.Close()
		l.store = nil
	}
	if l.installLog != nil {
		_ = l.installLog.Close()
		l.installLog = nil
	}
}

// Statuses returns the latest health determination per service.
func (l *Launcher) Statuses() []health.Status { return l.orch.Statuses() }

// InstallEvents exposes the install progress bus for observer registration.
func (l *Launcher) InstallEvents() *events.Fanout[installer.Progress] { return l.installFanout }

// StatusEvents exposes the service status bus for observer registration.
func (l *Launcher) StatusEvents() *events.Fanout[health.Status] { return l.statusFanout }

// Logger returns the launcher's console logger.
func (l *Launcher) Logger() *slog.Logger { return l.logger }

// EnsureDirs creates the install and log directories.
func (l *Launcher) EnsureDirs() error {
	if err := os.MkdirAll(l.cfg.InstallDir, 0o750); err != nil {
		return err
	}
	return os.MkdirAll(l.cfg.LogDir, 0o750)
}
