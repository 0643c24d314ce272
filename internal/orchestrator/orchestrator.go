// Package orchestrator drives the launch sequence: install when needed,
// start the supervised services, then keep health monitors polling. All
// collaborators are constructed by the caller and injected.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/aigdat/raux-launcher/internal/health"
)

// Installer is the slice of the installation pipeline the orchestrator
// needs.
type Installer interface {
	Installed() bool
	Install(ctx context.Context) error
}

// Supervisor manages one service process.
type Supervisor interface {
	Start(ctx context.Context, extraEnv []string) error
	Stop(ctx context.Context) error
}

// Monitor is one health polling loop.
type Monitor interface {
	Start(ctx context.Context)
	Stop()
	Last() (health.Status, bool)
}

// Service bundles a supervised process with its health monitor.
type Service struct {
	Name       string
	Supervisor Supervisor
	Monitor    Monitor
	Env        []string // extra environment for the spawned process
}

type Options struct {
	Pipeline Installer
	Services []Service
	Logger   *slog.Logger
}

type Orchestrator struct {
	pipeline Installer
	services []Service
	logger   *slog.Logger
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{pipeline: opts.Pipeline, services: opts.Services, logger: logger}
}

// Launch installs if needed, then brings every service up. An installation
// failure is fatal and returned; a service that fails to start is logged
// and left to its monitor to report, the rest still start.
func (o *Orchestrator) Launch(ctx context.Context) error {
	if !o.pipeline.Installed() {
		o.logger.Info("installation not complete, running pipeline")
		if err := o.pipeline.Install(ctx); err != nil {
			return err
		}
	}
	for _, svc := range o.services {
		if err := svc.Supervisor.Start(ctx, svc.Env); err != nil {
			o.logger.Warn("service failed to start", "service", svc.Name, "error", err)
		}
	}
	for _, svc := range o.services {
		svc.Monitor.Start(ctx)
	}
	return nil
}

// StopAll halts monitors first so shutdown does not get reported as a
// crash storm, then stops the services in reverse start order.
func (o *Orchestrator) StopAll(ctx context.Context) {
	for _, svc := range o.services {
		svc.Monitor.Stop()
	}
	for i := len(o.services) - 1; i >= 0; i-- {
		svc := o.services[i]
		if err := svc.Supervisor.Stop(ctx); err != nil {
			o.logger.Warn("service failed to stop", "service", svc.Name, "error", err)
		}
	}
}

// Statuses reports the latest health determination per service. A service
// whose monitor has not completed a poll yet is reported as starting.
func (o *Orchestrator) Statuses() []health.Status {
	out := make([]health.Status, 0, len(o.services))
	for _, svc := range o.services {
		st, ok := svc.Monitor.Last()
		if !ok {
			st = health.Status{
				Service:     svc.Name,
				Status:      health.StatusStarting,
				TimestampMs: time.Now().UnixMilli(),
			}
		}
		out = append(out, st)
	}
	return out
}
