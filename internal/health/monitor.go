// Package health polls a service's health endpoint on an adaptive schedule,
// derives a status, and publishes changes to registered observers.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aigdat/raux-launcher/internal/events"
	"github.com/aigdat/raux-launcher/internal/metrics"
)

// ServiceStatus is the derived state of one supervised service.
type ServiceStatus string

const (
	StatusStarting    ServiceStatus = "starting"
	StatusRunning     ServiceStatus = "running"
	StatusStopped     ServiceStatus = "stopped"
	StatusCrashed     ServiceStatus = "crashed"
	StatusUnavailable ServiceStatus = "unavailable"
)

// Status is the published health determination. Healthy=true implies
// Status=running; no other combination is produced.
type Status struct {
	Service     string        `json:"service"`
	Status      ServiceStatus `json:"status"`
	Healthy     bool          `json:"isHealthy"`
	TimestampMs int64         `json:"timestampMs"`
	Error       string        `json:"error,omitempty"`
	Version     string        `json:"version,omitempty"`
	Port        string        `json:"port,omitempty"`
}

// materiallyEqual ignores the timestamp: identical repeated polls must not
// produce an event storm.
func (s Status) materiallyEqual(o Status) bool {
	return s.Status == o.Status && s.Healthy == o.Healthy && s.Error == o.Error && s.Version == o.Version
}

// Options configures a Monitor.
type Options struct {
	Service string
	URL     string // health endpoint, expects 2xx when healthy
	Port    string
	Client  *http.Client

	// BinaryReachable distinguishes "service is down" from "service is not
	// installed at all". Nil means always reachable.
	BinaryReachable func(ctx context.Context) bool
	// ProcessState supplies managed-process context ("starting", "crashed",
	// ...) used when the endpoint is down. Nil means no context.
	ProcessState func() string
	// Version discovers the service version, best-effort. It must never
	// block past its context; failures are ignored.
	Version func(ctx context.Context) (string, bool)

	StartingInterval time.Duration // poll cadence until the service stabilizes
	SteadyInterval   time.Duration
	Logger           *slog.Logger
	Fanout           *events.Fanout[Status]
}

// Monitor runs one adaptive polling loop with a single outstanding timer.
type Monitor struct {
	opts Options

	mu      sync.Mutex
	last    Status
	hasLast bool
	version string
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(opts Options) *Monitor {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.StartingInterval <= 0 {
		opts.StartingInterval = 2 * time.Second
	}
	if opts.SteadyInterval <= 0 {
		opts.SteadyInterval = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Fanout == nil {
		opts.Fanout = events.NewFanout[Status]()
	}
	return &Monitor{opts: opts}
}

// Start launches the polling loop. A second Start while running is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	cctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.loop(cctx, done)
}

// Stop halts polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Last returns the most recent determination.
func (m *Monitor) Last() (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.hasLast
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	// One timer, reset after every poll; there is never a second
	// outstanding schedule.
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		st := m.Poll(ctx)
		timer.Reset(m.nextInterval(st.Status))
	}
}

func (m *Monitor) nextInterval(s ServiceStatus) time.Duration {
	// Short cadence bounds startup-detection latency; once stabilized the
	// steady interval stops wasting cycles.
	if s == StatusStarting {
		return m.opts.StartingInterval
	}
	return m.opts.SteadyInterval
}

// Poll performs one health determination and publishes it when it differs
// materially from the previous one.
func (m *Monitor) Poll(ctx context.Context) Status {
	st := m.classify(ctx)
	metrics.IncHealthPoll(m.opts.Service, string(st.Status))

	m.mu.Lock()
	changed := !m.hasLast || !m.last.materiallyEqual(st)
	m.last = st
	m.hasLast = true
	m.mu.Unlock()

	if changed {
		m.opts.Logger.Info("service status changed",
			"service", m.opts.Service, "status", st.Status, "healthy", st.Healthy, "error", st.Error)
		m.opts.Fanout.Broadcast(st)
	}
	return st
}

// classify applies the precedence: healthy endpoint, unreachable binary,
// managed-process context, then plain down.
func (m *Monitor) classify(ctx context.Context) Status {
	st := Status{
		Service:     m.opts.Service,
		Port:        m.opts.Port,
		TimestampMs: time.Now().UnixMilli(),
	}

	healthErr := m.checkEndpoint(ctx)
	if healthErr == nil {
		st.Status = StatusRunning
		st.Healthy = true
		st.Version = m.discoverVersion(ctx)
		return st
	}

	if m.opts.BinaryReachable != nil && !m.opts.BinaryReachable(ctx) {
		st.Status = StatusUnavailable
		st.Error = healthErr.Error()
		return st
	}

	st.Error = healthErr.Error()
	if m.opts.ProcessState != nil {
		switch m.opts.ProcessState() {
		case "starting":
			st.Status = StatusStarting
			return st
		case "crashed":
			st.Status = StatusCrashed
			return st
		}
	}
	st.Status = StatusStopped
	return st
}

func (m *Monitor) checkEndpoint(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.opts.URL, nil)
	if err != nil {
		return err
	}
	resp, err := m.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint returned %s", resp.Status)
	}
	return nil
}

// discoverVersion is best-effort and cached after the first success; it
// never fails the status determination.
func (m *Monitor) discoverVersion(ctx context.Context) string {
	m.mu.Lock()
	cached := m.version
	m.mu.Unlock()
	if cached != "" || m.opts.Version == nil {
		return cached
	}
	vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	v, ok := m.opts.Version(vctx)
	if !ok {
		return ""
	}
	m.mu.Lock()
	m.version = v
	m.mu.Unlock()
	return v
}
