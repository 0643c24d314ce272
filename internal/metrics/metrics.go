package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raux",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"service"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raux",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"service"},
	)
	serviceCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raux",
			Subsystem: "service",
			Name:      "crashes_total",
			Help:      "Number of unexpected service exits.",
		}, []string{"service"},
	)
	healthPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raux",
			Subsystem: "health",
			Name:      "polls_total",
			Help:      "Health poll outcomes by resulting status.",
		}, []string{"service", "status"},
	)
	installStages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raux",
			Subsystem: "install",
			Name:      "stages_total",
			Help:      "Installation stage outcomes.",
		}, []string{"step", "result"},
	)
	installStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "raux",
			Subsystem: "install",
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent per installation stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"},
	)
	tlsRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "raux",
			Subsystem: "http",
			Name:      "tls_retries_total",
			Help:      "Requests retried on the certificate-augmented client after a TLS trust failure.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, serviceStops, serviceCrashes, healthPolls, installStages, installStageDuration, tlsRetries}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages. They no-op until Register is called.

func IncStart(service string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service).Inc()
	}
}

func IncStop(service string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(service).Inc()
	}
}

func IncCrash(service string) {
	if regOK.Load() {
		serviceCrashes.WithLabelValues(service).Inc()
	}
}

func IncHealthPoll(service, status string) {
	if regOK.Load() {
		healthPolls.WithLabelValues(service, status).Inc()
	}
}

func IncInstallStage(step, result string) {
	if regOK.Load() {
		installStages.WithLabelValues(step, result).Inc()
	}
}

func ObserveStageDuration(step string, seconds float64) {
	if regOK.Load() {
		installStageDuration.WithLabelValues(step).Observe(seconds)
	}
}

func IncTLSRetry() {
	if regOK.Load() {
		tlsRetries.Inc()
	}
}
