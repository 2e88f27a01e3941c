// Package metrics exposes sandbox activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/michaelbrown/nanobox/internal/sandbox"
)

// Metrics implements sandbox.Observer on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal     *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	RunsActive    prometheus.Gauge
	PolicyDenials *prometheus.CounterVec
	LoadErrors    *prometheus.CounterVec
	WSConnections prometheus.Gauge
	CacheClears   prometheus.Counter
}

var _ sandbox.Observer = (*Metrics)(nil)

// New creates and registers the sandbox collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nanobox_runs_total",
				Help: "Total number of finished runs by workload kind and final state",
			},
			[]string{"kind", "state"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nanobox_run_duration_seconds",
				Help:    "Wall clock duration of runs in seconds",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),
		RunsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nanobox_runs_active",
				Help: "Number of runs currently executing",
			},
		),
		PolicyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nanobox_policy_denials_total",
				Help: "Total number of guest actions denied by the capability policy",
			},
			[]string{"action"},
		),
		LoadErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nanobox_load_errors_total",
				Help: "Total number of workload references that could not be resolved",
			},
			[]string{"reason"},
		),
		WSConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nanobox_ws_connections",
				Help: "Number of open WebSocket streaming connections",
			},
		),
		CacheClears: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nanobox_cache_clears_total",
				Help: "Total number of times the artifact cache was cleared",
			},
		),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunsActive,
		m.PolicyDenials,
		m.LoadErrors,
		m.WSConnections,
		m.CacheClears,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RunStarted marks a run as executing.
func (m *Metrics) RunStarted(kind sandbox.Kind) {
	m.RunsActive.Inc()
}

// RunFinished records the outcome of a run that previously started.
func (m *Metrics) RunFinished(kind sandbox.Kind, state sandbox.State, wall time.Duration) {
	m.RunsActive.Dec()
	m.RunsTotal.WithLabelValues(string(kind), state.String()).Inc()
	m.RunDuration.WithLabelValues(string(kind)).Observe(wall.Seconds())
}

func (m *Metrics) PolicyDenied(a sandbox.Action) {
	m.PolicyDenials.WithLabelValues(string(a.Kind)).Inc()
}

func (m *Metrics) LoadFailed(kind sandbox.LoadErrorKind) {
	m.LoadErrors.WithLabelValues(strings.ReplaceAll(kind.String(), " ", "_")).Inc()
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
