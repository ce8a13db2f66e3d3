// Package metrics provides Prometheus metrics for the Bifrost extension.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Results used for the lifecycle counter.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultFatal = "fatal"
)

// Metrics holds all Prometheus metrics for the extension. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Lifecycle metrics
	LifecycleTotal    *prometheus.CounterVec
	SessionRunning    prometheus.Gauge
	SessionGeneration prometheus.Gauge
	FatalErrors       prometheus.Counter
	ReloadDuration    prometheus.Histogram

	// Command channel metrics
	LogLines prometheus.Counter

	// Process metrics
	Uptime        prometheus.Gauge
	GoRoutines    prometheus.Gauge
	ResidentBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.LifecycleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_extension_lifecycle_total",
			Help: "Lifecycle operations by operation and result",
		},
		[]string{"op", "result"},
	)

	m.SessionRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bifrost_extension_session_running",
			Help: "Whether a tunnel session is running (1 = running, 0 = none)",
		},
	)

	m.SessionGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bifrost_extension_session_generation",
			Help: "Id of the most recently started session",
		},
	)

	m.FatalErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bifrost_extension_fatal_errors_total",
			Help: "Total number of fatal errors",
		},
	)

	m.ReloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bifrost_extension_reload_duration_seconds",
			Help:    "Duration of reloads",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
	)

	m.LogLines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bifrost_extension_log_lines_total",
			Help: "Total number of lines written to the command channel log",
		},
	)

	m.Uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bifrost_extension_uptime_seconds",
			Help: "Extension uptime in seconds",
		},
	)

	m.GoRoutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bifrost_extension_goroutines",
			Help: "Number of goroutines",
		},
	)

	m.ResidentBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bifrost_extension_resident_memory_bytes",
			Help: "Resident memory of the extension process",
		},
	)

	m.registry.MustRegister(
		m.LifecycleTotal,
		m.SessionRunning,
		m.SessionGeneration,
		m.FatalErrors,
		m.ReloadDuration,
		m.LogLines,
		m.Uptime,
		m.GoRoutines,
		m.ResidentBytes,
	)

	// Register default Go metrics
	m.registry.MustRegister(prometheus.NewGoCollector())

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordLifecycle counts one lifecycle operation.
func (m *Metrics) RecordLifecycle(op, result string) {
	if m == nil {
		return
	}
	m.LifecycleTotal.WithLabelValues(op, result).Inc()
}

// SetSession records the running state and id of the current session.
func (m *Metrics) SetSession(running bool, id uint64) {
	if m == nil {
		return
	}
	if running {
		m.SessionRunning.Set(1)
		m.SessionGeneration.Set(float64(id))
		return
	}
	m.SessionRunning.Set(0)
}

// RecordFatal counts a fatal error.
func (m *Metrics) RecordFatal() {
	if m == nil {
		return
	}
	m.FatalErrors.Inc()
}

// ObserveReload records the duration of a reload.
func (m *Metrics) ObserveReload(d time.Duration) {
	if m == nil {
		return
	}
	m.ReloadDuration.Observe(d.Seconds())
}

// RecordLogLine counts a command channel log line.
func (m *Metrics) RecordLogLine() {
	if m == nil {
		return
	}
	m.LogLines.Inc()
}
