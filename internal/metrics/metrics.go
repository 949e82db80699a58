// Package metrics exposes Prometheus instrumentation for plugin loading and entry-point calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the plugin host collectors. A nil *Metrics records nothing.
type Metrics struct {
	LoadsTotal    *prometheus.CounterVec
	CallsTotal    *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	CallErrors    *prometheus.CounterVec
	PluginsLoaded prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procmacro_plugin_loads_total",
				Help: "Plugin load attempts by outcome (ok, load_error, missing_symbol).",
			},
			[]string{"package", "outcome"},
		),
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procmacro_entrypoint_calls_total",
				Help: "Calls into plugin entry points.",
			},
			[]string{"package", "symbol"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "procmacro_entrypoint_call_duration_seconds",
				Help:    "Duration of calls into plugin entry points.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"package", "symbol"},
		),
		CallErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procmacro_entrypoint_call_errors_total",
				Help: "Entry-point calls that trapped or returned malformed values.",
			},
			[]string{"package", "symbol"},
		),
		PluginsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "procmacro_plugins_loaded",
				Help: "Packages with a usable plugin.",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.LoadsTotal, m.CallsTotal, m.CallDuration, m.CallErrors, m.PluginsLoaded)
	}

	return m
}

// ObserveLoad records the outcome of loading the plugin of pkg.
func (m *Metrics) ObserveLoad(pkg, outcome string) {
	if m == nil {
		return
	}
	m.LoadsTotal.WithLabelValues(pkg, outcome).Inc()
}

// ObserveCall records one entry-point call that started at start.
func (m *Metrics) ObserveCall(pkg, symbol string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(pkg, symbol).Inc()
	m.CallDuration.WithLabelValues(pkg, symbol).Observe(time.Since(start).Seconds())
	if err != nil {
		m.CallErrors.WithLabelValues(pkg, symbol).Inc()
	}
}

// SetLoaded sets the number of usable plugins.
func (m *Metrics) SetLoaded(n int) {
	if m == nil {
		return
	}
	m.PluginsLoaded.Set(float64(n))
}

// Handler returns an HTTP handler serving the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
