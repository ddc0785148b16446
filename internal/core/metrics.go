package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the import engine's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	runs            *prometheus.CounterVec
	rows            *prometheus.CounterVec
	resolverLookups *prometheus.CounterVec
	runDuration     prometheus.Histogram
	activeRuns      prometheus.Gauge
	sinkFailures    prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetimport_runs_total",
			Help: "Import runs by terminal status",
		}, []string{"status"}),
		rows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetimport_rows_total",
			Help: "Rows processed by outcome",
		}, []string{"outcome"}),
		resolverLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetimport_resolver_lookups_total",
			Help: "Foreign key resolutions by source (query or cache)",
		}, []string{"source"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sheetimport_run_duration_seconds",
			Help:    "Wall time of import runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sheetimport_active_runs",
			Help: "Import runs currently executing",
		}),
		sinkFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "sheetimport_sink_failures_total",
			Help: "Failed attempts to record a run result",
		}),
	}
}

func (m *Metrics) runFinished(r *ImportRunResult) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(r.Status)).Inc()
	m.runDuration.Observe(r.Duration().Seconds())
}

func (m *Metrics) rowProcessed(success bool) {
	if m == nil {
		return
	}
	if success {
		m.rows.WithLabelValues("success").Inc()
	} else {
		m.rows.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) resolverLookup(cached bool) {
	if m == nil {
		return
	}
	if cached {
		m.resolverLookups.WithLabelValues("cache").Inc()
	} else {
		m.resolverLookups.WithLabelValues("query").Inc()
	}
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) runEnded() {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
}

func (m *Metrics) sinkFailed() {
	if m == nil {
		return
	}
	m.sinkFailures.Inc()
}
