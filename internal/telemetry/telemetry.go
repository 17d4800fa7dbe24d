// Package telemetry exposes search engine counters as Prometheus metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/poiscout/internal/agent/core"
)

// Metrics implements core.Metrics on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	rounds       *prometheus.CounterVec
	stepRuns     *prometheus.CounterVec
	evaluations  *prometheus.CounterVec
	finalRecords prometheus.Gauge
	stepDuration prometheus.Histogram
}

var _ core.Metrics = (*Metrics)(nil)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poiscout_rounds_total",
			Help: "Optimization rounds by outcome.",
		}, []string{"outcome"}),
		stepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poiscout_step_runs_total",
			Help: "Step executions by outcome.",
		}, []string{"outcome"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poiscout_evaluations_total",
			Help: "Relevance verdicts by match status.",
		}, []string{"status"}),
		finalRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "poiscout_final_records",
			Help: "Accepted records after the latest round.",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "poiscout_step_duration_seconds",
			Help:    "Wall time of one step execution including retries.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	m.registry.MustRegister(m.rounds, m.stepRuns, m.evaluations, m.finalRecords, m.stepDuration)
	return m
}

func (m *Metrics) StepRun(status core.OutcomeStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.stepRuns.WithLabelValues(string(status)).Inc()
	m.stepDuration.Observe(d.Seconds())
}

func (m *Metrics) Evaluation(status core.MatchStatus, outcome core.OutcomeStatus) {
	if m == nil {
		return
	}
	label := string(status)
	if outcome != core.StatusOK {
		label += "_" + string(outcome)
	}
	m.evaluations.WithLabelValues(label).Inc()
}

func (m *Metrics) Round(status core.OutcomeStatus, records int) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues(string(status)).Inc()
	m.finalRecords.Set(float64(records))
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
