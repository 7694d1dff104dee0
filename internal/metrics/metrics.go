// Package metrics exports limiter activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rate_limit"

// Metrics implements limiter.Recorder.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec
	RejectionsTotal  *prometheus.CounterVec
	AlertsTotal      *prometheus.CounterVec
	StoreErrorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers the limiter metrics, plus the Go and process collectors, on
// a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Admission decisions by outcome",
			},
			[]string{"outcome"},
		),
		DecisionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_duration_seconds",
				Help:      "Time spent deciding a request",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"outcome"},
		),
		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Exhausted buckets by dimension",
			},
			[]string{"dimension"},
		),
		AlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Buckets whose usage reached the alert threshold",
			},
			[]string{"dimension"},
		),
		StoreErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Counter store failures recovered by failing open",
			},
			[]string{"dimension"},
		),
		registry: reg,
	}
}

func (m *Metrics) RecordDecision(outcome string, elapsed time.Duration) {
	m.DecisionsTotal.WithLabelValues(outcome).Inc()
	m.DecisionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordRejection(dimension string) {
	m.RejectionsTotal.WithLabelValues(dimension).Inc()
}

func (m *Metrics) RecordAlert(dimension string) {
	m.AlertsTotal.WithLabelValues(dimension).Inc()
}

func (m *Metrics) RecordStoreError(dimension string) {
	m.StoreErrorsTotal.WithLabelValues(dimension).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
