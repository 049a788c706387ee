// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the engine emits. Register once per
// process via New.
type Metrics struct {
	AssessmentsTotal    *prometheus.CounterVec
	AssessmentDuration  *prometheus.HistogramVec
	RateLimitRejections *prometheus.CounterVec
	WSConnections       prometheus.Gauge
	WSViolationsTotal   *prometheus.CounterVec
	BatchRunsTotal      *prometheus.CounterVec
	BatchDuration       *prometheus.HistogramVec
	PolicyTransitions   *prometheus.CounterVec
}

// New registers all collectors with the given registerer; pass
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AssessmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_assessments_total",
				Help: "Risk assessments by resulting action",
			},
			[]string{"action", "risk_level"},
		),
		AssessmentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_assessment_duration_seconds",
				Help:    "Risk assessment latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		RateLimitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_ratelimit_rejections_total",
				Help: "Requests rejected by the sliding-window limiter",
			},
			[]string{"tier", "scope"},
		),
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "aegis_ws_connections",
				Help: "Currently guarded WebSocket connections",
			},
		),
		WSViolationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_ws_violations_total",
				Help: "WebSocket guard violations by kind",
			},
			[]string{"kind"},
		),
		BatchRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_batch_runs_total",
				Help: "Batch job runs by job and outcome",
			},
			[]string{"job", "outcome"},
		),
		BatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_batch_duration_seconds",
				Help:    "Batch job run duration",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"job"},
		),
		PolicyTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_policy_transitions_total",
				Help: "Response policy transitions by target type",
			},
			[]string{"to"},
		),
	}
}
