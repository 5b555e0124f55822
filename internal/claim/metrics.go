package claim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	attemptsStarted prometheus.Counter
	refused         *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	failures        *prometheus.CounterVec
	pollRetries     prometheus.Counter
	inflight        prometheus.Gauge
	duration        *prometheus.HistogramVec
}

// NewMetrics registers the orchestrator metrics on reg. A nil reg yields working, unregistered metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		attemptsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "veilvest_claim_attempts_started_total",
			Help: "Claim attempts accepted by the orchestrator",
		}),
		refused: f.NewCounterVec(prometheus.CounterOpts{
			Name: "veilvest_claim_requests_refused_total",
			Help: "Claim requests refused before an attempt started",
		}, []string{"reason"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "veilvest_claim_transitions_total",
			Help: "Claim attempt transitions by target state",
		}, []string{"state"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "veilvest_claim_failures_total",
			Help: "Failed claim attempts by reason",
		}, []string{"reason"}),
		pollRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "veilvest_claim_confirmation_poll_retries_total",
			Help: "Confirmation polls retried after the ledger was unreachable",
		}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "veilvest_claim_attempts_inflight",
			Help: "Claim attempts in a non-terminal state",
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veilvest_claim_attempt_duration_seconds",
			Help:    "Time from claim request to terminal state",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
	}
}
