// Package metrics exposes governance pipeline counters and latency
// histograms via the Prometheus client library, replacing the hand-rolled
// counter/histogram types a stdlib-only implementation would need.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles the metrics the governance pipeline updates.
type Registry struct {
	Decisions      *prometheus.CounterVec
	IdempotentSkip prometheus.Counter
	RateLimited    prometheus.Counter
	BreakerState   *prometheus.GaugeVec
	ProcessingTime *prometheus.HistogramVec
	EgressRetries  prometheus.Counter
	PollCycles     prometheus.Counter
	PollErrors     prometheus.Counter
}

// New registers and returns a Registry against reg.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vyapaar_governance_decisions_total",
			Help: "Governance decisions by decision and reason code.",
		}, []string{"decision", "reason_code"}),

		IdempotentSkip: factory.NewCounter(prometheus.CounterOpts{
			Name: "vyapaar_idempotent_skips_total",
			Help: "Events dropped as duplicates before evaluation.",
		}),

		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "vyapaar_rate_limited_total",
			Help: "Evaluations rejected by the rate limiter.",
		}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vyapaar_circuit_breaker_state",
			Help: "Circuit breaker state: 0=CLOSED, 1=HALF_OPEN, 2=OPEN.",
		}, []string{"name"}),

		ProcessingTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vyapaar_governance_processing_ms",
			Help:    "Governance evaluation latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"decision"}),

		EgressRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "vyapaar_egress_retries_total",
			Help: "Egress calls retried after a transient failure.",
		}),

		PollCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "vyapaar_poll_cycles_total",
			Help: "Completed polling cycles against the payment provider.",
		}),

		PollErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "vyapaar_poll_errors_total",
			Help: "Polling cycles that failed and triggered backoff.",
		}),
	}
}

// RecordDecision updates the decision counter and latency histogram for one
// governance evaluation.
func (r *Registry) RecordDecision(decision, reasonCode string, processingMS int64) {
	r.Decisions.WithLabelValues(decision, reasonCode).Inc()
	r.ProcessingTime.WithLabelValues(decision).Observe(float64(processingMS))
}

// breakerStateValue maps a breaker state name to the gauge's numeric scale.
func breakerStateValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}

// RecordBreakerState updates the gauge for a named breaker.
func (r *Registry) RecordBreakerState(name, state string) {
	r.BreakerState.WithLabelValues(name).Set(breakerStateValue(state))
}
