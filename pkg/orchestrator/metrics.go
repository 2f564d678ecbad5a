package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ironcurtain",
		Name:      "requests_total",
		Help:      "Tool calls handled by the orchestrator, by final decision.",
	}, []string{"decision"})

	metricDecisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ironcurtain",
		Name:      "decision_duration_seconds",
		Help:      "Wall-clock time from request receipt to response, including any escalation wait.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	metricEscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ironcurtain",
		Name:      "escalations_total",
		Help:      "Escalations resolved, by outcome.",
	}, []string{"outcome"})
)

func recordRequest(decision string, seconds float64) {
	metricRequestsTotal.WithLabelValues(decision).Inc()
	metricDecisionDuration.Observe(seconds)
}

func recordEscalation(outcome string) {
	metricEscalationsTotal.WithLabelValues(outcome).Inc()
}
