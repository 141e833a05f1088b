package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the payment-flow counters exposed on /metrics.
type Metrics struct {
	// ChallengesIssued counts 402 challenges by currency.
	ChallengesIssued *prometheus.CounterVec

	// Verifications counts verification attempts by outcome: VERIFIED or a
	// failure code.
	Verifications *prometheus.CounterVec
}

// NewMetrics registers the payment-flow metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChallengesIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quarry_pay",
			Name:      "challenges_issued_total",
			Help:      "Payment challenges issued, by currency.",
		}, []string{"currency"}),
		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quarry_pay",
			Name:      "verifications_total",
			Help:      "Verification attempts, by outcome.",
		}, []string{"outcome"}),
	}
}
