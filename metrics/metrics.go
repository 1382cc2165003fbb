// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vendorflow",
		Name:      "transitions_total",
		Help:      "Committed lifecycle transitions by entity and transition.",
	}, []string{"entity", "transition"})

	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vendorflow",
		Name:      "rejections_total",
		Help:      "Operations rejected with a classified error, by kind and code.",
	}, []string{"kind", "code"})

	WebhookReplays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vendorflow",
		Name:      "payment_webhook_replays_total",
		Help:      "Gateway payment callbacks absorbed as idempotent replays.",
	})

	SweepAffected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vendorflow",
		Name:      "sweep_affected_total",
		Help:      "Rows moved by background sweeps.",
	}, []string{"sweep"})

	RelayDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vendorflow",
		Name:      "outbox_deliveries_total",
		Help:      "Outbox relay outcomes: delivered, retry, dead.",
	}, []string{"result"})
)

// Transition records one committed state change.
func Transition(entity, transition string) {
	Transitions.WithLabelValues(entity, transition).Inc()
}
