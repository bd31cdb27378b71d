// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgate_deliveries_total",
			Help: "Events dispatched to connections, by criticality tier.",
		},
		[]string{"criticality"},
	)

	AcksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventgate_acks_total",
			Help: "Client acknowledgments received for critical deliveries.",
		},
	)

	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventgate_delivery_retries_total",
			Help: "Redeliveries after a missed acknowledgment deadline.",
		},
	)

	FallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventgate_fallback_persisted_total",
			Help: "Critical deliveries that exhausted retries and were left to the fallback store.",
		},
	)

	BackpressureTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventgate_backpressure_signals_total",
			Help: "Backpressure instructions sent to clients.",
		},
	)

	PendingDeliveries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventgate_pending_deliveries",
			Help: "Outstanding critical deliveries awaiting acknowledgment.",
		},
	)

	OpenConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventgate_open_connections",
			Help: "Connections currently in the connected state.",
		},
	)

	IngressEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventgate_ingress_events_total",
			Help: "Client-published events by outcome (enqueued, duplicate, rejected, error).",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		DeliveriesTotal,
		AcksTotal,
		RetriesTotal,
		FallbackTotal,
		BackpressureTotal,
		PendingDeliveries,
		OpenConnections,
		IngressEventsTotal,
	)
}
