package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowd_operations_total",
		Help: "RPC operations processed, labelled by method and outcome.",
	}, []string{"method", "outcome"})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowd_events_total",
		Help: "Registry events emitted, labelled by event type.",
	}, []string{"type"})

	settledValueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowd_settled_value_total",
		Help: "Total deposit value settled out of custody, labelled by outcome.",
	}, []string{"outcome"})
)

// OperationObserved records one processed RPC operation.
func OperationObserved(method, outcome string) {
	operationsTotal.WithLabelValues(method, outcome).Inc()
}

// EventEmitted records one emitted registry event.
func EventEmitted(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// ValueSettled adds the gross amount of one settlement to the outcome's
// running total.
func ValueSettled(outcome string, amount float64) {
	settledValueTotal.WithLabelValues(outcome).Add(amount)
}
