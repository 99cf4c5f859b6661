// Package metrics provides Prometheus metrics for the prescription ledger.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Action outcomes recorded by ActionsHandled.
const (
	OutcomeOK           = "ok"
	OutcomeRejected     = "rejected"
	OutcomeDenied       = "denied"
	OutcomeUnregistered = "unregistered"
	OutcomeFailed       = "failed"
	OutcomePanic        = "panic"
)

// Metrics holds all application metrics
type Metrics struct {
	ActionsHandled       *prometheus.CounterVec
	ActionDuration       prometheus.Histogram
	PrescriptionsCreated prometheus.Counter
	PrescriptionsUsed    prometheus.Counter
	QuantityEdits        prometheus.Counter
	DuplicatesRejected   prometheus.Counter
	ActionsConsumed      prometheus.Counter
	ActionsDeduplicated  prometheus.Counter
	RepliesPublished     prometheus.Counter
	RepliesFailed        prometheus.Counter
	OutboxPending        prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActionsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_actions_handled_total",
			Help: "Inbound actions handled, by outcome",
		}, []string{"outcome"}),
		ActionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bot_action_duration_seconds",
			Help:    "Time spent handling one inbound action",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Prescriptions committed",
		}),
		PrescriptionsUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_used_total",
			Help: "Prescriptions marked as used",
		}),
		QuantityEdits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_quantity_edits_total",
			Help: "Item quantity edits",
		}),
		DuplicatesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_duplicates_rejected_total",
			Help: "Creation attempts rejected for a duplicate external id",
		}),
		ActionsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_actions_consumed_total",
			Help: "Actions consumed from the stream",
		}),
		ActionsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_actions_deduplicated_total",
			Help: "Redelivered actions skipped by the inbox",
		}),
		RepliesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_replies_published_total",
			Help: "Replies published to the stream",
		}),
		RepliesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_replies_failed_total",
			Help: "Replies that could not be published",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.ActionsHandled,
		m.ActionDuration,
		m.PrescriptionsCreated,
		m.PrescriptionsUsed,
		m.QuantityEdits,
		m.DuplicatesRejected,
		m.ActionsConsumed,
		m.ActionsDeduplicated,
		m.RepliesPublished,
		m.RepliesFailed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// NewUnregistered returns metrics backed by a private registry, for tests and tools.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
