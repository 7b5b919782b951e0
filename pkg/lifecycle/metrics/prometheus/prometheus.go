// Package prommetrics implements lifecycle.Metrics with Prometheus collectors.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// Metrics implements lifecycle.Metrics using Prometheus.
type Metrics struct {
	transitionsTotal           *prometheus.CounterVec
	transitionDuration         *prometheus.HistogramVec
	eventsAppendedTotal        *prometheus.CounterVec
	eventAppendFailuresTotal   *prometheus.CounterVec
	sweepsTotal                *prometheus.CounterVec
	sweepProcessed             *prometheus.HistogramVec
	sweepDuration              *prometheus.HistogramVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "transitions_total",
			Help:      "Total number of persisted subscription status transitions.",
		}, []string{"from", "to"}),

		transitionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "transition_duration_seconds",
			Help:      "Latency of subscription transitions including lock wait.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"to"}),

		eventsAppendedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "events_appended_total",
			Help:      "Total number of audit events written to the event log.",
		}, []string{"event_type"}),

		eventAppendFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "event_append_failures_total",
			Help:      "Total number of audit events that could not be written.",
		}, []string{"event_type"}),

		sweepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trial_scanner",
			Name:      "sweeps_total",
			Help:      "Total number of trial scanner sweeps.",
		}, []string{"sweep"}),

		sweepProcessed: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trial_scanner",
			Name:      "sweep_processed",
			Help:      "Number of subscriptions processed per sweep.",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}, []string{"sweep"}),

		sweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trial_scanner",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of trial scanner sweeps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of failed storage operations.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordTransition(from, to lifecycle.Status, duration time.Duration) {
	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "none"
	}
	m.transitionsTotal.WithLabelValues(fromLabel, string(to)).Inc()
	m.transitionDuration.WithLabelValues(string(to)).Observe(duration.Seconds())
}

func (m *Metrics) RecordEventAppended(eventType lifecycle.EventType) {
	m.eventsAppendedTotal.WithLabelValues(string(eventType)).Inc()
}

func (m *Metrics) RecordEventAppendFailure(eventType lifecycle.EventType) {
	m.eventAppendFailuresTotal.WithLabelValues(string(eventType)).Inc()
}

func (m *Metrics) RecordSweep(sweep string, processed int, duration time.Duration) {
	m.sweepsTotal.WithLabelValues(sweep).Inc()
	m.sweepProcessed.WithLabelValues(sweep).Observe(float64(processed))
	m.sweepDuration.WithLabelValues(sweep).Observe(duration.Seconds())
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
