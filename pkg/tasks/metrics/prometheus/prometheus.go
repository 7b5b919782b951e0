// Package prommetrics implements tasks.Metrics with Prometheus collectors.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements tasks.Metrics using Prometheus.
type Metrics struct {
	enqueuedTotal  *prometheus.CounterVec
	processedTotal *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	panicsTotal    *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		enqueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "enqueued_total",
			Help:      "Total number of tasks enqueued.",
		}, []string{"task"}),

		processedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "processed_total",
			Help:      "Total number of task executions by outcome.",
		}, []string{"task", "status"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Duration of task executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),

		panicsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "panics_total",
			Help:      "Total number of recovered task handler panics.",
		}, []string{"task"}),
	}
}

// DefaultMetrics creates metrics registered with the default registry.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

func (m *Metrics) RecordTaskEnqueued(name string) {
	m.enqueuedTotal.WithLabelValues(name).Inc()
}

func (m *Metrics) RecordTaskProcessed(name, status string, duration time.Duration) {
	m.processedTotal.WithLabelValues(name, status).Inc()
	m.duration.WithLabelValues(name).Observe(duration.Seconds())
}

func (m *Metrics) RecordTaskPanic(name string) {
	m.panicsTotal.WithLabelValues(name).Inc()
}
