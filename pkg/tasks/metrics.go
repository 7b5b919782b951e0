package tasks

import "time"

// Metrics records task throughput.
type Metrics interface {
	// RecordTaskEnqueued counts a task pushed onto the queue
	RecordTaskEnqueued(name string)

	// RecordTaskProcessed records one execution; status is "success", "retry" or "dead"
	RecordTaskProcessed(name, status string, duration time.Duration)

	// RecordTaskPanic counts a recovered handler panic
	RecordTaskPanic(name string)
}

// NoopMetrics is a no-op implementation of Metrics.
type NoopMetrics struct{}

func (m *NoopMetrics) RecordTaskEnqueued(_ string)                      {}
func (m *NoopMetrics) RecordTaskProcessed(_, _ string, _ time.Duration) {}
func (m *NoopMetrics) RecordTaskPanic(_ string)                         {}
