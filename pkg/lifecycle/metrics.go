package lifecycle

import "time"

// Metrics defines the interface for tracking subscription lifecycle operations.
type Metrics interface {
	// RecordTransition records a persisted status change.
	RecordTransition(from, to Status, duration time.Duration)

	// RecordEventAppended records a successfully written audit event.
	RecordEventAppended(eventType EventType)

	// RecordEventAppendFailure records an audit event that could not be written.
	RecordEventAppendFailure(eventType EventType)

	// RecordSweep records one trial scanner sweep and how many subscriptions it touched.
	RecordSweep(sweep string, processed int, duration time.Duration)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordTransition(from, to Status, duration time.Duration)                  {}
func (n *NoopMetrics) RecordEventAppended(eventType EventType)                                    {}
func (n *NoopMetrics) RecordEventAppendFailure(eventType EventType)                               {}
func (n *NoopMetrics) RecordSweep(sweep string, processed int, duration time.Duration)            {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
