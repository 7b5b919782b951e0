package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrFamilyNotFound is returned when a family does not exist
	ErrFamilyNotFound = errors.New("family not found")

	// ErrSubscriptionNotFound is returned when a subscription does not exist
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrSubscriptionExists is returned when a family already has a subscription
	ErrSubscriptionExists = errors.New("family already has a subscription")

	// ErrFamilyRequired is returned when a record is missing its family id
	ErrFamilyRequired = errors.New("family id is required")

	// ErrInvalidStatus is returned for unknown subscription statuses
	ErrInvalidStatus = errors.New("invalid subscription status")

	// ErrTrialEndRequired is returned when a trialing subscription has no trial end
	ErrTrialEndRequired = errors.New("trial end is required while trialing")

	// ErrExternalIDRequired is returned when an active subscription has no provider id
	ErrExternalIDRequired = errors.New("external subscription id is required while active")

	// ErrInvalidEvent is returned for nil events
	ErrInvalidEvent = errors.New("invalid event")

	// ErrInvalidEventType is returned when an event type is outside the taxonomy
	ErrInvalidEventType = errors.New("invalid event type")

	// ErrOccurredAtRequired is returned when an event has no occurrence time
	ErrOccurredAtRequired = errors.New("event occurred_at is required")

	// ErrStatusChanged is returned when a guarded transition finds the subscription
	// in a different status than the caller expected
	ErrStatusChanged = errors.New("subscription status changed")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// TransitionPersistenceError is returned when the status write of a transition fails.
// The transition did not happen and no event was recorded.
type TransitionPersistenceError struct {
	SubscriptionID string
	Status         Status
	Err            error
}

func (e *TransitionPersistenceError) Error() string {
	return fmt.Sprintf("failed to persist transition of subscription %s to %s: %v",
		e.SubscriptionID, e.Status, e.Err)
}

func (e *TransitionPersistenceError) Unwrap() error {
	return e.Err
}

// EventAppendError describes an audit event that could not be written after its
// state change was persisted. It is logged and counted, never returned from a transition.
type EventAppendError struct {
	SubscriptionID string
	Type           EventType
	Err            error
}

func (e *EventAppendError) Error() string {
	return fmt.Sprintf("failed to append %s event for subscription %s: %v", e.Type, e.SubscriptionID, e.Err)
}

func (e *EventAppendError) Unwrap() error {
	return e.Err
}
