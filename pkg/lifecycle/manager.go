package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultLockTTL = 30 * time.Second

// Manager owns subscription state. Every status change goes through
// ApplyTransition so that each change records exactly one audit event.
type Manager struct {
	storage Storage
	config  Config
	locker  Locker
	metrics Metrics
	logger  Logger
	now     func() time.Time
	newID   func() string
}

// NewManager creates a new lifecycle manager with the given storage and configuration
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	if config.Locker == nil {
		config.Locker = NewMemoryLocker()
	}
	if config.LockTTL == 0 {
		config.LockTTL = defaultLockTTL
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.NewID == nil {
		config.NewID = func() string { return uuid.NewString() }
	}

	return &Manager{
		storage: storage,
		config:  config,
		locker:  config.Locker,
		metrics: config.Metrics,
		logger:  config.Logger,
		now:     config.Now,
		newID:   config.NewID,
	}, nil
}

// Storage returns the storage backing the manager.
func (m *Manager) Storage() Storage {
	return m.storage
}

// Logger returns the manager's logger.
func (m *Manager) Logger() Logger {
	return m.logger
}

// Now returns the manager's notion of the current time in UTC.
func (m *Manager) Now() time.Time {
	return m.now().UTC()
}

// TransitionFields carries the attributes written alongside a status change.
// Nil fields leave the stored value untouched.
type TransitionFields struct {
	Interval            *Interval
	Amount              *decimal.Decimal
	Currency            *string
	TrialEndsAt         *time.Time
	CurrentPeriodEndsAt *time.Time
	ExternalID          *string
	Provider            *string
}

// TransitionOption customizes a single transition.
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	eventData     map[string]interface{}
	requireStatus Status
}

// WithEventData merges extra keys into the payload of the transition event.
func WithEventData(data map[string]interface{}) TransitionOption {
	return func(o *transitionOptions) {
		if o.eventData == nil {
			o.eventData = make(map[string]interface{}, len(data))
		}
		for k, v := range data {
			o.eventData[k] = v
		}
	}
}

// RequireStatus makes the transition fail with ErrStatusChanged unless the
// subscription is still in status when the lock is taken.
func RequireStatus(status Status) TransitionOption {
	return func(o *transitionOptions) {
		o.requireStatus = status
	}
}

// CreateSubscription stores the first subscription of a family and records
// trial_started or subscription_created depending on its status.
func (m *Manager) CreateSubscription(ctx context.Context, sub *Subscription) (*Subscription, error) {
	if sub == nil {
		return nil, fmt.Errorf("subscription is required")
	}

	sub = sub.Clone()
	if sub.ID == "" {
		sub.ID = m.newID()
	}
	if sub.Status != StatusTrialing {
		sub.TrialEndsAt = nil
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	now := m.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	start := time.Now()
	err := m.storage.CreateSubscription(ctx, sub)
	m.metrics.RecordStorageOperation("create_subscription", time.Since(start), err)
	if err != nil {
		if errors.Is(err, ErrSubscriptionExists) {
			return nil, err
		}
		return nil, &TransitionPersistenceError{SubscriptionID: sub.ID, Status: sub.Status, Err: err}
	}
	m.metrics.RecordTransition("", sub.Status, time.Since(start))

	if eventType, ok := ClassifyCreation(sub.Status); ok {
		m.appendTransitionEvent(ctx, sub, eventType, map[string]interface{}{
			"status":   string(sub.Status),
			"interval": string(sub.Interval),
			"amount":   sub.Amount.String(),
			"currency": sub.Currency,
		})
	}

	return sub, nil
}

// StartTrial creates a trialing subscription ending TrialDays from now.
func (m *Manager) StartTrial(ctx context.Context, familyID string) (*Subscription, error) {
	trialEnd := NewTrialEndsAt(m.Now())
	return m.CreateSubscription(ctx, &Subscription{
		FamilyID:    familyID,
		Status:      StatusTrialing,
		TrialEndsAt: &trialEnd,
	})
}

// ApplyTransition moves a subscription to newStatus and writes fields, then
// records the event derived from the (previous, new) status pair.
//
// The status write and the capture of the previous status are atomic and
// serialized per subscription. If no event applies (status unchanged) none is
// recorded. A failed event append is logged and does not undo the write.
func (m *Manager) ApplyTransition(ctx context.Context, subscriptionID string, newStatus Status,
	fields TransitionFields, opts ...TransitionOption) (*Subscription, error) {
	if !newStatus.Valid() {
		return nil, ErrInvalidStatus
	}

	var options transitionOptions
	for _, opt := range opts {
		opt(&options)
	}

	start := time.Now()
	release, err := m.locker.Acquire(ctx, SubscriptionLockKey(subscriptionID), m.config.LockTTL)
	if err != nil {
		return nil, &TransitionPersistenceError{SubscriptionID: subscriptionID, Status: newStatus, Err: err}
	}
	defer release()

	current, err := m.storage.GetSubscription(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, err
		}
		return nil, &TransitionPersistenceError{SubscriptionID: subscriptionID, Status: newStatus, Err: err}
	}
	if options.requireStatus != "" && current.Status != options.requireStatus {
		return nil, ErrStatusChanged
	}

	next := current.Clone()
	next.Status = newStatus
	fields.apply(next)
	if next.Status != StatusTrialing {
		// trial end only lives while trialing
		next.TrialEndsAt = nil
	}
	next.UpdatedAt = m.Now()

	if err := next.Validate(); err != nil {
		return nil, err
	}

	opStart := time.Now()
	previous, err := m.storage.UpdateSubscription(ctx, next)
	m.metrics.RecordStorageOperation("update_subscription", time.Since(opStart), err)
	if err != nil {
		m.logger.Error("Failed to persist subscription transition",
			F("subscription_id", subscriptionID),
			F("family_id", current.FamilyID),
			F("status", string(newStatus)),
			F("error", err),
		)
		return nil, &TransitionPersistenceError{SubscriptionID: subscriptionID, Status: newStatus, Err: err}
	}
	if previous == nil {
		previous = current
	}

	eventType, ok := ClassifyTransition(previous.Status, next.Status)
	if !ok {
		return next, nil
	}
	m.metrics.RecordTransition(previous.Status, next.Status, time.Since(start))

	data := map[string]interface{}{
		"previous_status": string(previous.Status),
		"current_status":  string(next.Status),
		"interval":        string(next.Interval),
		"amount":          next.Amount.String(),
		"currency":        next.Currency,
	}
	for k, v := range options.eventData {
		data[k] = v
	}
	m.appendTransitionEvent(ctx, next, eventType, data)

	return next, nil
}

func (f TransitionFields) apply(sub *Subscription) {
	if f.Interval != nil {
		sub.Interval = *f.Interval
	}
	if f.Amount != nil {
		sub.Amount = *f.Amount
	}
	if f.Currency != nil {
		sub.Currency = *f.Currency
	}
	if f.TrialEndsAt != nil {
		t := *f.TrialEndsAt
		sub.TrialEndsAt = &t
	}
	if f.CurrentPeriodEndsAt != nil {
		t := *f.CurrentPeriodEndsAt
		sub.CurrentPeriodEndsAt = &t
	}
	if f.ExternalID != nil {
		sub.ExternalID = *f.ExternalID
	}
	if f.Provider != nil {
		sub.Provider = *f.Provider
	}
}

// appendTransitionEvent writes the event for a persisted state change.
// Failures are reported but never returned: the status write already happened.
func (m *Manager) appendTransitionEvent(ctx context.Context, sub *Subscription, eventType EventType,
	data map[string]interface{}) {
	event := &Event{
		FamilyID:       sub.FamilyID,
		SubscriptionID: sub.ID,
		Type:           eventType,
		Data:           data,
	}
	if err := m.RecordEvent(ctx, event); err != nil {
		appendErr := &EventAppendError{SubscriptionID: sub.ID, Type: eventType, Err: err}
		m.logger.Error("Failed to record subscription event",
			F("subscription_id", sub.ID),
			F("family_id", sub.FamilyID),
			F("event_type", string(eventType)),
			F("error", appendErr),
		)
	}
}

// RecordEvent appends an event to the log, filling in its id and occurrence time.
func (m *Manager) RecordEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return ErrInvalidEvent
	}
	if event.ID == "" {
		event.ID = m.newID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = m.Now()
	}
	if event.Data == nil {
		event.Data = map[string]interface{}{}
	}
	if err := ValidateEvent(event); err != nil {
		m.metrics.RecordEventAppendFailure(event.Type)
		return err
	}

	start := time.Now()
	err := m.storage.AppendEvent(ctx, event)
	m.metrics.RecordStorageOperation("append_event", time.Since(start), err)
	if err != nil {
		m.metrics.RecordEventAppendFailure(event.Type)
		return fmt.Errorf("failed to append event: %w", err)
	}

	m.metrics.RecordEventAppended(event.Type)
	return nil
}

// GetFamily returns a family by id.
func (m *Manager) GetFamily(ctx context.Context, familyID string) (*Family, error) {
	return m.storage.GetFamily(ctx, familyID)
}

// GetFamilyByCustomerID returns the family linked to a provider customer id.
func (m *Manager) GetFamilyByCustomerID(ctx context.Context, customerID string) (*Family, error) {
	return m.storage.GetFamilyByCustomerID(ctx, customerID)
}

// LinkCustomer records the provider customer id of a family after checkout.
func (m *Manager) LinkCustomer(ctx context.Context, familyID, customerID string) (*Family, error) {
	family, err := m.storage.GetFamily(ctx, familyID)
	if err != nil {
		return nil, err
	}
	if family.ExternalCustomerID == customerID {
		return family, nil
	}

	family.ExternalCustomerID = customerID
	if err := m.storage.SaveFamily(ctx, family); err != nil {
		return nil, fmt.Errorf("failed to link customer: %w", err)
	}
	m.logger.Info("Linked billing customer to family",
		F("family_id", familyID),
		F("customer_id", customerID),
	)
	return family, nil
}

// GetSubscription returns a subscription by id.
func (m *Manager) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	return m.storage.GetSubscription(ctx, subscriptionID)
}

// GetSubscriptionByFamily returns the subscription of a family.
func (m *Manager) GetSubscriptionByFamily(ctx context.Context, familyID string) (*Subscription, error) {
	return m.storage.GetSubscriptionByFamily(ctx, familyID)
}

// IsBillingBlocked reports whether the family's subscription no longer grants access.
// Families without a subscription are not blocked.
func (m *Manager) IsBillingBlocked(ctx context.Context, familyID string) (bool, *Subscription, error) {
	sub, err := m.storage.GetSubscriptionByFamily(ctx, familyID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return false, nil, nil
		}
		return false, nil, err
	}
	return Blocked(sub, m.Now()), sub, nil
}

// Blocked reports whether sub denies access at now.
func Blocked(sub *Subscription, now time.Time) bool {
	switch sub.Status {
	case StatusPaused, StatusCanceled, StatusIncompleteExpired, StatusUnpaid:
		return true
	case StatusTrialing:
		return sub.TrialEndsAt != nil && sub.TrialEndsAt.Before(now)
	default:
		return false
	}
}
