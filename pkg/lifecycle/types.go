package lifecycle

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the billing state of a subscription.
type Status string

const (
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusUnpaid            Status = "unpaid"
	StatusPaused            Status = "paused"
)

var validStatuses = map[Status]bool{
	StatusIncomplete:        true,
	StatusIncompleteExpired: true,
	StatusTrialing:          true,
	StatusActive:            true,
	StatusPastDue:           true,
	StatusCanceled:          true,
	StatusUnpaid:            true,
	StatusPaused:            true,
}

// Valid reports whether s is one of the known subscription statuses.
func (s Status) Valid() bool {
	return validStatuses[s]
}

// Interval is the billing cadence of a subscription.
type Interval string

const (
	IntervalNone  Interval = ""
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// TrialDays is the length of a new trial.
const TrialDays = 14

// NewTrialEndsAt returns the trial end for a trial starting at now.
func NewTrialEndsAt(now time.Time) time.Time {
	return now.Add(TrialDays * 24 * time.Hour)
}

// Family is the tenant that owns a subscription.
type Family struct {
	ID           string
	BillingEmail string

	// ExternalCustomerID is the provider-assigned customer id.
	// Empty until the first checkout completes.
	ExternalCustomerID string

	CreatedAt time.Time
}

// Subscription is the current billing state of exactly one family.
type Subscription struct {
	ID       string
	FamilyID string
	Status   Status
	Interval Interval
	Amount   decimal.Decimal
	Currency string

	// TrialEndsAt is required while Status is trialing.
	TrialEndsAt *time.Time

	CurrentPeriodEndsAt *time.Time

	// ExternalID is the provider subscription id, required while Status is active.
	ExternalID string

	// Provider is the billing provider that owns ExternalID ("stripe", "polar").
	Provider string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Name returns the display name of the plan.
func (s *Subscription) Name() string {
	switch s.Interval {
	case IntervalMonth:
		return "Monthly Plan"
	case IntervalYear:
		return "Annual Plan"
	default:
		return "Free trial"
	}
}

// Validate checks the per-status field requirements.
func (s *Subscription) Validate() error {
	if s.FamilyID == "" {
		return ErrFamilyRequired
	}
	if !s.Status.Valid() {
		return ErrInvalidStatus
	}
	if s.Status == StatusTrialing && s.TrialEndsAt == nil {
		return ErrTrialEndRequired
	}
	if s.Status == StatusActive && s.ExternalID == "" {
		return ErrExternalIDRequired
	}
	return nil
}

// Clone returns a deep copy of s.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.TrialEndsAt != nil {
		t := *s.TrialEndsAt
		c.TrialEndsAt = &t
	}
	if s.CurrentPeriodEndsAt != nil {
		t := *s.CurrentPeriodEndsAt
		c.CurrentPeriodEndsAt = &t
	}
	return &c
}

// EventType is a canonical billing lifecycle event.
type EventType string

const (
	EventTrialStarted                EventType = "trial_started"
	EventTrialExpirationReminderSent EventType = "trial_expiration_reminder_sent"
	EventTrialExpired                EventType = "trial_expired"
	EventTrialConverted              EventType = "trial_converted"
	EventSubscriptionCreated         EventType = "subscription_created"
	EventSubscriptionUpdated         EventType = "subscription_updated"
	EventSubscriptionCanceled        EventType = "subscription_canceled"
	EventPaymentSucceeded            EventType = "payment_succeeded"
	EventPaymentFailed               EventType = "payment_failed"
	EventPaymentRetryAttempted       EventType = "payment_retry_attempted"
)

// EventTypes lists the closed event taxonomy in a stable order.
var EventTypes = []EventType{
	EventTrialStarted,
	EventTrialExpirationReminderSent,
	EventTrialExpired,
	EventTrialConverted,
	EventSubscriptionCreated,
	EventSubscriptionUpdated,
	EventSubscriptionCanceled,
	EventPaymentSucceeded,
	EventPaymentFailed,
	EventPaymentRetryAttempted,
}

// Valid reports whether t belongs to the event taxonomy.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is an immutable audit record of something that happened to a family's billing.
type Event struct {
	ID       string
	FamilyID string

	// SubscriptionID is empty for events recorded before a subscription exists.
	SubscriptionID string

	Type       EventType
	Data       map[string]interface{}
	OccurredAt time.Time
}

// ValidateEvent checks an event before it is written.
// Storage implementations call it on every append.
func ValidateEvent(e *Event) error {
	if e == nil {
		return ErrInvalidEvent
	}
	if e.FamilyID == "" {
		return ErrFamilyRequired
	}
	if !e.Type.Valid() {
		return ErrInvalidEventType
	}
	if e.OccurredAt.IsZero() {
		return ErrOccurredAtRequired
	}
	return nil
}

// EventQuery filters reads of the event log. Zero values mean "no filter".
// Start and End are inclusive. Results are ordered newest first.
type EventQuery struct {
	FamilyID       string
	SubscriptionID string
	Types          []EventType
	Start          time.Time
	End            time.Time
	Limit          int
}

// Matches reports whether e satisfies the query filters (Limit is ignored).
func (q EventQuery) Matches(e *Event) bool {
	if q.FamilyID != "" && e.FamilyID != q.FamilyID {
		return false
	}
	if q.SubscriptionID != "" && e.SubscriptionID != q.SubscriptionID {
		return false
	}
	if len(q.Types) > 0 {
		found := false
		for _, t := range q.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.Start.IsZero() && e.OccurredAt.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && e.OccurredAt.After(q.End) {
		return false
	}
	return true
}

// DeploymentMode gates the work that only runs for the hosted product.
type DeploymentMode string

const (
	ModeManaged    DeploymentMode = "managed"
	ModeSelfHosted DeploymentMode = "self_hosted"
)

// Config configures a Manager.
type Config struct {
	// Locker serializes transitions per subscription (default: in-memory locker)
	Locker Locker

	// LockTTL bounds how long a transition may hold its lock (default: 30 seconds)
	LockTTL time.Duration

	// Metrics is used for tracking lifecycle operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time

	// NewID generates ids for subscriptions and events (default: uuid v4)
	NewID func() string
}
