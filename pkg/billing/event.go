package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// TrustedEvent is a provider event whose signature has been verified.
// Nothing downstream of a Verifier sees an unverified payload.
type TrustedEvent struct {
	Provider   string                 `json:"provider"`
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Payload    map[string]interface{} `json:"payload"`
	Raw        []byte                 `json:"raw,omitempty"`
	ReceivedAt time.Time              `json:"received_at"`
}

// ChangeKind says which lifecycle moment a SubscriptionChange reports.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeCanceled ChangeKind = "canceled"
)

// Canonical is the closed set of provider-independent webhook meanings.
// Adapters return exactly one variant per event.
type Canonical interface {
	canonical()
}

// SubscriptionChange reports the current state of a provider subscription.
type SubscriptionChange struct {
	Kind       ChangeKind
	ExternalID string
	CustomerID string

	// FamilyID is set when the provider carries it in metadata.
	FamilyID string

	Status   lifecycle.Status
	Interval lifecycle.Interval

	// Amount is nil when the event does not carry a price. Zero is a free plan.
	Amount              *decimal.Decimal
	Currency            string
	TrialEndsAt         *time.Time
	CurrentPeriodEndsAt *time.Time
}

// PaymentFailed reports a failed invoice charge.
type PaymentFailed struct {
	InvoiceID          string
	CustomerID         string
	AmountDue          decimal.Decimal
	Currency           string
	AttemptCount       int
	NextPaymentAttempt *time.Time
}

// PaymentSucceeded reports a paid invoice.
type PaymentSucceeded struct {
	InvoiceID  string
	CustomerID string
	AmountPaid decimal.Decimal
	Currency   string
}

// CheckoutObserved reports a checkout that ties a provider customer to a family.
type CheckoutObserved struct {
	CheckoutID string
	CustomerID string
	FamilyID   string
}

// OrderObserved reports a one-time order. It is logged only.
type OrderObserved struct {
	OrderID string
}

// Unhandled is any event type without a canonical meaning.
type Unhandled struct {
	Type string
}

func (SubscriptionChange) canonical() {}
func (PaymentFailed) canonical()      {}
func (PaymentSucceeded) canonical()   {}
func (CheckoutObserved) canonical()   {}
func (OrderObserved) canonical()      {}
func (Unhandled) canonical()          {}

// CanonicalType returns the lifecycle event type a variant stands for.
// Checkout, order and unhandled variants have none.
func CanonicalType(c Canonical) (lifecycle.EventType, bool) {
	switch v := c.(type) {
	case SubscriptionChange:
		switch v.Kind {
		case ChangeCreated:
			return lifecycle.EventSubscriptionCreated, true
		case ChangeCanceled:
			return lifecycle.EventSubscriptionCanceled, true
		default:
			return lifecycle.EventSubscriptionUpdated, true
		}
	case PaymentFailed:
		return lifecycle.EventPaymentFailed, true
	case PaymentSucceeded:
		return lifecycle.EventPaymentSucceeded, true
	default:
		return "", false
	}
}
