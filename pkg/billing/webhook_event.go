package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// WebhookEvent contains information about a successfully processed webhook.
// It is passed to the WebhookCallback after the lifecycle state has been written.
type WebhookEvent struct {
	// Provider is the billing provider name ("stripe", "polar")
	Provider string

	// EventID is the provider event id
	EventID string

	// EventType is the provider-specific event type
	// Stripe: "customer.subscription.updated", "invoice.payment_failed", etc.
	// Polar: "subscription.updated", "checkout.created", etc.
	EventType string

	// Canonical is the provider-independent meaning of the event
	Canonical Canonical

	// FamilyID is the family the event resolved to (empty for unhandled events)
	FamilyID string

	// PreviousStatus is the subscription status before the event (empty if none existed)
	PreviousStatus lifecycle.Status

	// Subscription is the subscription after the event, nil when untouched
	Subscription *lifecycle.Subscription

	// ProcessedAt is when processing finished
	ProcessedAt time.Time
}

// WebhookCallback is invoked after a webhook has been fully processed.
// A callback error is logged; it does not make the event fail.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error
