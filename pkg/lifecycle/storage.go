package lifecycle

import (
	"context"
	"time"
)

// Storage defines the interface for subscription and event persistence.
// Implementations must be safe for concurrent use.
type Storage interface {
	// GetFamily retrieves a family by id
	GetFamily(ctx context.Context, familyID string) (*Family, error)

	// GetFamilyByCustomerID retrieves the family linked to a provider customer id
	GetFamilyByCustomerID(ctx context.Context, customerID string) (*Family, error)

	// SaveFamily creates or replaces a family
	SaveFamily(ctx context.Context, family *Family) error

	// CreateSubscription stores a new subscription.
	// Returns ErrSubscriptionExists if the family already has one.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// GetSubscription retrieves a subscription by id
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// GetSubscriptionByFamily retrieves the subscription of a family
	GetSubscriptionByFamily(ctx context.Context, familyID string) (*Subscription, error)

	// UpdateSubscription replaces the stored subscription with sub and returns
	// the row as it was immediately before the write. The read of the previous
	// row and the write happen atomically.
	UpdateSubscription(ctx context.Context, sub *Subscription) (*Subscription, error)

	// ListTrialing returns trialing subscriptions whose trial ends in [from, to).
	// A zero from means "no lower bound".
	ListTrialing(ctx context.Context, from, to time.Time) ([]*Subscription, error)

	// AppendEvent writes an event to the append-only log.
	// Implementations validate the event with ValidateEvent.
	AppendEvent(ctx context.Context, event *Event) error

	// ListEvents returns events matching the query, newest first
	ListEvents(ctx context.Context, query EventQuery) ([]*Event, error)

	// CountEvents counts events matching the query (Limit is ignored)
	CountEvents(ctx context.Context, query EventQuery) (int, error)

	// CountDistinctFamilies counts distinct family ids among events matching the query
	CountDistinctFamilies(ctx context.Context, query EventQuery) (int, error)

	// Claim records key for ttl and reports whether this call created it.
	// It is the building block for at-most-once side effects (webhook dedupe,
	// reminder guards). A zero ttl means the claim never expires.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ReleaseClaim removes key so the next Claim succeeds again.
	// Releasing a key that is not held is not an error.
	ReleaseClaim(ctx context.Context, key string) error
}
