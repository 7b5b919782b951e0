package lifecycle

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) GetFamily(ctx context.Context, familyID string) (*Family, error) {
	var family *Family
	err := s.cb.Execute(ctx, func() error {
		var e error
		family, e = s.storage.GetFamily(ctx, familyID)
		return e
	})
	return family, err
}

func (s *CircuitBreakerStorage) GetFamilyByCustomerID(ctx context.Context, customerID string) (*Family, error) {
	var family *Family
	err := s.cb.Execute(ctx, func() error {
		var e error
		family, e = s.storage.GetFamilyByCustomerID(ctx, customerID)
		return e
	})
	return family, err
}

func (s *CircuitBreakerStorage) SaveFamily(ctx context.Context, family *Family) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SaveFamily(ctx, family)
	})
}

func (s *CircuitBreakerStorage) CreateSubscription(ctx context.Context, sub *Subscription) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.CreateSubscription(ctx, sub)
	})
}

func (s *CircuitBreakerStorage) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.storage.GetSubscription(ctx, subscriptionID)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) GetSubscriptionByFamily(ctx context.Context, familyID string) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.storage.GetSubscriptionByFamily(ctx, familyID)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) UpdateSubscription(ctx context.Context, sub *Subscription) (*Subscription, error) {
	var previous *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		previous, e = s.storage.UpdateSubscription(ctx, sub)
		return e
	})
	return previous, err
}

func (s *CircuitBreakerStorage) ListTrialing(ctx context.Context, from, to time.Time) ([]*Subscription, error) {
	var subs []*Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		subs, e = s.storage.ListTrialing(ctx, from, to)
		return e
	})
	return subs, err
}

func (s *CircuitBreakerStorage) AppendEvent(ctx context.Context, event *Event) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.AppendEvent(ctx, event)
	})
}

func (s *CircuitBreakerStorage) ListEvents(ctx context.Context, query EventQuery) ([]*Event, error) {
	var events []*Event
	err := s.cb.Execute(ctx, func() error {
		var e error
		events, e = s.storage.ListEvents(ctx, query)
		return e
	})
	return events, err
}

func (s *CircuitBreakerStorage) CountEvents(ctx context.Context, query EventQuery) (int, error) {
	var count int
	err := s.cb.Execute(ctx, func() error {
		var e error
		count, e = s.storage.CountEvents(ctx, query)
		return e
	})
	return count, err
}

func (s *CircuitBreakerStorage) CountDistinctFamilies(ctx context.Context, query EventQuery) (int, error) {
	var count int
	err := s.cb.Execute(ctx, func() error {
		var e error
		count, e = s.storage.CountDistinctFamilies(ctx, query)
		return e
	})
	return count, err
}

func (s *CircuitBreakerStorage) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var claimed bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		claimed, e = s.storage.Claim(ctx, key, ttl)
		return e
	})
	return claimed, err
}

func (s *CircuitBreakerStorage) ReleaseClaim(ctx context.Context, key string) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.ReleaseClaim(ctx, key)
	})
}
