// Package memory provides an in-memory implementation of the lifecycle.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// Storage implements lifecycle.Storage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	families      map[string]*lifecycle.Family
	subscriptions map[string]*lifecycle.Subscription
	byFamily      map[string]string // family id -> subscription id
	events        []*lifecycle.Event
	claims        map[string]time.Time // key -> expiry (zero = never)

	now func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		families:      make(map[string]*lifecycle.Family),
		subscriptions: make(map[string]*lifecycle.Subscription),
		byFamily:      make(map[string]string),
		claims:        make(map[string]time.Time),
		now:           time.Now,
	}
}

// SetClock overrides the time source used for claim expiry.
func (s *Storage) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// GetFamily implements lifecycle.Storage
func (s *Storage) GetFamily(_ context.Context, familyID string) (*lifecycle.Family, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.families[familyID]
	if !ok {
		return nil, lifecycle.ErrFamilyNotFound
	}
	fCopy := *f
	return &fCopy, nil
}

// GetFamilyByCustomerID implements lifecycle.Storage
func (s *Storage) GetFamilyByCustomerID(_ context.Context, customerID string) (*lifecycle.Family, error) {
	if customerID == "" {
		return nil, lifecycle.ErrFamilyNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.families {
		if f.ExternalCustomerID == customerID {
			fCopy := *f
			return &fCopy, nil
		}
	}
	return nil, lifecycle.ErrFamilyNotFound
}

// SaveFamily implements lifecycle.Storage
func (s *Storage) SaveFamily(_ context.Context, family *lifecycle.Family) error {
	if family == nil || family.ID == "" {
		return fmt.Errorf("invalid family")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fCopy := *family
	if fCopy.CreatedAt.IsZero() {
		fCopy.CreatedAt = s.now().UTC()
	}
	s.families[family.ID] = &fCopy
	return nil
}

// CreateSubscription implements lifecycle.Storage
func (s *Storage) CreateSubscription(_ context.Context, sub *lifecycle.Subscription) error {
	if sub == nil || sub.ID == "" || sub.FamilyID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byFamily[sub.FamilyID]; exists {
		return lifecycle.ErrSubscriptionExists
	}
	if _, exists := s.subscriptions[sub.ID]; exists {
		return lifecycle.ErrSubscriptionExists
	}

	s.subscriptions[sub.ID] = sub.Clone()
	s.byFamily[sub.FamilyID] = sub.ID
	return nil
}

// GetSubscription implements lifecycle.Storage
func (s *Storage) GetSubscription(_ context.Context, subscriptionID string) (*lifecycle.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil, lifecycle.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// GetSubscriptionByFamily implements lifecycle.Storage
func (s *Storage) GetSubscriptionByFamily(_ context.Context, familyID string) (*lifecycle.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byFamily[familyID]
	if !ok {
		return nil, lifecycle.ErrSubscriptionNotFound
	}
	return s.subscriptions[id].Clone(), nil
}

// UpdateSubscription implements lifecycle.Storage
func (s *Storage) UpdateSubscription(_ context.Context, sub *lifecycle.Subscription) (*lifecycle.Subscription, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.subscriptions[sub.ID]
	if !ok {
		return nil, lifecycle.ErrSubscriptionNotFound
	}

	next := sub.Clone()
	next.FamilyID = previous.FamilyID // family ownership never moves
	next.CreatedAt = previous.CreatedAt
	s.subscriptions[sub.ID] = next
	return previous.Clone(), nil
}

// ListTrialing implements lifecycle.Storage
func (s *Storage) ListTrialing(_ context.Context, from, to time.Time) ([]*lifecycle.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*lifecycle.Subscription
	for _, sub := range s.subscriptions {
		if sub.Status != lifecycle.StatusTrialing || sub.TrialEndsAt == nil {
			continue
		}
		end := *sub.TrialEndsAt
		if !from.IsZero() && end.Before(from) {
			continue
		}
		if !end.Before(to) {
			continue
		}
		result = append(result, sub.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].TrialEndsAt.Before(*result[j].TrialEndsAt)
	})
	return result, nil
}

// AppendEvent implements lifecycle.Storage
func (s *Storage) AppendEvent(_ context.Context, event *lifecycle.Event) error {
	if err := lifecycle.ValidateEvent(event); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, copyEvent(event))
	return nil
}

// ListEvents implements lifecycle.Storage
func (s *Storage) ListEvents(_ context.Context, query lifecycle.EventQuery) ([]*lifecycle.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// walk backwards so later appends win ties on OccurredAt
	var result []*lifecycle.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if query.Matches(s.events[i]) {
			result = append(result, copyEvent(s.events[i]))
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].OccurredAt.After(result[j].OccurredAt)
	})
	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}
	return result, nil
}

// CountEvents implements lifecycle.Storage
func (s *Storage) CountEvents(_ context.Context, query lifecycle.EventQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.events {
		if query.Matches(e) {
			count++
		}
	}
	return count, nil
}

// CountDistinctFamilies implements lifecycle.Storage
func (s *Storage) CountDistinctFamilies(_ context.Context, query lifecycle.EventQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	families := make(map[string]struct{})
	for _, e := range s.events {
		if query.Matches(e) {
			families[e.FamilyID] = struct{}{}
		}
	}
	return len(families), nil
}

// Claim implements lifecycle.Storage
func (s *Storage) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiresAt, ok := s.claims[key]; ok && (expiresAt.IsZero() || now.Before(expiresAt)) {
		return false, nil
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	s.claims[key] = expiresAt
	return true, nil
}

// ReleaseClaim implements lifecycle.Storage
func (s *Storage) ReleaseClaim(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.claims, key)
	return nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.families = make(map[string]*lifecycle.Family)
	s.subscriptions = make(map[string]*lifecycle.Subscription)
	s.byFamily = make(map[string]string)
	s.events = nil
	s.claims = make(map[string]time.Time)
}

func copyEvent(e *lifecycle.Event) *lifecycle.Event {
	c := *e
	if e.Data != nil {
		c.Data = make(map[string]interface{}, len(e.Data))
		for k, v := range e.Data {
			c.Data[k] = v
		}
	}
	return &c
}
