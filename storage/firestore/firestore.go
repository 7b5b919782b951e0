// Package firestore provides a Firestore implementation of the lifecycle.Storage interface.
// Read-then-write operations run inside Firestore transactions.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// Storage implements lifecycle.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	familiesCollection      string
	subscriptionsCollection string
	ownersCollection        string
	eventsCollection        string
	claimsCollection        string
	now                     func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// FamiliesCollection holds one document per family
	// Default: "billing_families"
	FamiliesCollection string

	// SubscriptionsCollection holds one document per subscription
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// OwnersCollection maps a family id to its subscription id and enforces
	// one subscription per family
	// Default: "billing_subscription_owners"
	OwnersCollection string

	// EventsCollection is the append-only event log
	// Default: "billing_events"
	EventsCollection string

	// ClaimsCollection holds dedupe and reminder claims
	// Default: "billing_claims"
	ClaimsCollection string

	// Now is the clock used for claim expiry (default: time.Now)
	Now func() time.Time
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.FamiliesCollection == "" {
		config.FamiliesCollection = "billing_families"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.OwnersCollection == "" {
		config.OwnersCollection = "billing_subscription_owners"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_events"
	}
	if config.ClaimsCollection == "" {
		config.ClaimsCollection = "billing_claims"
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Storage{
		client:                  client,
		familiesCollection:      config.FamiliesCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		ownersCollection:        config.OwnersCollection,
		eventsCollection:        config.EventsCollection,
		claimsCollection:        config.ClaimsCollection,
		now:                     config.Now,
	}, nil
}

type familyDoc struct {
	ID                 string    `firestore:"id"`
	BillingEmail       string    `firestore:"billingEmail"`
	ExternalCustomerID string    `firestore:"externalCustomerId"`
	CreatedAt          time.Time `firestore:"createdAt"`
}

type subscriptionDoc struct {
	ID                  string     `firestore:"id"`
	FamilyID            string     `firestore:"familyId"`
	Status              string     `firestore:"status"`
	Interval            string     `firestore:"interval"`
	Amount              string     `firestore:"amount"`
	Currency            string     `firestore:"currency"`
	TrialEndsAt         *time.Time `firestore:"trialEndsAt"`
	CurrentPeriodEndsAt *time.Time `firestore:"currentPeriodEndsAt"`
	ExternalID          string     `firestore:"externalId"`
	Provider            string     `firestore:"provider"`
	CreatedAt           time.Time  `firestore:"createdAt"`
	UpdatedAt           time.Time  `firestore:"updatedAt"`
}

type eventDoc struct {
	ID             string                 `firestore:"id"`
	FamilyID       string                 `firestore:"familyId"`
	SubscriptionID string                 `firestore:"subscriptionId"`
	Type           string                 `firestore:"type"`
	Data           map[string]interface{} `firestore:"data"`
	OccurredAt     time.Time              `firestore:"occurredAt"`

	// AppendedAt breaks ties between events with the same OccurredAt
	AppendedAt int64 `firestore:"appendedAt"`
}

func toSubscriptionDoc(sub *lifecycle.Subscription) subscriptionDoc {
	return subscriptionDoc{
		ID:                  sub.ID,
		FamilyID:            sub.FamilyID,
		Status:              string(sub.Status),
		Interval:            string(sub.Interval),
		Amount:              sub.Amount.StringFixed(2),
		Currency:            sub.Currency,
		TrialEndsAt:         sub.TrialEndsAt,
		CurrentPeriodEndsAt: sub.CurrentPeriodEndsAt,
		ExternalID:          sub.ExternalID,
		Provider:            sub.Provider,
		CreatedAt:           sub.CreatedAt,
		UpdatedAt:           sub.UpdatedAt,
	}
}

func (d subscriptionDoc) subscription() (*lifecycle.Subscription, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse subscription amount: %w", err)
	}
	return &lifecycle.Subscription{
		ID:                  d.ID,
		FamilyID:            d.FamilyID,
		Status:              lifecycle.Status(d.Status),
		Interval:            lifecycle.Interval(d.Interval),
		Amount:              amount,
		Currency:            d.Currency,
		TrialEndsAt:         utcPtr(d.TrialEndsAt),
		CurrentPeriodEndsAt: utcPtr(d.CurrentPeriodEndsAt),
		ExternalID:          d.ExternalID,
		Provider:            d.Provider,
		CreatedAt:           d.CreatedAt.UTC(),
		UpdatedAt:           d.UpdatedAt.UTC(),
	}, nil
}

// GetFamily implements lifecycle.Storage
func (s *Storage) GetFamily(ctx context.Context, familyID string) (*lifecycle.Family, error) {
	snap, err := s.client.Collection(s.familiesCollection).Doc(familyID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, lifecycle.ErrFamilyNotFound
		}
		return nil, fmt.Errorf("failed to get family: %w", err)
	}
	return decodeFamily(snap)
}

// GetFamilyByCustomerID implements lifecycle.Storage
func (s *Storage) GetFamilyByCustomerID(ctx context.Context, customerID string) (*lifecycle.Family, error) {
	if customerID == "" {
		return nil, lifecycle.ErrFamilyNotFound
	}

	iter := s.client.Collection(s.familiesCollection).
		Where("externalCustomerId", "==", customerID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, lifecycle.ErrFamilyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get family by customer: %w", err)
	}
	return decodeFamily(snap)
}

// SaveFamily implements lifecycle.Storage
func (s *Storage) SaveFamily(ctx context.Context, family *lifecycle.Family) error {
	if family == nil || family.ID == "" {
		return fmt.Errorf("invalid family")
	}

	createdAt := family.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}

	_, err := s.client.Collection(s.familiesCollection).Doc(family.ID).Set(ctx, familyDoc{
		ID:                 family.ID,
		BillingEmail:       family.BillingEmail,
		ExternalCustomerID: family.ExternalCustomerID,
		CreatedAt:          createdAt,
	})
	if err != nil {
		return fmt.Errorf("failed to save family: %w", err)
	}
	return nil
}

// CreateSubscription implements lifecycle.Storage
func (s *Storage) CreateSubscription(ctx context.Context, sub *lifecycle.Subscription) error {
	if sub == nil || sub.ID == "" || sub.FamilyID == "" {
		return fmt.Errorf("invalid subscription")
	}

	ownerRef := s.client.Collection(s.ownersCollection).Doc(sub.FamilyID)
	subRef := s.client.Collection(s.subscriptionsCollection).Doc(sub.ID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// Create fails if either document already exists
		if err := tx.Create(ownerRef, map[string]interface{}{"subscriptionId": sub.ID}); err != nil {
			return err
		}
		return tx.Create(subRef, toSubscriptionDoc(sub))
	})
	if status.Code(err) == codes.AlreadyExists {
		return lifecycle.ErrSubscriptionExists
	}
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetSubscription implements lifecycle.Storage
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*lifecycle.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(subscriptionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, lifecycle.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return decodeSubscription(snap)
}

// GetSubscriptionByFamily implements lifecycle.Storage
func (s *Storage) GetSubscriptionByFamily(ctx context.Context, familyID string) (*lifecycle.Subscription, error) {
	snap, err := s.client.Collection(s.ownersCollection).Doc(familyID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, lifecycle.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription owner: %w", err)
	}

	subID, ok := snap.Data()["subscriptionId"].(string)
	if !ok || subID == "" {
		return nil, lifecycle.ErrSubscriptionNotFound
	}
	return s.GetSubscription(ctx, subID)
}

// UpdateSubscription implements lifecycle.Storage
func (s *Storage) UpdateSubscription(ctx context.Context, sub *lifecycle.Subscription) (*lifecycle.Subscription, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}

	ref := s.client.Collection(s.subscriptionsCollection).Doc(sub.ID)
	var previous *lifecycle.Subscription

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		previous, err = decodeSubscription(snap)
		if err != nil {
			return err
		}

		next := sub.Clone()
		next.FamilyID = previous.FamilyID // family ownership never moves
		next.CreatedAt = previous.CreatedAt
		return tx.Set(ref, toSubscriptionDoc(next))
	})
	if status.Code(err) == codes.NotFound {
		return nil, lifecycle.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	return previous, nil
}

// ListTrialing implements lifecycle.Storage
func (s *Storage) ListTrialing(ctx context.Context, from, to time.Time) ([]*lifecycle.Subscription, error) {
	query := s.client.Collection(s.subscriptionsCollection).
		Where("status", "==", string(lifecycle.StatusTrialing)).
		Where("trialEndsAt", "<", to)
	if !from.IsZero() {
		query = query.Where("trialEndsAt", ">=", from)
	}

	iter := query.OrderBy("trialEndsAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var result []*lifecycle.Subscription
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list trialing subscriptions: %w", err)
		}
		sub, err := decodeSubscription(snap)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, nil
}

// AppendEvent implements lifecycle.Storage
func (s *Storage) AppendEvent(ctx context.Context, event *lifecycle.Event) error {
	if err := lifecycle.ValidateEvent(event); err != nil {
		return err
	}

	_, _, err := s.client.Collection(s.eventsCollection).Add(ctx, eventDoc{
		ID:             event.ID,
		FamilyID:       event.FamilyID,
		SubscriptionID: event.SubscriptionID,
		Type:           string(event.Type),
		Data:           event.Data,
		OccurredAt:     event.OccurredAt.UTC(),
		AppendedAt:     time.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents implements lifecycle.Storage
func (s *Storage) ListEvents(ctx context.Context, query lifecycle.EventQuery) ([]*lifecycle.Event, error) {
	q := s.eventQuery(query).
		OrderBy("occurredAt", firestore.Desc).
		OrderBy("appendedAt", firestore.Desc)
	if query.Limit > 0 {
		q = q.Limit(query.Limit)
	}

	var result []*lifecycle.Event
	err := s.eachEvent(ctx, q, func(e *lifecycle.Event) {
		result = append(result, e)
	})
	return result, err
}

// CountEvents implements lifecycle.Storage
func (s *Storage) CountEvents(ctx context.Context, query lifecycle.EventQuery) (int, error) {
	count := 0
	err := s.eachEvent(ctx, s.eventQuery(query), func(*lifecycle.Event) { count++ })
	return count, err
}

// CountDistinctFamilies implements lifecycle.Storage
func (s *Storage) CountDistinctFamilies(ctx context.Context, query lifecycle.EventQuery) (int, error) {
	families := make(map[string]struct{})
	err := s.eachEvent(ctx, s.eventQuery(query), func(e *lifecycle.Event) {
		families[e.FamilyID] = struct{}{}
	})
	return len(families), err
}

func (s *Storage) eventQuery(query lifecycle.EventQuery) firestore.Query {
	q := s.client.Collection(s.eventsCollection).Query
	if query.FamilyID != "" {
		q = q.Where("familyId", "==", query.FamilyID)
	}
	if query.SubscriptionID != "" {
		q = q.Where("subscriptionId", "==", query.SubscriptionID)
	}
	if len(query.Types) > 0 {
		types := make([]string, len(query.Types))
		for i, t := range query.Types {
			types[i] = string(t)
		}
		q = q.Where("type", "in", types)
	}
	if !query.Start.IsZero() {
		q = q.Where("occurredAt", ">=", query.Start.UTC())
	}
	if !query.End.IsZero() {
		q = q.Where("occurredAt", "<=", query.End.UTC())
	}
	return q
}

func (s *Storage) eachEvent(ctx context.Context, q firestore.Query, fn func(*lifecycle.Event)) error {
	iter := q.Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read events: %w", err)
		}

		var doc eventDoc
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		fn(&lifecycle.Event{
			ID:             doc.ID,
			FamilyID:       doc.FamilyID,
			SubscriptionID: doc.SubscriptionID,
			Type:           lifecycle.EventType(doc.Type),
			Data:           doc.Data,
			OccurredAt:     doc.OccurredAt.UTC(),
		})
	}
}

// Claim implements lifecycle.Storage
func (s *Storage) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ref := s.client.Collection(s.claimsCollection).Doc(claimDocID(key))
	claimed := false

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		claimed = false
		now := s.now().UTC()

		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			expiresAt, ok := snap.Data()["expiresAt"].(time.Time)
			if !ok || now.Before(expiresAt) {
				return nil
			}
		}

		data := map[string]interface{}{"key": key, "claimedAt": now}
		if ttl > 0 {
			data["expiresAt"] = now.Add(ttl)
		}
		if err := tx.Set(ref, data); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return claimed, nil
}

// ReleaseClaim implements lifecycle.Storage
func (s *Storage) ReleaseClaim(ctx context.Context, key string) error {
	_, err := s.client.Collection(s.claimsCollection).Doc(claimDocID(key)).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to release claim %s: %w", key, err)
	}
	return nil
}

func decodeFamily(snap *firestore.DocumentSnapshot) (*lifecycle.Family, error) {
	var doc familyDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode family: %w", err)
	}
	return &lifecycle.Family{
		ID:                 doc.ID,
		BillingEmail:       doc.BillingEmail,
		ExternalCustomerID: doc.ExternalCustomerID,
		CreatedAt:          doc.CreatedAt.UTC(),
	}, nil
}

func decodeSubscription(snap *firestore.DocumentSnapshot) (*lifecycle.Subscription, error) {
	var doc subscriptionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return doc.subscription()
}

// claimDocID maps a claim key to a valid document id
func claimDocID(key string) string {
	return strings.ReplaceAll(key, "/", "_")
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
