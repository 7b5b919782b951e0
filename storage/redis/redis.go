// Package redis provides a Redis implementation of the lifecycle.Storage interface.
// Writes that must read-then-write atomically run as Lua scripts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// Storage implements lifecycle.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gobilling:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gobilling:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Create a subscription unless the family already has one
	s.scripts["create"] = redis.NewScript(`
		local familyIndex = KEYS[1]
		local subKey = KEYS[2]
		local trialing = KEYS[3]
		local subID = ARGV[1]
		local data = ARGV[2]
		local trialScore = ARGV[3]

		if redis.call('EXISTS', subKey) == 1 then
			return 'exists'
		end
		if redis.call('SETNX', familyIndex, subID) == 0 then
			return 'exists'
		end
		redis.call('SET', subKey, data)
		if trialScore ~= '' then
			redis.call('ZADD', trialing, trialScore, subID)
		end
		return 'ok'
	`)

	// Replace a subscription and return the previous row
	s.scripts["update"] = redis.NewScript(`
		local subKey = KEYS[1]
		local trialing = KEYS[2]
		local subID = ARGV[1]
		local data = ARGV[2]
		local trialScore = ARGV[3]

		local previous = redis.call('GET', subKey)
		if not previous then
			return false
		end
		redis.call('SET', subKey, data)
		if trialScore ~= '' then
			redis.call('ZADD', trialing, trialScore, subID)
		else
			redis.call('ZREM', trialing, subID)
		end
		return previous
	`)
}

type familyRecord struct {
	ID                 string    `json:"id"`
	BillingEmail       string    `json:"billing_email,omitempty"`
	ExternalCustomerID string    `json:"external_customer_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

type subscriptionRecord struct {
	ID                  string          `json:"id"`
	FamilyID            string          `json:"family_id"`
	Status              string          `json:"status"`
	Interval            string          `json:"interval,omitempty"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency,omitempty"`
	TrialEndsAt         *time.Time      `json:"trial_ends_at,omitempty"`
	CurrentPeriodEndsAt *time.Time      `json:"current_period_ends_at,omitempty"`
	ExternalID          string          `json:"external_id,omitempty"`
	Provider            string          `json:"provider,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

type eventRecord struct {
	ID             string                 `json:"id"`
	FamilyID       string                 `json:"family_id"`
	SubscriptionID string                 `json:"subscription_id,omitempty"`
	Type           string                 `json:"type"`
	Data           map[string]interface{} `json:"data"`
	OccurredAt     time.Time              `json:"occurred_at"`
}

func toSubscriptionRecord(sub *lifecycle.Subscription) subscriptionRecord {
	return subscriptionRecord{
		ID:                  sub.ID,
		FamilyID:            sub.FamilyID,
		Status:              string(sub.Status),
		Interval:            string(sub.Interval),
		Amount:              sub.Amount,
		Currency:            sub.Currency,
		TrialEndsAt:         sub.TrialEndsAt,
		CurrentPeriodEndsAt: sub.CurrentPeriodEndsAt,
		ExternalID:          sub.ExternalID,
		Provider:            sub.Provider,
		CreatedAt:           sub.CreatedAt,
		UpdatedAt:           sub.UpdatedAt,
	}
}

func (r subscriptionRecord) subscription() *lifecycle.Subscription {
	return &lifecycle.Subscription{
		ID:                  r.ID,
		FamilyID:            r.FamilyID,
		Status:              lifecycle.Status(r.Status),
		Interval:            lifecycle.Interval(r.Interval),
		Amount:              r.Amount,
		Currency:            r.Currency,
		TrialEndsAt:         r.TrialEndsAt,
		CurrentPeriodEndsAt: r.CurrentPeriodEndsAt,
		ExternalID:          r.ExternalID,
		Provider:            r.Provider,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

// GetFamily implements lifecycle.Storage
func (s *Storage) GetFamily(ctx context.Context, familyID string) (*lifecycle.Family, error) {
	data, err := s.client.Get(ctx, s.familyKey(familyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, lifecycle.ErrFamilyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get family: %w", err)
	}

	var rec familyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal family: %w", err)
	}
	return &lifecycle.Family{
		ID:                 rec.ID,
		BillingEmail:       rec.BillingEmail,
		ExternalCustomerID: rec.ExternalCustomerID,
		CreatedAt:          rec.CreatedAt,
	}, nil
}

// GetFamilyByCustomerID implements lifecycle.Storage
func (s *Storage) GetFamilyByCustomerID(ctx context.Context, customerID string) (*lifecycle.Family, error) {
	if customerID == "" {
		return nil, lifecycle.ErrFamilyNotFound
	}
	familyID, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, lifecycle.ErrFamilyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get family by customer: %w", err)
	}
	family, err := s.GetFamily(ctx, familyID)
	if err != nil {
		return nil, err
	}
	// the index is not cleared when a family is relinked
	if family.ExternalCustomerID != customerID {
		return nil, lifecycle.ErrFamilyNotFound
	}
	return family, nil
}

// SaveFamily implements lifecycle.Storage
func (s *Storage) SaveFamily(ctx context.Context, family *lifecycle.Family) error {
	if family == nil || family.ID == "" {
		return fmt.Errorf("invalid family")
	}

	createdAt := family.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	data, err := json.Marshal(familyRecord{
		ID:                 family.ID,
		BillingEmail:       family.BillingEmail,
		ExternalCustomerID: family.ExternalCustomerID,
		CreatedAt:          createdAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal family: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.familyKey(family.ID), data, 0)
	if family.ExternalCustomerID != "" {
		pipe.Set(ctx, s.customerKey(family.ExternalCustomerID), family.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save family: %w", err)
	}
	return nil
}

// CreateSubscription implements lifecycle.Storage
func (s *Storage) CreateSubscription(ctx context.Context, sub *lifecycle.Subscription) error {
	if sub == nil || sub.ID == "" || sub.FamilyID == "" {
		return fmt.Errorf("invalid subscription")
	}

	data, err := json.Marshal(toSubscriptionRecord(sub))
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	keys := []string{s.subscriptionFamilyKey(sub.FamilyID), s.subscriptionKey(sub.ID), s.trialingKey()}
	result, err := s.scripts["create"].Run(ctx, s.client, keys, sub.ID, data, trialScore(sub)).Text()
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	if result == "exists" {
		return lifecycle.ErrSubscriptionExists
	}
	return nil
}

// GetSubscription implements lifecycle.Storage
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*lifecycle.Subscription, error) {
	data, err := s.client.Get(ctx, s.subscriptionKey(subscriptionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, lifecycle.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return decodeSubscription(data)
}

// GetSubscriptionByFamily implements lifecycle.Storage
func (s *Storage) GetSubscriptionByFamily(ctx context.Context, familyID string) (*lifecycle.Subscription, error) {
	subID, err := s.client.Get(ctx, s.subscriptionFamilyKey(familyID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, lifecycle.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by family: %w", err)
	}
	return s.GetSubscription(ctx, subID)
}

// UpdateSubscription implements lifecycle.Storage
func (s *Storage) UpdateSubscription(ctx context.Context, sub *lifecycle.Subscription) (*lifecycle.Subscription, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}

	current, err := s.GetSubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	next := sub.Clone()
	next.FamilyID = current.FamilyID // family ownership never moves
	next.CreatedAt = current.CreatedAt

	data, err := json.Marshal(toSubscriptionRecord(next))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subscription: %w", err)
	}

	keys := []string{s.subscriptionKey(sub.ID), s.trialingKey()}
	previous, err := s.scripts["update"].Run(ctx, s.client, keys, sub.ID, data, trialScore(next)).Text()
	if errors.Is(err, redis.Nil) {
		return nil, lifecycle.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	return decodeSubscription([]byte(previous))
}

// ListTrialing implements lifecycle.Storage
func (s *Storage) ListTrialing(ctx context.Context, from, to time.Time) ([]*lifecycle.Subscription, error) {
	min := "-inf"
	if !from.IsZero() {
		min = strconv.FormatInt(from.UnixMilli(), 10)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.trialingKey(), &redis.ZRangeBy{
		Min: min,
		Max: "(" + strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list trialing subscriptions: %w", err)
	}

	result := make([]*lifecycle.Subscription, 0, len(ids))
	for _, id := range ids {
		sub, err := s.GetSubscription(ctx, id)
		if errors.Is(err, lifecycle.ErrSubscriptionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if sub.Status == lifecycle.StatusTrialing && sub.TrialEndsAt != nil {
			result = append(result, sub)
		}
	}
	return result, nil
}

// AppendEvent implements lifecycle.Storage
func (s *Storage) AppendEvent(ctx context.Context, event *lifecycle.Event) error {
	if err := lifecycle.ValidateEvent(event); err != nil {
		return err
	}

	data, err := json.Marshal(eventRecord{
		ID:             event.ID,
		FamilyID:       event.FamilyID,
		SubscriptionID: event.SubscriptionID,
		Type:           string(event.Type),
		Data:           event.Data,
		OccurredAt:     event.OccurredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	seq, err := s.client.Incr(ctx, s.eventSeqKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	// zero-padded so that ties on OccurredAt keep append order
	member := fmt.Sprintf("%020d", seq)
	score := float64(event.OccurredAt.UnixMilli())

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.eventDataKey(), member, data)
	pipe.ZAdd(ctx, s.eventIndexKey(""), redis.Z{Score: score, Member: member})
	pipe.ZAdd(ctx, s.eventIndexKey(event.FamilyID), redis.Z{Score: score, Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents implements lifecycle.Storage
func (s *Storage) ListEvents(ctx context.Context, query lifecycle.EventQuery) ([]*lifecycle.Event, error) {
	events, err := s.scanEvents(ctx, query)
	if err != nil {
		return nil, err
	}
	if query.Limit > 0 && len(events) > query.Limit {
		events = events[:query.Limit]
	}
	return events, nil
}

// CountEvents implements lifecycle.Storage
func (s *Storage) CountEvents(ctx context.Context, query lifecycle.EventQuery) (int, error) {
	events, err := s.scanEvents(ctx, query)
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// CountDistinctFamilies implements lifecycle.Storage
func (s *Storage) CountDistinctFamilies(ctx context.Context, query lifecycle.EventQuery) (int, error) {
	events, err := s.scanEvents(ctx, query)
	if err != nil {
		return 0, err
	}
	families := make(map[string]struct{})
	for _, e := range events {
		families[e.FamilyID] = struct{}{}
	}
	return len(families), nil
}

// scanEvents returns all events matching query, newest first.
func (s *Storage) scanEvents(ctx context.Context, query lifecycle.EventQuery) ([]*lifecycle.Event, error) {
	rangeBy := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !query.Start.IsZero() {
		rangeBy.Min = strconv.FormatInt(query.Start.UnixMilli(), 10)
	}
	if !query.End.IsZero() {
		rangeBy.Max = strconv.FormatInt(query.End.UnixMilli(), 10)
	}

	members, err := s.client.ZRevRangeByScore(ctx, s.eventIndexKey(query.FamilyID), rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, s.eventDataKey(), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	result := make([]*lifecycle.Event, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec eventRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		e := &lifecycle.Event{
			ID:             rec.ID,
			FamilyID:       rec.FamilyID,
			SubscriptionID: rec.SubscriptionID,
			Type:           lifecycle.EventType(rec.Type),
			Data:           rec.Data,
			OccurredAt:     rec.OccurredAt,
		}
		if query.Matches(e) {
			result = append(result, e)
		}
	}
	return result, nil
}

// Claim implements lifecycle.Storage
func (s *Storage) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.claimKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseClaim implements lifecycle.Storage
func (s *Storage) ReleaseClaim(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.claimKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to release claim %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeSubscription(data []byte) (*lifecycle.Subscription, error) {
	var rec subscriptionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return rec.subscription(), nil
}

// trialScore is the trialing index score of sub, empty when it is not trialing.
func trialScore(sub *lifecycle.Subscription) string {
	if sub.Status != lifecycle.StatusTrialing || sub.TrialEndsAt == nil {
		return ""
	}
	return strconv.FormatInt(sub.TrialEndsAt.UnixMilli(), 10)
}

// Key helpers

func (s *Storage) familyKey(familyID string) string {
	return s.config.KeyPrefix + "family:" + familyID
}

func (s *Storage) customerKey(customerID string) string {
	return s.config.KeyPrefix + "customer:" + customerID
}

func (s *Storage) subscriptionKey(subscriptionID string) string {
	return s.config.KeyPrefix + "sub:" + subscriptionID
}

func (s *Storage) subscriptionFamilyKey(familyID string) string {
	return s.config.KeyPrefix + "sub_by_family:" + familyID
}

func (s *Storage) trialingKey() string {
	return s.config.KeyPrefix + "trialing"
}

func (s *Storage) eventSeqKey() string {
	return s.config.KeyPrefix + "events:seq"
}

func (s *Storage) eventDataKey() string {
	return s.config.KeyPrefix + "events:data"
}

// eventIndexKey is the time index of all events, or of one family's events.
func (s *Storage) eventIndexKey(familyID string) string {
	if familyID == "" {
		return s.config.KeyPrefix + "events:all"
	}
	return s.config.KeyPrefix + "events:family:" + familyID
}

func (s *Storage) claimKey(key string) string {
	return s.config.KeyPrefix + "claim:" + key
}
