// Package postgres provides a PostgreSQL implementation of the lifecycle.Storage interface.
// Subscription updates use SQL transactions with SELECT FOR UPDATE so the
// previous row is read and replaced atomically.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations
const uniqueViolation = "23505"

// Storage implements lifecycle.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often expired claims are deleted

	// Now is the clock used for claim expiry (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Pool exposes the connection pool, e.g. for an AdvisoryLocker.
func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetFamily implements lifecycle.Storage
func (s *Storage) GetFamily(ctx context.Context, familyID string) (*lifecycle.Family, error) {
	return s.queryFamily(ctx,
		`SELECT id, billing_email, COALESCE(external_customer_id, ''), created_at
			FROM families WHERE id = $1`, familyID)
}

// GetFamilyByCustomerID implements lifecycle.Storage
func (s *Storage) GetFamilyByCustomerID(ctx context.Context, customerID string) (*lifecycle.Family, error) {
	if customerID == "" {
		return nil, lifecycle.ErrFamilyNotFound
	}
	return s.queryFamily(ctx,
		`SELECT id, billing_email, COALESCE(external_customer_id, ''), created_at
			FROM families WHERE external_customer_id = $1
			ORDER BY created_at LIMIT 1`, customerID)
}

func (s *Storage) queryFamily(ctx context.Context, query string, arg string) (*lifecycle.Family, error) {
	var f lifecycle.Family
	err := s.pool.QueryRow(ctx, query, arg).Scan(&f.ID, &f.BillingEmail, &f.ExternalCustomerID, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lifecycle.ErrFamilyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get family: %w", err)
	}
	f.CreatedAt = f.CreatedAt.UTC()
	return &f, nil
}

// SaveFamily implements lifecycle.Storage
func (s *Storage) SaveFamily(ctx context.Context, family *lifecycle.Family) error {
	if family == nil || family.ID == "" {
		return fmt.Errorf("invalid family")
	}

	createdAt := family.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.config.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO families (id, billing_email, external_customer_id, created_at)
			VALUES ($1, $2, NULLIF($3, ''), $4)
			ON CONFLICT (id) DO UPDATE SET
				billing_email = EXCLUDED.billing_email,
				external_customer_id = EXCLUDED.external_customer_id`,
		family.ID, family.BillingEmail, family.ExternalCustomerID, createdAt)
	if err != nil {
		return fmt.Errorf("failed to save family: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, family_id, status, billing_interval, amount::text, currency,
	trial_ends_at, current_period_ends_at, external_id, provider, created_at, updated_at`

// CreateSubscription implements lifecycle.Storage
func (s *Storage) CreateSubscription(ctx context.Context, sub *lifecycle.Subscription) error {
	if sub == nil || sub.ID == "" || sub.FamilyID == "" {
		return fmt.Errorf("invalid subscription")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12)`,
		subscriptionArgs(sub)...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return lifecycle.ErrSubscriptionExists
	}
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetSubscription implements lifecycle.Storage
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*lifecycle.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, subscriptionID)
	return scanSubscription(row)
}

// GetSubscriptionByFamily implements lifecycle.Storage
func (s *Storage) GetSubscriptionByFamily(ctx context.Context, familyID string) (*lifecycle.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE family_id = $1`, familyID)
	return scanSubscription(row)
}

// UpdateSubscription implements lifecycle.Storage
func (s *Storage) UpdateSubscription(ctx context.Context, sub *lifecycle.Subscription) (*lifecycle.Subscription, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	previous, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, sub.ID))
	if err != nil {
		return nil, err
	}

	next := sub.Clone()
	next.FamilyID = previous.FamilyID // family ownership never moves
	next.CreatedAt = previous.CreatedAt

	tag, err := tx.Exec(ctx,
		`UPDATE subscriptions SET
			status = $3, billing_interval = $4, amount = $5::numeric, currency = $6,
			trial_ends_at = $7, current_period_ends_at = $8, external_id = $9,
			provider = $10, updated_at = $12
			WHERE id = $1 AND family_id = $2 AND created_at = $11`,
		subscriptionArgs(next)...)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, lifecycle.ErrSubscriptionNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return previous, nil
}

// ListTrialing implements lifecycle.Storage
func (s *Storage) ListTrialing(ctx context.Context, from, to time.Time) ([]*lifecycle.Subscription, error) {
	var fromArg *time.Time
	if !from.IsZero() {
		fromArg = &from
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status = 'trialing' AND trial_ends_at IS NOT NULL
				AND ($1::timestamptz IS NULL OR trial_ends_at >= $1)
				AND trial_ends_at < $2
			ORDER BY trial_ends_at`, fromArg, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list trialing subscriptions: %w", err)
	}
	defer rows.Close()

	var result []*lifecycle.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

// AppendEvent implements lifecycle.Storage
func (s *Storage) AppendEvent(ctx context.Context, event *lifecycle.Event) error {
	if err := lifecycle.ValidateEvent(event); err != nil {
		return err
	}

	data := event.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO billing_events (id, family_id, subscription_id, event_type, data, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.FamilyID, event.SubscriptionID, string(event.Type), payload, event.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents implements lifecycle.Storage
func (s *Storage) ListEvents(ctx context.Context, query lifecycle.EventQuery) ([]*lifecycle.Event, error) {
	where, args := eventFilter(query)
	sql := `SELECT id, family_id, subscription_id, event_type, data, occurred_at
		FROM billing_events` + where + ` ORDER BY occurred_at DESC, seq DESC`
	if query.Limit > 0 {
		args = append(args, query.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var result []*lifecycle.Event
	for rows.Next() {
		var (
			e         lifecycle.Event
			eventType string
			data      []byte
		)
		if err := rows.Scan(&e.ID, &e.FamilyID, &e.SubscriptionID, &eventType, &data, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = lifecycle.EventType(eventType)
		e.OccurredAt = e.OccurredAt.UTC()
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

// CountEvents implements lifecycle.Storage
func (s *Storage) CountEvents(ctx context.Context, query lifecycle.EventQuery) (int, error) {
	where, args := eventFilter(query)
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM billing_events`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// CountDistinctFamilies implements lifecycle.Storage
func (s *Storage) CountDistinctFamilies(ctx context.Context, query lifecycle.EventQuery) (int, error) {
	where, args := eventFilter(query)
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(DISTINCT family_id) FROM billing_events`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count families: %w", err)
	}
	return count, nil
}

// Claim implements lifecycle.Storage
func (s *Storage) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.config.Now().UTC()
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	// an expired claim is taken over in place; a live one makes the upsert a no-op
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO claims (key, expires_at) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
			WHERE claims.expires_at IS NOT NULL AND claims.expires_at <= $3`,
		key, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseClaim implements lifecycle.Storage
func (s *Storage) ReleaseClaim(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM claims WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to release claim %s: %w", key, err)
	}
	return nil
}

// startCleanup runs periodic cleanup of expired claims
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // the next tick retries
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes expired claims. It can also be called manually.
func (s *Storage) Cleanup(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM claims WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.config.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cleanup claims: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func subscriptionArgs(sub *lifecycle.Subscription) []interface{} {
	return []interface{}{
		sub.ID,
		sub.FamilyID,
		string(sub.Status),
		string(sub.Interval),
		sub.Amount.StringFixed(2),
		sub.Currency,
		sub.TrialEndsAt,
		sub.CurrentPeriodEndsAt,
		sub.ExternalID,
		sub.Provider,
		sub.CreatedAt,
		sub.UpdatedAt,
	}
}

func scanSubscription(row pgx.Row) (*lifecycle.Subscription, error) {
	var (
		sub      lifecycle.Subscription
		status   string
		interval string
		amount   string
	)
	err := row.Scan(&sub.ID, &sub.FamilyID, &status, &interval, &amount, &sub.Currency,
		&sub.TrialEndsAt, &sub.CurrentPeriodEndsAt, &sub.ExternalID, &sub.Provider,
		&sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lifecycle.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}

	sub.Status = lifecycle.Status(status)
	sub.Interval = lifecycle.Interval(interval)
	sub.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse subscription amount: %w", err)
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

// eventFilter renders the WHERE clause for query with positional args.
func eventFilter(query lifecycle.EventQuery) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if query.FamilyID != "" {
		add("family_id = $%d", query.FamilyID)
	}
	if query.SubscriptionID != "" {
		add("subscription_id = $%d", query.SubscriptionID)
	}
	if len(query.Types) > 0 {
		types := make([]string, len(query.Types))
		for i, t := range query.Types {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", types)
	}
	if !query.Start.IsZero() {
		add("occurred_at >= $%d", query.Start.UTC())
	}
	if !query.End.IsZero() {
		add("occurred_at <= $%d", query.End.UTC())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
