// Package sqlite provides a SQLite implementation of the lifecycle.Storage interface
// for single-instance self-hosted deployments.
//
// The database is opened with a single connection, so every statement and
// transaction is serialized by database/sql.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS families (
	id                   TEXT PRIMARY KEY,
	billing_email        TEXT NOT NULL DEFAULT '',
	external_customer_id TEXT NOT NULL DEFAULT '',
	created_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_families_customer ON families (external_customer_id);

CREATE TABLE IF NOT EXISTS subscriptions (
	id                     TEXT PRIMARY KEY,
	family_id              TEXT NOT NULL UNIQUE,
	status                 TEXT NOT NULL,
	billing_interval       TEXT NOT NULL DEFAULT '',
	amount                 TEXT NOT NULL DEFAULT '0',
	currency               TEXT NOT NULL DEFAULT '',
	trial_ends_at          INTEGER,
	current_period_ends_at INTEGER,
	external_id            TEXT NOT NULL DEFAULT '',
	provider               TEXT NOT NULL DEFAULT '',
	created_at             INTEGER NOT NULL,
	updated_at             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_trial ON subscriptions (status, trial_ends_at);

CREATE TABLE IF NOT EXISTS billing_events (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL,
	family_id       TEXT NOT NULL,
	subscription_id TEXT NOT NULL DEFAULT '',
	event_type      TEXT NOT NULL,
	data            TEXT NOT NULL DEFAULT '{}',
	occurred_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_billing_events_family ON billing_events (family_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_billing_events_type ON billing_events (event_type, occurred_at);

CREATE TABLE IF NOT EXISTS claims (
	key        TEXT PRIMARY KEY,
	expires_at INTEGER
);
`

// Storage implements lifecycle.Storage using SQLite
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// Config holds SQLite storage configuration
type Config struct {
	// Path is the database file, or MemoryPath
	Path string

	// BusyTimeout bounds how long a statement waits on a locked database
	BusyTimeout time.Duration

	// Now is the clock used for claim expiry (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Path:        "data/gobilling.db",
		BusyTimeout: 30 * time.Second,
	}
}

// New opens (or creates) the database and its schema
func New(config Config) (*Storage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = DefaultConfig().BusyTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	pragmas := []string{fmt.Sprintf("busy_timeout(%d)", config.BusyTimeout.Milliseconds())}
	if config.Path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	dsn := config.Path + "?" + url.Values{"_pragma": pragmas}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Storage{db: db, now: config.Now}, nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetFamily implements lifecycle.Storage
func (s *Storage) GetFamily(ctx context.Context, familyID string) (*lifecycle.Family, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, billing_email, external_customer_id, created_at FROM families WHERE id = ?`, familyID)
	return scanFamily(row)
}

// GetFamilyByCustomerID implements lifecycle.Storage
func (s *Storage) GetFamilyByCustomerID(ctx context.Context, customerID string) (*lifecycle.Family, error) {
	if customerID == "" {
		return nil, lifecycle.ErrFamilyNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, billing_email, external_customer_id, created_at FROM families
			WHERE external_customer_id = ? ORDER BY created_at LIMIT 1`, customerID)
	return scanFamily(row)
}

// SaveFamily implements lifecycle.Storage
func (s *Storage) SaveFamily(ctx context.Context, family *lifecycle.Family) error {
	if family == nil || family.ID == "" {
		return fmt.Errorf("invalid family")
	}

	createdAt := family.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO families (id, billing_email, external_customer_id, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				billing_email = excluded.billing_email,
				external_customer_id = excluded.external_customer_id`,
		family.ID, family.BillingEmail, family.ExternalCustomerID, createdAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save family: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, family_id, status, billing_interval, amount, currency,
	trial_ends_at, current_period_ends_at, external_id, provider, created_at, updated_at`

// CreateSubscription implements lifecycle.Storage
func (s *Storage) CreateSubscription(ctx context.Context, sub *lifecycle.Subscription) error {
	if sub == nil || sub.ID == "" || sub.FamilyID == "" {
		return fmt.Errorf("invalid subscription")
	}

	// ON CONFLICT DO NOTHING covers both the id and the one-per-family constraint
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		subscriptionArgs(sub)...)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return lifecycle.ErrSubscriptionExists
	}
	return nil
}

// GetSubscription implements lifecycle.Storage
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*lifecycle.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, subscriptionID)
	return scanSubscription(row)
}

// GetSubscriptionByFamily implements lifecycle.Storage
func (s *Storage) GetSubscriptionByFamily(ctx context.Context, familyID string) (*lifecycle.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE family_id = ?`, familyID)
	return scanSubscription(row)
}

// UpdateSubscription implements lifecycle.Storage
func (s *Storage) UpdateSubscription(ctx context.Context, sub *lifecycle.Subscription) (*lifecycle.Subscription, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	previous, err := scanSubscription(tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, sub.ID))
	if err != nil {
		return nil, err
	}

	next := sub.Clone()
	next.FamilyID = previous.FamilyID // family ownership never moves
	next.CreatedAt = previous.CreatedAt
	args := subscriptionArgs(next)

	_, err = tx.ExecContext(ctx,
		`UPDATE subscriptions SET
			status = ?, billing_interval = ?, amount = ?, currency = ?,
			trial_ends_at = ?, current_period_ends_at = ?, external_id = ?,
			provider = ?, updated_at = ?
			WHERE id = ?`,
		args[2], args[3], args[4], args[5], args[6], args[7], args[8], args[9], args[11], next.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return previous, nil
}

// ListTrialing implements lifecycle.Storage
func (s *Storage) ListTrialing(ctx context.Context, from, to time.Time) ([]*lifecycle.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at < ?`
	args := []interface{}{string(lifecycle.StatusTrialing), to.UnixNano()}
	if !from.IsZero() {
		query += ` AND trial_ends_at >= ?`
		args = append(args, from.UnixNano())
	}

	rows, err := s.db.QueryContext(ctx, query+` ORDER BY trial_ends_at`, args...)
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO billing_events (id, family_id, subscription_id, event_type, data, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.FamilyID, event.SubscriptionID, string(event.Type), string(payload), event.OccurredAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents implements lifecycle.Storage
func (s *Storage) ListEvents(ctx context.Context, query lifecycle.EventQuery) ([]*lifecycle.Event, error) {
	where, args := eventFilter(query)
	stmt := `SELECT id, family_id, subscription_id, event_type, data, occurred_at FROM billing_events` +
		where + ` ORDER BY occurred_at DESC, seq DESC`
	if query.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, query.Limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var result []*lifecycle.Event
	for rows.Next() {
		var (
			e          lifecycle.Event
			eventType  string
			data       string
			occurredAt int64
		)
		if err := rows.Scan(&e.ID, &e.FamilyID, &e.SubscriptionID, &eventType, &data, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = lifecycle.EventType(eventType)
		e.OccurredAt = time.Unix(0, occurredAt).UTC()
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
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
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM billing_events`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// CountDistinctFamilies implements lifecycle.Storage
func (s *Storage) CountDistinctFamilies(ctx context.Context, query lifecycle.EventQuery) (int, error) {
	where, args := eventFilter(query)
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT family_id) FROM billing_events`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count families: %w", err)
	}
	return count, nil
}

// Claim implements lifecycle.Storage
func (s *Storage) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(ttl).UnixNano(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO claims (key, expires_at) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET expires_at = excluded.expires_at
			WHERE claims.expires_at IS NOT NULL AND claims.expires_at <= ?`,
		key, expiresAt, now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return n == 1, nil
}

// ReleaseClaim implements lifecycle.Storage
func (s *Storage) ReleaseClaim(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM claims WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to release claim %s: %w", key, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFamily(row scanner) (*lifecycle.Family, error) {
	var (
		f         lifecycle.Family
		createdAt int64
	)
	err := row.Scan(&f.ID, &f.BillingEmail, &f.ExternalCustomerID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lifecycle.ErrFamilyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan family: %w", err)
	}
	f.CreatedAt = time.Unix(0, createdAt).UTC()
	return &f, nil
}

func subscriptionArgs(sub *lifecycle.Subscription) []interface{} {
	return []interface{}{
		sub.ID,
		sub.FamilyID,
		string(sub.Status),
		string(sub.Interval),
		sub.Amount.StringFixed(2),
		sub.Currency,
		nullTime(sub.TrialEndsAt),
		nullTime(sub.CurrentPeriodEndsAt),
		sub.ExternalID,
		sub.Provider,
		sub.CreatedAt.UnixNano(),
		sub.UpdatedAt.UnixNano(),
	}
}

func scanSubscription(row scanner) (*lifecycle.Subscription, error) {
	var (
		sub                 lifecycle.Subscription
		status, interval    string
		amount              string
		trialEnd, periodEnd sql.NullInt64
		createdAt           int64
		updatedAt           int64
	)
	err := row.Scan(&sub.ID, &sub.FamilyID, &status, &interval, &amount, &sub.Currency,
		&trialEnd, &periodEnd, &sub.ExternalID, &sub.Provider, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lifecycle.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}

	sub.Status = lifecycle.Status(status)
	sub.Interval = lifecycle.Interval(interval)
	if sub.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse subscription amount: %w", err)
	}
	sub.TrialEndsAt = timePtr(trialEnd)
	sub.CurrentPeriodEndsAt = timePtr(periodEnd)
	sub.CreatedAt = time.Unix(0, createdAt).UTC()
	sub.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &sub, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

// eventFilter renders the WHERE clause for query.
func eventFilter(query lifecycle.EventQuery) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if query.FamilyID != "" {
		conds = append(conds, "family_id = ?")
		args = append(args, query.FamilyID)
	}
	if query.SubscriptionID != "" {
		conds = append(conds, "subscription_id = ?")
		args = append(args, query.SubscriptionID)
	}
	if len(query.Types) > 0 {
		placeholders := make([]string, len(query.Types))
		for i, t := range query.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !query.Start.IsZero() {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, query.Start.UnixNano())
	}
	if !query.End.IsZero() {
		conds = append(conds, "occurred_at <= ?")
		args = append(args, query.End.UnixNano())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
