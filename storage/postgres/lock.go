package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// AdvisoryLocker implements lifecycle.Locker with session-level advisory locks.
// Each held lock pins one pooled connection until it is released, and the
// holder usually needs a second connection for its own writes. Size the pool
// to at least twice the number of concurrent lock holders.
//
// ttl is ignored: an advisory lock lives until it is unlocked or its
// connection closes, which also covers a crashed holder.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

var _ lifecycle.Locker = (*AdvisoryLocker)(nil)

// NewAdvisoryLocker creates a locker on pool.
func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// Acquire implements lifecycle.Locker
func (l *AdvisoryLocker) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	lockID := lockKey(key)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for lock %s: %w", key, err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return unlocker(conn, lockID), nil
}

// TryAcquire implements lifecycle.Locker
func (l *AdvisoryLocker) TryAcquire(ctx context.Context, key string, _ time.Duration) (func(), bool, error) {
	lockID := lockKey(key)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection for lock %s: %w", key, err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}
	return unlocker(conn, lockID), true, nil
}

func unlocker(conn *pgxpool.Conn, lockID int64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", lockID); err != nil {
				// a connection that may still hold the lock must not go back to the pool
				_ = conn.Conn().Close(context.Background())
			}
			conn.Release()
		})
	}
}

// lockKey hashes key with FNV-1a into the non-negative int64 advisory lock space.
func lockKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}
