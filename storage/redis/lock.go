package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

const defaultLockPollInterval = 50 * time.Millisecond

// releaseScript deletes the lock only if it still carries our token
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Locker implements lifecycle.Locker with SET NX PX.
// Each holder writes a random token so an expired holder cannot release
// a lock that has since been taken by someone else.
type Locker struct {
	client       redis.UniversalClient
	keyPrefix    string
	pollInterval time.Duration
}

var _ lifecycle.Locker = (*Locker)(nil)

// NewLocker creates a distributed locker sharing the storage key prefix.
func NewLocker(client redis.UniversalClient, config Config) *Locker {
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}
	return &Locker{
		client:       client,
		keyPrefix:    config.KeyPrefix + "lock:",
		pollInterval: defaultLockPollInterval,
	}
}

// Acquire implements lifecycle.Locker
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		release, ok, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, ctx.Err())
		}
	}
}

// TryAcquire implements lifecycle.Locker
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.keyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// the caller's ctx may already be canceled
			_ = releaseScript.Run(context.Background(), l.client, []string{l.keyPrefix + key}, token).Err()
		})
	}
	return release, true, nil
}
