package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Locker provides mutual exclusion keyed by string, used to serialize
// transitions of one subscription across workers and instances.
type Locker interface {
	// Acquire blocks until the lock for key is held or ctx is done.
	// A positive ttl releases the lock automatically if the holder never does.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)

	// TryAcquire takes the lock for key only if it is free.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// SubscriptionLockKey is the lock key guarding transitions of one subscription.
func SubscriptionLockKey(subscriptionID string) string {
	return "subscription:" + subscriptionID
}

// MemoryLocker implements Locker for a single process.
// An entry lives only while some caller holds or waits for its key.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	held    bool
	refs    int           // holder plus waiters
	waiters chan struct{} // signaled once per release
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*lockEntry)}
}

func (l *MemoryLocker) ref(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[key]
	if !ok {
		e = &lockEntry{waiters: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

// unref must be called with l.mu held.
func (l *MemoryLocker) unref(key string, e *lockEntry) {
	e.refs--
	if e.refs == 0 && !e.held {
		delete(l.locks, key)
	}
}

func (l *MemoryLocker) tryHold(e *lockEntry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.held {
		return false
	}
	e.held = true
	return true
}

// Acquire implements Locker
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	e := l.ref(key)

	for {
		if l.tryHold(e) {
			return l.releaser(key, e, ttl), nil
		}

		select {
		case <-e.waiters:
		case <-ctx.Done():
			l.mu.Lock()
			l.unref(key, e)
			l.mu.Unlock()
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, ctx.Err())
		}
	}
}

// TryAcquire implements Locker
func (l *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	e := l.ref(key)
	if !l.tryHold(e) {
		l.mu.Lock()
		l.unref(key, e)
		l.mu.Unlock()
		return nil, false, nil
	}
	return l.releaser(key, e, ttl), true, nil
}

func (l *MemoryLocker) releaser(key string, e *lockEntry, ttl time.Duration) func() {
	done := make(chan struct{})
	var once sync.Once
	release := func() {
		once.Do(func() {
			close(done)
			l.mu.Lock()
			e.held = false
			l.unref(key, e)
			l.mu.Unlock()
			select {
			case e.waiters <- struct{}{}:
			default:
			}
		})
	}

	if ttl > 0 {
		go func() {
			timer := time.NewTimer(ttl)
			defer timer.Stop()
			select {
			case <-timer.C:
				release()
			case <-done:
			}
		}()
	}

	return release
}

// size returns the number of keys currently held or waited on.
func (l *MemoryLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
