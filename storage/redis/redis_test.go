package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
	"github.com/mihaimyh/gobilling/pkg/tasks"
)

// setupTestRedis starts an in-process Redis server for one test
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newTestStorage(t *testing.T) (*miniredis.Miniredis, *Storage) {
	t.Helper()
	mr, client := setupTestRedis(t)
	storage, err := New(client, DefaultConfig())
	require.NoError(t, err)
	return mr, storage
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err, "nil client must be rejected")

	_, client := setupTestRedis(t)
	storage, err := New(client, Config{})
	require.NoError(t, err)
	assert.Equal(t, "gobilling:", storage.config.KeyPrefix)
	assert.NoError(t, storage.Ping(context.Background()))
}

func TestStorage_Families(t *testing.T) {
	_, storage := newTestStorage(t)
	ctx := context.Background()

	_, err := storage.GetFamily(ctx, "fam1")
	assert.ErrorIs(t, err, lifecycle.ErrFamilyNotFound)

	require.NoError(t, storage.SaveFamily(ctx, &lifecycle.Family{ID: "fam1", BillingEmail: "a@example.com"}))
	family, err := storage.GetFamily(ctx, "fam1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", family.BillingEmail)
	assert.False(t, family.CreatedAt.IsZero())

	family.ExternalCustomerID = "cus_1"
	require.NoError(t, storage.SaveFamily(ctx, family))
	byCustomer, err := storage.GetFamilyByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "fam1", byCustomer.ID)

	// relinking leaves the old index entry behind, which must not resolve
	family.ExternalCustomerID = "cus_2"
	require.NoError(t, storage.SaveFamily(ctx, family))
	_, err = storage.GetFamilyByCustomerID(ctx, "cus_1")
	assert.ErrorIs(t, err, lifecycle.ErrFamilyNotFound)

	_, err = storage.GetFamilyByCustomerID(ctx, "")
	assert.ErrorIs(t, err, lifecycle.ErrFamilyNotFound)
}

func TestStorage_Subscriptions(t *testing.T) {
	_, storage := newTestStorage(t)
	ctx := context.Background()
	trialEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	sub := &lifecycle.Subscription{
		ID:          "sub1",
		FamilyID:    "fam1",
		Status:      lifecycle.StatusTrialing,
		TrialEndsAt: &trialEnd,
		Amount:      decimal.Zero,
		CreatedAt:   trialEnd.Add(-14 * 24 * time.Hour),
	}
	require.NoError(t, storage.CreateSubscription(ctx, sub))

	err := storage.CreateSubscription(ctx, &lifecycle.Subscription{ID: "sub2", FamilyID: "fam1", Status: lifecycle.StatusIncomplete})
	assert.ErrorIs(t, err, lifecycle.ErrSubscriptionExists)

	byFamily, err := storage.GetSubscriptionByFamily(ctx, "fam1")
	require.NoError(t, err)
	assert.Equal(t, "sub1", byFamily.ID)
	assert.True(t, trialEnd.Equal(*byFamily.TrialEndsAt))

	previous, err := storage.UpdateSubscription(ctx, &lifecycle.Subscription{
		ID:         "sub1",
		FamilyID:   "other",
		Status:     lifecycle.StatusActive,
		Interval:   lifecycle.IntervalMonth,
		Amount:     decimal.RequireFromString("12.99"),
		ExternalID: "sub_ext",
		Provider:   "stripe",
	})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusTrialing, previous.Status)

	current, err := storage.GetSubscription(ctx, "sub1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusActive, current.Status)
	assert.Equal(t, "fam1", current.FamilyID, "family ownership must not change")
	assert.True(t, sub.CreatedAt.Equal(current.CreatedAt))
	assert.Equal(t, "12.99", current.Amount.StringFixed(2))

	_, err = storage.UpdateSubscription(ctx, &lifecycle.Subscription{ID: "missing", Status: lifecycle.StatusActive})
	assert.ErrorIs(t, err, lifecycle.ErrSubscriptionNotFound)

	_, err = storage.GetSubscriptionByFamily(ctx, "fam_missing")
	assert.ErrorIs(t, err, lifecycle.ErrSubscriptionNotFound)
}

func TestStorage_ListTrialing(t *testing.T) {
	_, storage := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"sub_a", "sub_b", "sub_c"} {
		end := base.Add(time.Duration(i) * 24 * time.Hour)
		require.NoError(t, storage.CreateSubscription(ctx, &lifecycle.Subscription{
			ID: id, FamilyID: "fam_" + id, Status: lifecycle.StatusTrialing, TrialEndsAt: &end,
		}))
	}

	trialing, err := storage.ListTrialing(ctx, time.Time{}, base.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, trialing, 2, "upper bound is exclusive")
	assert.Equal(t, "sub_a", trialing[0].ID)
	assert.Equal(t, "sub_b", trialing[1].ID)

	// leaving trialing drops the subscription from the index
	_, err = storage.UpdateSubscription(ctx, &lifecycle.Subscription{ID: "sub_a", Status: lifecycle.StatusPaused})
	require.NoError(t, err)
	trialing, err = storage.ListTrialing(ctx, base, base.Add(72*time.Hour))
	require.NoError(t, err)
	require.Len(t, trialing, 2)
	assert.Equal(t, "sub_b", trialing[0].ID)
}

func TestStorage_Events(t *testing.T) {
	_, storage := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.ErrorIs(t, storage.AppendEvent(ctx, &lifecycle.Event{Type: lifecycle.EventTrialStarted, OccurredAt: base}),
		lifecycle.ErrFamilyRequired)

	appendEvent := func(id, family string, typ lifecycle.EventType, at time.Time) {
		require.NoError(t, storage.AppendEvent(ctx, &lifecycle.Event{
			ID: id, FamilyID: family, Type: typ, OccurredAt: at,
			Data: map[string]interface{}{"amount": "9.99"},
		}))
	}
	appendEvent("e1", "fam1", lifecycle.EventTrialStarted, base)
	appendEvent("e2", "fam1", lifecycle.EventTrialConverted, base.Add(time.Hour))
	appendEvent("e3", "fam1", lifecycle.EventSubscriptionCreated, base.Add(time.Hour))
	appendEvent("e4", "fam2", lifecycle.EventTrialStarted, base.Add(2*time.Hour))

	events, err := storage.ListEvents(ctx, lifecycle.EventQuery{FamilyID: "fam1"})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"e3", "e2", "e1"}, []string{events[0].ID, events[1].ID, events[2].ID},
		"newest first, later append wins a tie")
	assert.Equal(t, "9.99", events[0].Data["amount"])

	limited, err := storage.ListEvents(ctx, lifecycle.EventQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	count, err := storage.CountEvents(ctx, lifecycle.EventQuery{
		Types: []lifecycle.EventType{lifecycle.EventTrialStarted},
		Limit: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count, "limit is ignored when counting")

	count, err = storage.CountEvents(ctx, lifecycle.EventQuery{Start: base.Add(time.Hour), End: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 2, count, "bounds are inclusive")

	families, err := storage.CountDistinctFamilies(ctx, lifecycle.EventQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, families)
}

func TestStorage_Claims(t *testing.T) {
	mr, storage := newTestStorage(t)
	ctx := context.Background()

	ok, err := storage.Claim(ctx, "webhook:stripe:evt_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = storage.Claim(ctx, "webhook:stripe:evt_1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = storage.Claim(ctx, "webhook:stripe:evt_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "claim expires after ttl")

	require.NoError(t, storage.ReleaseClaim(ctx, "webhook:stripe:evt_1"))
	require.NoError(t, storage.ReleaseClaim(ctx, "never-held"))
	ok, err = storage.Claim(ctx, "webhook:stripe:evt_1", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStorage_ConcurrentClaims(t *testing.T) {
	_, storage := newTestStorage(t)
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := storage.Claim(ctx, "reminder:sub1", time.Hour); err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestStorage_ManagerIntegration(t *testing.T) {
	_, storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

	manager, err := lifecycle.NewManager(storage, lifecycle.Config{Now: func() time.Time { return now }})
	require.NoError(t, err)
	require.NoError(t, storage.SaveFamily(ctx, &lifecycle.Family{ID: "fam1", CreatedAt: now}))

	sub, err := manager.StartTrial(ctx, "fam1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusTrialing, sub.Status)

	events, err := storage.ListEvents(ctx, lifecycle.EventQuery{FamilyID: "fam1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, lifecycle.EventTrialStarted, events[0].Type)
}

func TestLocker(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewLocker(client, DefaultConfig())
	ctx := context.Background()

	release, ok, err := locker.TryAcquire(ctx, "subscription:sub1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryAcquire(ctx, "subscription:sub1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lock is held")

	release()
	release()
	_, ok, err = locker.TryAcquire(ctx, "subscription:sub1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("stale holder cannot release a newer lock", func(t *testing.T) {
		staleRelease, ok, err := locker.TryAcquire(ctx, "subscription:sub2", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(2 * time.Second)
		_, ok, err = locker.TryAcquire(ctx, "subscription:sub2", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		staleRelease()
		assert.True(t, mr.Exists("gobilling:lock:subscription:sub2"))
	})

	t.Run("acquire honors context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
		defer cancel()
		_, err := locker.Acquire(ctx, "subscription:sub1", time.Minute)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("acquire waits for release", func(t *testing.T) {
		release, ok, err := locker.TryAcquire(ctx, "subscription:sub3", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		go func() {
			time.Sleep(80 * time.Millisecond)
			release()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		second, err := locker.Acquire(ctx, "subscription:sub3", time.Minute)
		require.NoError(t, err)
		second()
	})
}

func TestQueue(t *testing.T) {
	_, client := setupTestRedis(t)
	queue := NewQueue(client, DefaultConfig())
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

	assert.ErrorIs(t, queue.Push(ctx, &tasks.Task{ID: "t0"}), tasks.ErrInvalidTask)

	push := func(id string, runAt time.Time) {
		require.NoError(t, queue.Push(ctx, &tasks.Task{
			ID: id, Name: "billing.payment_retry", Payload: []byte(`{"invoice_id":"in_1"}`),
			RunAt: runAt, CreatedAt: now,
		}))
	}
	push("t2", now.Add(-time.Minute))
	push("t1", now.Add(-time.Hour))
	push("t3", now.Add(time.Hour))

	due, err := queue.Lease(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "t1", due[0].ID, "earliest first")
	assert.Equal(t, "t2", due[1].ID)
	assert.JSONEq(t, `{"invoice_id":"in_1"}`, string(due[0].Payload))

	due, err = queue.Lease(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, due, "leased tasks are hidden")

	require.NoError(t, queue.Ack(ctx, "t1"))
	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// t2 was never acked, so its lease runs out before t3 is due
	due, err = queue.Lease(ctx, now.Add(2*time.Minute), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t2", due[0].ID)
	require.NoError(t, queue.Ack(ctx, "t2"))

	due, err = queue.Lease(ctx, now.Add(2*time.Hour), 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t3", due[0].ID)
}

func TestQueue_WithClientAndWorker(t *testing.T) {
	_, client := setupTestRedis(t)
	queue := NewQueue(client, DefaultConfig())
	ctx := context.Background()

	id, err := tasks.NewClient(queue, tasks.ClientConfig{}).Enqueue(ctx, "billing.webhook",
		map[string]string{"provider": "stripe"}, time.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	due, err := queue.Lease(ctx, time.Now(), 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)

	var payload map[string]string
	require.NoError(t, due[0].Decode(&payload))
	assert.Equal(t, "stripe", payload["provider"])
}
