package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
	"github.com/mihaimyh/gobilling/storage/memory"
)

var testNow = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

// Helper function to create a test manager with in-memory storage
func newTestManager(t *testing.T) (*lifecycle.Manager, *memory.Storage) {
	t.Helper()
	storage := memory.New()
	manager, err := lifecycle.NewManager(storage, lifecycle.Config{
		Now: func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return manager, storage
}

// failingStorage fails selected writes on top of the in-memory store
type failingStorage struct {
	*memory.Storage
	appendErr error
	updateErr error
}

func (s *failingStorage) AppendEvent(ctx context.Context, event *lifecycle.Event) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.Storage.AppendEvent(ctx, event)
}

func (s *failingStorage) UpdateSubscription(ctx context.Context, sub *lifecycle.Subscription) (*lifecycle.Subscription, error) {
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return s.Storage.UpdateSubscription(ctx, sub)
}

func eventsOf(t *testing.T, storage lifecycle.Storage, subscriptionID string) []*lifecycle.Event {
	t.Helper()
	events, err := storage.ListEvents(context.Background(), lifecycle.EventQuery{SubscriptionID: subscriptionID})
	require.NoError(t, err)
	return events
}

func TestNewManager_RequiresStorage(t *testing.T) {
	_, err := lifecycle.NewManager(nil, lifecycle.Config{})
	if !errors.Is(err, lifecycle.ErrStorageUnavailable) {
		t.Errorf("Expected ErrStorageUnavailable, got %v", err)
	}
}

func TestManager_StartTrial(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	sub, err := manager.StartTrial(ctx, "fam1")
	require.NoError(t, err)

	assert.Equal(t, lifecycle.StatusTrialing, sub.Status)
	require.NotNil(t, sub.TrialEndsAt)
	assert.Equal(t, testNow.Add(14*24*time.Hour), *sub.TrialEndsAt)
	assert.NotEmpty(t, sub.ID)

	events := eventsOf(t, storage, sub.ID)
	require.Len(t, events, 1)
	assert.Equal(t, lifecycle.EventTrialStarted, events[0].Type)
	assert.Equal(t, "trialing", events[0].Data["status"])
	assert.Equal(t, testNow, events[0].OccurredAt)
}

func TestManager_CreateSubscription_CreationEvents(t *testing.T) {
	tests := []struct {
		name      string
		status    lifecycle.Status
		wantEvent lifecycle.EventType
	}{
		{"active", lifecycle.StatusActive, lifecycle.EventSubscriptionCreated},
		{"incomplete", lifecycle.StatusIncomplete, ""},
		{"past_due", lifecycle.StatusPastDue, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, storage := newTestManager(t)
			sub, err := manager.CreateSubscription(context.Background(), &lifecycle.Subscription{
				FamilyID:   "fam1",
				Status:     tt.status,
				ExternalID: "sub_ext",
				Interval:   lifecycle.IntervalMonth,
				Amount:     decimal.RequireFromString("9.99"),
				Currency:   "usd",
			})
			require.NoError(t, err)

			events := eventsOf(t, storage, sub.ID)
			if tt.wantEvent == "" {
				assert.Empty(t, events)
				return
			}
			require.Len(t, events, 1)
			assert.Equal(t, tt.wantEvent, events[0].Type)
			assert.Equal(t, "9.99", events[0].Data["amount"])
			assert.Equal(t, "month", events[0].Data["interval"])
		})
	}
}

func TestManager_CreateSubscription_SecondForFamilyRejected(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	_, err := manager.StartTrial(ctx, "fam1")
	require.NoError(t, err)

	_, err = manager.StartTrial(ctx, "fam1")
	assert.ErrorIs(t, err, lifecycle.ErrSubscriptionExists)

	count, err := storage.CountEvents(ctx, lifecycle.EventQuery{FamilyID: "fam1"})
	require.NoError(t, err)
	assert.Equal(t, 1, count, "rejected create must not write an event")
}

func TestManager_CreateSubscription_Validation(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.CreateSubscription(ctx, &lifecycle.Subscription{FamilyID: "fam1", Status: lifecycle.StatusTrialing})
	assert.ErrorIs(t, err, lifecycle.ErrTrialEndRequired)

	_, err = manager.CreateSubscription(ctx, &lifecycle.Subscription{FamilyID: "fam1", Status: lifecycle.StatusActive})
	assert.ErrorIs(t, err, lifecycle.ErrExternalIDRequired)

	_, err = manager.CreateSubscription(ctx, &lifecycle.Subscription{FamilyID: "fam1", Status: "frozen"})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidStatus)

	_, err = manager.CreateSubscription(ctx, &lifecycle.Subscription{Status: lifecycle.StatusIncomplete})
	assert.ErrorIs(t, err, lifecycle.ErrFamilyRequired)
}

func TestManager_ApplyTransition_TrialConverted(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	sub, err := manager.StartTrial(ctx, "fam1")
	require.NoError(t, err)

	externalID := "sub_123"
	interval := lifecycle.IntervalYear
	amount := decimal.RequireFromString("99")
	updated, err := manager.ApplyTransition(ctx, sub.ID, lifecycle.StatusActive, lifecycle.TransitionFields{
		ExternalID: &externalID,
		Interval:   &interval,
		Amount:     &amount,
	})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusActive, updated.Status)
	assert.Nil(t, updated.TrialEndsAt, "trial end is cleared once active")

	events, err := storage.ListEvents(ctx, lifecycle.EventQuery{
		SubscriptionID: sub.ID,
		Types:          []lifecycle.EventType{lifecycle.EventTrialConverted},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "trialing", events[0].Data["previous_status"])
	assert.Equal(t, "active", events[0].Data["current_status"])
	assert.Equal(t, "year", events[0].Data["interval"])
	assert.Equal(t, "99", events[0].Data["amount"])

	assert.Len(t, eventsOf(t, storage, sub.ID), 2)
}

func TestManager_ApplyTransition_TrialExpired(t *testing.T) {
	for _, status := range []lifecycle.Status{lifecycle.StatusPaused, lifecycle.StatusCanceled} {
		t.Run(string(status), func(t *testing.T) {
			manager, storage := newTestManager(t)
			ctx := context.Background()

			sub, err := manager.StartTrial(ctx, "fam1")
			require.NoError(t, err)

			_, err = manager.ApplyTransition(ctx, sub.ID, status, lifecycle.TransitionFields{})
			require.NoError(t, err)

			count, err := storage.CountEvents(ctx, lifecycle.EventQuery{
				Types: []lifecycle.EventType{lifecycle.EventTrialExpired},
			})
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestManager_ApplyTransition_SameStatusRecordsNothing(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	sub, err := manager.CreateSubscription(ctx, &lifecycle.Subscription{
		FamilyID: "fam1", Status: lifecycle.StatusActive, ExternalID: "sub_1",
	})
	require.NoError(t, err)

	periodEnd := testNow.Add(30 * 24 * time.Hour)
	updated, err := manager.ApplyTransition(ctx, sub.ID, lifecycle.StatusActive, lifecycle.TransitionFields{
		CurrentPeriodEndsAt: &periodEnd,
	})
	require.NoError(t, err)
	require.NotNil(t, updated.CurrentPeriodEndsAt)
	assert.Equal(t, periodEnd, *updated.CurrentPeriodEndsAt, "fields are written even without an event")

	assert.Len(t, eventsOf(t, storage, sub.ID), 1)
}

func TestManager_ApplyTransition_CatchAllAndCancel(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	sub, err := manager.CreateSubscription(ctx, &lifecycle.Subscription{
		FamilyID: "fam1", Status: lifecycle.StatusActive, ExternalID: "sub_1",
	})
	require.NoError(t, err)

	_, err = manager.ApplyTransition(ctx, sub.ID, lifecycle.StatusPastDue, lifecycle.TransitionFields{})
	require.NoError(t, err)
	_, err = manager.ApplyTransition(ctx, sub.ID, lifecycle.StatusActive, lifecycle.TransitionFields{})
	require.NoError(t, err)
	_, err = manager.ApplyTransition(ctx, sub.ID, lifecycle.StatusCanceled, lifecycle.TransitionFields{})
	require.NoError(t, err)

	events := eventsOf(t, storage, sub.ID)
	require.Len(t, events, 4)
	// newest first
	assert.Equal(t, lifecycle.EventSubscriptionCanceled, events[0].Type)
	assert.Equal(t, lifecycle.EventSubscriptionUpdated, events[1].Type)
	assert.Equal(t, lifecycle.EventSubscriptionUpdated, events[2].Type)
	assert.Equal(t, lifecycle.EventSubscriptionCreated, events[3].Type)
}

func TestManager_ApplyTransition_EventDataMerged(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	sub, err := manager.StartTrial(ctx, "fam1")
	require.NoError(t, err)

	_, err = manager.ApplyTransition(ctx, sub.ID, lifecycle.StatusPaused, lifecycle.TransitionFields{},
		lifecycle.WithEventData(map[string]interface{}{"expired_at": "2026-03-09T00:00:00Z"}))
	require.NoError(t, err)

	events := eventsOf(t, storage, sub.ID)
	require.Len(t, events, 2)
	assert.Equal(t, "2026-03-09T00:00:00Z", events[0].Data["expired_at"])
	assert.Equal(t, "paused", events[0].Data["current_status"])
}

func TestManager_ApplyTransition_RequireStatus(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	sub, err := manager.CreateSubscription(ctx, &lifecycle.Subscription{
		FamilyID: "fam1", Status: lifecycle.StatusActive, ExternalID: "sub_1",
	})
	require.NoError(t, err)

	_, err = manager.ApplyTransition(ctx, sub.ID, lifecycle.StatusPaused, lifecycle.TransitionFields{},
		lifecycle.RequireStatus(lifecycle.StatusTrialing))
	assert.ErrorIs(t, err, lifecycle.ErrStatusChanged)

	current, err := manager.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusActive, current.Status)
}

func TestManager_ApplyTransition_Errors(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.ApplyTransition(ctx, "missing", lifecycle.StatusActive, lifecycle.TransitionFields{})
	assert.ErrorIs(t, err, lifecycle.ErrSubscriptionNotFound)

	_, err = manager.ApplyTransition(ctx, "missing", "bogus", lifecycle.TransitionFields{})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidStatus)

	sub, err := manager.StartTrial(ctx, "fam1")
	require.NoError(t, err)
	_, err = manager.ApplyTransition(ctx, sub.ID, lifecycle.StatusActive, lifecycle.TransitionFields{})
	assert.ErrorIs(t, err, lifecycle.ErrExternalIDRequired)
}

func TestManager_ApplyTransition_EventAppendFailureKeepsWrite(t *testing.T) {
	storage := &failingStorage{Storage: memory.New()}
	manager, err := lifecycle.NewManager(storage, lifecycle.Config{})
	require.NoError(t, err)
	ctx := context.Background()

	sub, err := manager.StartTrial(ctx, "fam1")
	require.NoError(t, err)

	storage.appendErr = errors.New("event log unavailable")
	updated, err := manager.ApplyTransition(ctx, sub.ID, lifecycle.StatusCanceled, lifecycle.TransitionFields{})
	require.NoError(t, err, "append failure must not fail the transition")
	assert.Equal(t, lifecycle.StatusCanceled, updated.Status)

	stored, err := storage.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusCanceled, stored.Status)
}

func TestManager_ApplyTransition_PersistenceError(t *testing.T) {
	storage := &failingStorage{Storage: memory.New()}
	manager, err := lifecycle.NewManager(storage, lifecycle.Config{})
	require.NoError(t, err)
	ctx := context.Background()

	sub, err := manager.StartTrial(ctx, "fam1")
	require.NoError(t, err)

	writeErr := errors.New("connection reset")
	storage.updateErr = writeErr
	_, err = manager.ApplyTransition(ctx, sub.ID, lifecycle.StatusActive, lifecycle.TransitionFields{})

	var persistErr *lifecycle.TransitionPersistenceError
	require.ErrorAs(t, err, &persistErr)
	assert.Equal(t, sub.ID, persistErr.SubscriptionID)
	assert.ErrorIs(t, err, writeErr)

	assert.Len(t, eventsOf(t, storage, sub.ID), 1, "no event for a failed write")
}

func TestManager_ApplyTransition_ConcurrentSameSubscription(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	sub, err := manager.StartTrial(ctx, "fam1")
	require.NoError(t, err)

	externalID := "sub_1"
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := manager.ApplyTransition(ctx, sub.ID, lifecycle.StatusActive,
				lifecycle.TransitionFields{ExternalID: &externalID}); err != nil {
				t.Errorf("ApplyTransition failed: %v", err)
			}
		}()
	}
	wg.Wait()

	converted, err := storage.CountEvents(ctx, lifecycle.EventQuery{
		Types: []lifecycle.EventType{lifecycle.EventTrialConverted},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, converted, "racing identical transitions convert exactly once")
	assert.Len(t, eventsOf(t, storage, sub.ID), 2)
}

func TestManager_LinkCustomer(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveFamily(ctx, &lifecycle.Family{ID: "fam1", BillingEmail: "a@example.com"}))

	family, err := manager.LinkCustomer(ctx, "fam1", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", family.ExternalCustomerID)

	byCustomer, err := manager.GetFamilyByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "fam1", byCustomer.ID)

	_, err = manager.LinkCustomer(ctx, "missing", "cus_2")
	assert.ErrorIs(t, err, lifecycle.ErrFamilyNotFound)
}

func TestManager_IsBillingBlocked(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	blocked, sub, err := manager.IsBillingBlocked(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Nil(t, sub)

	trial, err := manager.StartTrial(ctx, "fam1")
	require.NoError(t, err)
	blocked, _, err = manager.IsBillingBlocked(ctx, "fam1")
	require.NoError(t, err)
	assert.False(t, blocked)

	_, err = manager.ApplyTransition(ctx, trial.ID, lifecycle.StatusPaused, lifecycle.TransitionFields{})
	require.NoError(t, err)
	blocked, _, err = manager.IsBillingBlocked(ctx, "fam1")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestBlocked(t *testing.T) {
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)

	tests := []struct {
		name string
		sub  lifecycle.Subscription
		want bool
	}{
		{"active", lifecycle.Subscription{Status: lifecycle.StatusActive}, false},
		{"past_due", lifecycle.Subscription{Status: lifecycle.StatusPastDue}, false},
		{"paused", lifecycle.Subscription{Status: lifecycle.StatusPaused}, true},
		{"canceled", lifecycle.Subscription{Status: lifecycle.StatusCanceled}, true},
		{"unpaid", lifecycle.Subscription{Status: lifecycle.StatusUnpaid}, true},
		{"incomplete_expired", lifecycle.Subscription{Status: lifecycle.StatusIncompleteExpired}, true},
		{"trial running", lifecycle.Subscription{Status: lifecycle.StatusTrialing, TrialEndsAt: &future}, false},
		{"trial over", lifecycle.Subscription{Status: lifecycle.StatusTrialing, TrialEndsAt: &past}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := tt.sub
			if got := lifecycle.Blocked(&sub, testNow); got != tt.want {
				t.Errorf("Blocked() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestManager_RecordEvent(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	event := &lifecycle.Event{FamilyID: "fam1", Type: lifecycle.EventPaymentFailed}
	require.NoError(t, manager.RecordEvent(ctx, event))
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, testNow, event.OccurredAt)

	err := manager.RecordEvent(ctx, &lifecycle.Event{FamilyID: "fam1", Type: "plan_changed"})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidEventType)

	count, err := storage.CountEvents(ctx, lifecycle.EventQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
