package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
	"github.com/mihaimyh/gobilling/storage/memory"
)

type sentNotification struct {
	template  lifecycle.Template
	recipient string
	payload   map[string]interface{}
}

type recordingNotifier struct {
	mu       sync.Mutex
	sent     []sentNotification
	failures int
}

func (n *recordingNotifier) Send(_ context.Context, template lifecycle.Template, recipient string,
	payload map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failures > 0 {
		n.failures--
		return errors.New("smtp unavailable")
	}
	n.sent = append(n.sent, sentNotification{template, recipient, payload})
	return nil
}

func (n *recordingNotifier) count(template lifecycle.Template) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.template == template {
			c++
		}
	}
	return c
}

type scannerFixture struct {
	manager  *lifecycle.Manager
	storage  *memory.Storage
	notifier *recordingNotifier
	scanner  *lifecycle.TrialScanner
}

func newScannerFixture(t *testing.T, mode lifecycle.DeploymentMode) *scannerFixture {
	t.Helper()
	storage := memory.New()
	storage.SetClock(func() time.Time { return testNow })
	manager, err := lifecycle.NewManager(storage, lifecycle.Config{
		Now: func() time.Time { return testNow },
	})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	scanner := lifecycle.NewTrialScanner(manager, lifecycle.ScannerConfig{
		Mode:     mode,
		Notifier: notifier,
	})
	return &scannerFixture{manager: manager, storage: storage, notifier: notifier, scanner: scanner}
}

// trialEndingAt creates a family with an email and a trial ending at end.
func (f *scannerFixture) trialEndingAt(t *testing.T, familyID string, end time.Time) *lifecycle.Subscription {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.storage.SaveFamily(ctx, &lifecycle.Family{ID: familyID, BillingEmail: familyID + "@example.com"}))
	sub, err := f.manager.CreateSubscription(ctx, &lifecycle.Subscription{
		FamilyID:    familyID,
		Status:      lifecycle.StatusTrialing,
		TrialEndsAt: &end,
	})
	require.NoError(t, err)
	return sub
}

func (f *scannerFixture) countEvents(t *testing.T, eventType lifecycle.EventType) int {
	t.Helper()
	n, err := f.storage.CountEvents(context.Background(), lifecycle.EventQuery{
		Types: []lifecycle.EventType{eventType},
	})
	require.NoError(t, err)
	return n
}

func TestTrialScanner_RemindExpiring(t *testing.T) {
	f := newScannerFixture(t, lifecycle.ModeManaged)
	ctx := context.Background()
	today := lifecycle.StartOfDay(testNow)

	target := f.trialEndingAt(t, "fam-target", today.Add(3*24*time.Hour))
	f.trialEndingAt(t, "fam-late-same-day", today.Add(3*24*time.Hour+23*time.Hour))
	f.trialEndingAt(t, "fam-next-day", today.Add(4*24*time.Hour))
	f.trialEndingAt(t, "fam-day-before", today.Add(3*24*time.Hour-time.Second))

	sent, err := f.scanner.RemindExpiring(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	events, err := f.storage.ListEvents(ctx, lifecycle.EventQuery{
		SubscriptionID: target.ID,
		Types:          []lifecycle.EventType{lifecycle.EventTrialExpirationReminderSent},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 3, events[0].Data["days_remaining"])

	assert.Equal(t, 2, f.notifier.count(lifecycle.TemplateTrialExpiringSoon))
	assert.Equal(t, 2, f.countEvents(t, lifecycle.EventTrialExpirationReminderSent))
}

func TestTrialScanner_RemindExpiring_OncePerDay(t *testing.T) {
	f := newScannerFixture(t, lifecycle.ModeManaged)
	ctx := context.Background()
	f.trialEndingAt(t, "fam1", lifecycle.StartOfDay(testNow).Add(24*time.Hour))

	for i := 0; i < 3; i++ {
		_, err := f.scanner.RemindExpiring(ctx, 1)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, f.notifier.count(lifecycle.TemplateTrialExpiringSoon))
	assert.Equal(t, 1, f.countEvents(t, lifecycle.EventTrialExpirationReminderSent))
}

func TestTrialScanner_RemindExpiring_RetriesAfterSendFailure(t *testing.T) {
	f := newScannerFixture(t, lifecycle.ModeManaged)
	ctx := context.Background()
	f.trialEndingAt(t, "fam1", lifecycle.StartOfDay(testNow).Add(24*time.Hour))
	f.notifier.failures = 1

	sent, err := f.scanner.RemindExpiring(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 0, f.countEvents(t, lifecycle.EventTrialExpirationReminderSent))

	sent, err = f.scanner.RemindExpiring(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, sent, "a failed send does not hold the reminder claim")
	assert.Equal(t, 1, f.notifier.count(lifecycle.TemplateTrialExpiringSoon))
}

func TestTrialScanner_RemindExpiring_SkipsFamiliesWithoutEmail(t *testing.T) {
	f := newScannerFixture(t, lifecycle.ModeManaged)
	ctx := context.Background()

	end := lifecycle.StartOfDay(testNow).Add(24 * time.Hour)
	require.NoError(t, f.storage.SaveFamily(ctx, &lifecycle.Family{ID: "fam1"}))
	_, err := f.manager.CreateSubscription(ctx, &lifecycle.Subscription{
		FamilyID: "fam1", Status: lifecycle.StatusTrialing, TrialEndsAt: &end,
	})
	require.NoError(t, err)

	sent, err := f.scanner.RemindExpiring(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Zero(t, f.countEvents(t, lifecycle.EventTrialExpirationReminderSent))
}

func TestTrialScanner_ExpireTrials(t *testing.T) {
	f := newScannerFixture(t, lifecycle.ModeManaged)
	ctx := context.Background()
	today := lifecycle.StartOfDay(testNow)

	expired := f.trialEndingAt(t, "fam-expired", today.Add(-24*time.Hour))
	endsToday := f.trialEndingAt(t, "fam-today", today.Add(time.Hour))

	n, err := f.scanner.ExpireTrials(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sub, err := f.storage.GetSubscription(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusPaused, sub.Status)
	assert.Nil(t, sub.TrialEndsAt)

	events, err := f.storage.ListEvents(ctx, lifecycle.EventQuery{
		SubscriptionID: expired.ID,
		Types:          []lifecycle.EventType{lifecycle.EventTrialExpired},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, testNow.UTC().Format(time.RFC3339), events[0].Data["expired_at"], "time of the sweep")
	assert.Equal(t, today.Add(-24*time.Hour).Format(time.RFC3339), events[0].Data["trial_ends_at"])
	assert.Equal(t, "paused", events[0].Data["current_status"])

	untouched, err := f.storage.GetSubscription(ctx, endsToday.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusTrialing, untouched.Status)

	assert.Equal(t, 1, f.notifier.count(lifecycle.TemplateTrialExpired))

	// a second sweep finds nothing left to expire
	n, err = f.scanner.ExpireTrials(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.countEvents(t, lifecycle.EventTrialExpired))
}

func TestTrialScanner_Sweep(t *testing.T) {
	f := newScannerFixture(t, lifecycle.ModeManaged)
	ctx := context.Background()
	today := lifecycle.StartOfDay(testNow)

	f.trialEndingAt(t, "fam-3d", today.Add(3*24*time.Hour))
	f.trialEndingAt(t, "fam-1d", today.Add(24*time.Hour))
	f.trialEndingAt(t, "fam-expired", today.Add(-2*24*time.Hour))

	result, err := f.scanner.Sweep(ctx)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 1, result.RemindersSent[3])
	assert.Equal(t, 1, result.RemindersSent[1])
	assert.Equal(t, 1, result.TrialsExpired)
}

func TestTrialScanner_SelfHostedIsNoop(t *testing.T) {
	f := newScannerFixture(t, lifecycle.ModeSelfHosted)
	ctx := context.Background()
	today := lifecycle.StartOfDay(testNow)

	expired := f.trialEndingAt(t, "fam-expired", today.Add(-24*time.Hour))
	f.trialEndingAt(t, "fam-1d", today.Add(24*time.Hour))

	result, err := f.scanner.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	n, err := f.scanner.ExpireTrials(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	sub, err := f.storage.GetSubscription(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusTrialing, sub.Status)
	assert.Empty(t, f.notifier.sent)
}

func TestTrialScanner_SweepSkipsWhenLocked(t *testing.T) {
	f := newScannerFixture(t, lifecycle.ModeManaged)
	locker := lifecycle.NewMemoryLocker()
	scanner := lifecycle.NewTrialScanner(f.manager, lifecycle.ScannerConfig{Locker: locker})
	ctx := context.Background()

	release, ok, err := locker.TryAcquire(ctx, "trial-scanner", 0)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	result, err := scanner.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestReminderClaimKey(t *testing.T) {
	end := time.Date(2026, 3, 13, 18, 0, 0, 0, time.UTC)
	assert.Equal(t, "trial-reminder:sub1:3:2026-03-13", lifecycle.ReminderClaimKey("sub1", 3, end))
}
