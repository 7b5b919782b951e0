package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/lifecycle"
	"github.com/mihaimyh/gobilling/pkg/tasks"
)

func newProcessor(f *fixture, callback billing.WebhookCallback) *billing.Processor {
	return billing.NewProcessor(f.manager, billing.ProcessorConfig{
		Providers: []billing.Provider{f.provider},
		Notifier:  f.notifier,
		Retries: billing.NewRetryScheduler(f.client, billing.RetrySchedulerConfig{
			Now: func() time.Time { return testNow },
		}),
		Callback: callback,
	})
}

func (f *fixture) process(t *testing.T, p *billing.Processor, id string, c billing.Canonical) error {
	t.Helper()
	f.provider.canonicals[id] = c
	return p.Process(context.Background(), &billing.TrustedEvent{Provider: "stripe", ID: id, Type: "test.event"})
}

func webhookTask(t *testing.T, event billing.TrustedEvent) *tasks.Task {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return &tasks.Task{ID: "task_" + event.ID, Name: billing.TaskWebhook, Payload: payload}
}

func TestProcessor_TrialToActiveLifecycle(t *testing.T) {
	f := newFixture(t)
	f.addFamily(t, "fam_1", "owner@example.com", "")

	var results []billing.WebhookEvent
	p := newProcessor(f, func(_ context.Context, e billing.WebhookEvent) error {
		results = append(results, e)
		return nil
	})

	trialEnd := testNow.Add(14 * 24 * time.Hour)
	err := f.process(t, p, "evt_1", billing.SubscriptionChange{
		Kind:        billing.ChangeCreated,
		ExternalID:  "sub_1",
		CustomerID:  "cus_1",
		FamilyID:    "fam_1",
		Status:      lifecycle.StatusTrialing,
		Interval:    lifecycle.IntervalMonth,
		Amount:      decimalPtr("12.99"),
		Currency:    "usd",
		TrialEndsAt: &trialEnd,
	})
	require.NoError(t, err)

	family, err := f.manager.GetFamily(context.Background(), "fam_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", family.ExternalCustomerID)

	sub, err := f.manager.GetSubscriptionByFamily(context.Background(), "fam_1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusTrialing, sub.Status)
	assert.Equal(t, "stripe", sub.Provider)

	// customer id alone resolves the family from now on
	err = f.process(t, p, "evt_2", billing.SubscriptionChange{
		Kind:       billing.ChangeUpdated,
		ExternalID: "sub_1",
		CustomerID: "cus_1",
		Status:     lifecycle.StatusActive,
	})
	require.NoError(t, err)

	assert.Equal(t,
		[]lifecycle.EventType{lifecycle.EventTrialConverted, lifecycle.EventTrialStarted},
		eventTypes(f.events(t, "fam_1")))

	require.Len(t, results, 2)
	assert.Equal(t, lifecycle.StatusTrialing, results[1].PreviousStatus)
	assert.Equal(t, lifecycle.StatusActive, results[1].Subscription.Status)
	assert.Equal(t, "fam_1", results[1].FamilyID)
	assert.True(t, results[1].Subscription.Amount.Equal(decimal.RequireFromString("12.99")),
		"amount must survive an update that carries none")
}

func TestProcessor_SameStatusWritesNoEvent(t *testing.T) {
	f := newFixture(t)
	f.addFamily(t, "fam_1", "", "cus_1")
	p := newProcessor(f, nil)

	change := billing.SubscriptionChange{
		Kind: billing.ChangeUpdated, ExternalID: "sub_1", CustomerID: "cus_1", Status: lifecycle.StatusActive,
	}
	require.NoError(t, f.process(t, p, "evt_1", change))
	require.NoError(t, f.process(t, p, "evt_2", change))

	assert.Equal(t, []lifecycle.EventType{lifecycle.EventSubscriptionCreated}, eventTypes(f.events(t, "fam_1")))
}

func TestProcessor_Cancellation(t *testing.T) {
	f := newFixture(t)
	f.addFamily(t, "fam_1", "", "cus_1")
	f.addFamily(t, "fam_2", "", "cus_2")
	p := newProcessor(f, nil)

	require.NoError(t, f.process(t, p, "evt_1", billing.SubscriptionChange{
		Kind: billing.ChangeCreated, ExternalID: "sub_1", CustomerID: "cus_1", Status: lifecycle.StatusActive,
	}))
	require.NoError(t, f.process(t, p, "evt_2", billing.SubscriptionChange{
		Kind: billing.ChangeCanceled, ExternalID: "sub_1", CustomerID: "cus_1", Status: lifecycle.StatusActive,
	}))

	sub, err := f.manager.GetSubscriptionByFamily(context.Background(), "fam_1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusCanceled, sub.Status)
	assert.Equal(t, lifecycle.EventSubscriptionCanceled, f.events(t, "fam_1")[0].Type)

	// cancel for a family that never subscribed is ignored
	require.NoError(t, f.process(t, p, "evt_3", billing.SubscriptionChange{
		Kind: billing.ChangeCanceled, ExternalID: "sub_2", CustomerID: "cus_2",
	}))
	_, err = f.manager.GetSubscriptionByFamily(context.Background(), "fam_2")
	assert.ErrorIs(t, err, lifecycle.ErrSubscriptionNotFound)
	assert.Empty(t, f.events(t, "fam_2"))
}

func TestProcessor_PaymentFailed(t *testing.T) {
	f := newFixture(t)
	f.addFamily(t, "fam_1", "owner@example.com", "cus_1")
	p := newProcessor(f, nil)

	require.NoError(t, f.process(t, p, "evt_sub", billing.SubscriptionChange{
		Kind: billing.ChangeCreated, ExternalID: "sub_1", CustomerID: "cus_1",
		Status: lifecycle.StatusActive, Interval: lifecycle.IntervalYear,
	}))

	next := testNow.Add(72 * time.Hour)
	require.NoError(t, f.process(t, p, "evt_fail", billing.PaymentFailed{
		InvoiceID:          "in_1",
		CustomerID:         "cus_1",
		AmountDue:          decimal.RequireFromString("99"),
		Currency:           "usd",
		AttemptCount:       1,
		NextPaymentAttempt: &next,
	}))

	events := f.events(t, "fam_1")
	require.Len(t, events, 2)
	failed := events[0]
	assert.Equal(t, lifecycle.EventPaymentFailed, failed.Type)
	assert.NotEmpty(t, failed.SubscriptionID)
	assert.Equal(t, "in_1", failed.Data["invoice_id"])
	assert.Equal(t, "99.00", failed.Data["amount_due"])
	assert.Equal(t, 1, failed.Data["attempt_count"])
	assert.Equal(t, next.Format(time.RFC3339), failed.Data["next_payment_attempt"])

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, lifecycle.TemplatePaymentFailed, f.notifier.sent[0].template)
	assert.Equal(t, "owner@example.com", f.notifier.sent[0].recipient)
	assert.Equal(t, "Annual Plan", f.notifier.sent[0].payload["plan_name"])

	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, billing.TaskPaymentRetry, pending[0].Name)
	assert.Equal(t, testNow.Add(24*time.Hour), pending[0].RunAt)

	var payload billing.RetryPayload
	require.NoError(t, pending[0].Decode(&payload))
	assert.Equal(t, billing.RetryPayload{Provider: "stripe", InvoiceID: "in_1", FamilyID: "fam_1"}, payload)
}

func TestProcessor_PaymentFailedAtCapSchedulesNothing(t *testing.T) {
	f := newFixture(t)
	f.addFamily(t, "fam_1", "", "cus_1")
	p := newProcessor(f, nil)

	require.NoError(t, f.process(t, p, "evt_fail", billing.PaymentFailed{
		InvoiceID: "in_1", CustomerID: "cus_1", AmountDue: decimal.RequireFromString("5"), AttemptCount: 3,
	}))

	assert.Equal(t, 0, f.queue.Len())
	assert.Empty(t, f.notifier.sent, "no billing email, no notification")
	require.Len(t, f.events(t, "fam_1"), 1)
}

func TestProcessor_NotificationFailureDoesNotFailEvent(t *testing.T) {
	f := newFixture(t)
	f.addFamily(t, "fam_1", "owner@example.com", "cus_1")
	f.notifier.err = errors.New("smtp down")
	p := newProcessor(f, nil)

	err := f.process(t, p, "evt_fail", billing.PaymentFailed{
		InvoiceID: "in_1", CustomerID: "cus_1", AmountDue: decimal.RequireFromString("5"), AttemptCount: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.queue.Len())
}

func TestProcessor_PaymentSucceeded(t *testing.T) {
	f := newFixture(t)
	f.addFamily(t, "fam_1", "", "cus_1")
	p := newProcessor(f, nil)

	require.NoError(t, f.process(t, p, "evt_paid", billing.PaymentSucceeded{
		InvoiceID: "in_1", CustomerID: "cus_1", AmountPaid: decimal.RequireFromString("12.5"), Currency: "eur",
	}))

	events := f.events(t, "fam_1")
	require.Len(t, events, 1)
	assert.Equal(t, lifecycle.EventPaymentSucceeded, events[0].Type)
	assert.Equal(t, "12.50", events[0].Data["amount_paid"])
	assert.Empty(t, events[0].SubscriptionID)
}

func TestProcessor_CheckoutLinksCustomer(t *testing.T) {
	f := newFixture(t)
	f.addFamily(t, "fam_1", "", "")
	p := newProcessor(f, nil)

	require.NoError(t, f.process(t, p, "evt_co", billing.CheckoutObserved{
		CheckoutID: "cs_1", CustomerID: "cus_9", FamilyID: "fam_1",
	}))
	family, err := f.manager.GetFamilyByCustomerID(context.Background(), "cus_9")
	require.NoError(t, err)
	assert.Equal(t, "fam_1", family.ID)
	assert.Empty(t, f.events(t, "fam_1"), "checkouts write no events")

	// unknown family is logged, not retried
	require.NoError(t, f.process(t, p, "evt_co2", billing.CheckoutObserved{
		CheckoutID: "cs_2", CustomerID: "cus_x", FamilyID: "fam_missing",
	}))
}

func TestProcessor_UnhandledAndOrders(t *testing.T) {
	f := newFixture(t)
	f.addFamily(t, "fam_1", "", "cus_1")

	var results []billing.WebhookEvent
	p := newProcessor(f, func(_ context.Context, e billing.WebhookEvent) error {
		results = append(results, e)
		return errors.New("callback failures are logged")
	})

	require.NoError(t, f.process(t, p, "evt_u", billing.Unhandled{Type: "charge.refunded"}))
	require.NoError(t, f.process(t, p, "evt_o", billing.OrderObserved{OrderID: "ord_1"}))
	assert.Empty(t, f.events(t, "fam_1"))
	assert.Len(t, results, 2)
}

func TestProcessor_HandleTaskClassifiesErrors(t *testing.T) {
	f := newFixture(t)
	p := newProcessor(f, nil)
	ctx := context.Background()

	t.Run("unlinked customer is retried", func(t *testing.T) {
		f.provider.canonicals["evt_1"] = billing.PaymentFailed{InvoiceID: "in_1", CustomerID: "cus_nobody"}
		err := p.HandleTask(ctx, webhookTask(t, billing.TrustedEvent{Provider: "stripe", ID: "evt_1"}))
		require.Error(t, err)
		assert.False(t, tasks.IsPermanent(err))
		assert.ErrorIs(t, err, lifecycle.ErrFamilyNotFound)
	})

	t.Run("unknown provider is permanent", func(t *testing.T) {
		err := p.HandleTask(ctx, webhookTask(t, billing.TrustedEvent{Provider: "paddle", ID: "evt_2"}))
		assert.True(t, tasks.IsPermanent(err))
		assert.ErrorIs(t, err, billing.ErrUnknownProvider)
	})

	t.Run("adapt error is permanent", func(t *testing.T) {
		f.provider.adaptErrs["evt_3"] = billing.ErrInvalidWebhookPayload
		err := p.HandleTask(ctx, webhookTask(t, billing.TrustedEvent{Provider: "stripe", ID: "evt_3"}))
		assert.True(t, tasks.IsPermanent(err))
	})

	t.Run("undecodable payload is permanent", func(t *testing.T) {
		err := p.HandleTask(ctx, &tasks.Task{ID: "t", Name: billing.TaskWebhook, Payload: []byte("nope")})
		assert.True(t, tasks.IsPermanent(err))
	})
}

func TestProcessor_StorageFaultIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.addFamily(t, "fam_1", "", "cus_1")

	broken := &appendFailingStorage{Storage: f.storage}
	manager, err := lifecycle.NewManager(broken, lifecycle.Config{Now: func() time.Time { return testNow }})
	require.NoError(t, err)
	p := billing.NewProcessor(manager, billing.ProcessorConfig{Providers: []billing.Provider{f.provider}})

	f.provider.canonicals["evt_1"] = billing.PaymentSucceeded{InvoiceID: "in_1", CustomerID: "cus_1"}
	err = p.HandleTask(context.Background(), webhookTask(t, billing.TrustedEvent{Provider: "stripe", ID: "evt_1"}))
	require.Error(t, err)
	assert.False(t, tasks.IsPermanent(err))
}

// webhookPipeline runs the handler, the queue and the worker together on a
// clock the test controls.
type webhookPipeline struct {
	handler *billing.WebhookHandler
	worker  *tasks.Worker
	now     time.Time
}

func newWebhookPipeline(f *fixture, maxAttempts int) *webhookPipeline {
	pl := &webhookPipeline{now: testNow}
	clock := func() time.Time { return pl.now }

	p := newProcessor(f, nil)
	pl.worker = tasks.NewWorker(f.queue, tasks.WorkerConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: 10 * time.Second,
		Reporter:       &recordingReporter{},
		Now:            clock,
	})
	pl.worker.Handle(billing.TaskWebhook, p.HandleTask)
	pl.worker.HandleDead(billing.TaskWebhook, p.HandleDead)
	pl.handler = newHandler(f, tasks.NewClient(f.queue, tasks.ClientConfig{Now: clock}))
	return pl
}

func (pl *webhookPipeline) runOnce(t *testing.T) int {
	t.Helper()
	n, err := pl.worker.RunOnce(context.Background())
	require.NoError(t, err)
	return n
}

func TestProcessor_PaymentBeforeCheckoutIsRetried(t *testing.T) {
	f := newFixture(t)
	f.addFamily(t, "fam_1", "", "")
	pl := newWebhookPipeline(f, 5)

	f.provider.canonicals["evt_paid"] = billing.PaymentSucceeded{
		InvoiceID: "in_1", CustomerID: "cus_1", AmountPaid: decimal.RequireFromString("12"), Currency: "usd",
	}
	f.provider.canonicals["evt_co"] = billing.CheckoutObserved{CheckoutID: "cs_1", CustomerID: "cus_1", FamilyID: "fam_1"}

	require.Equal(t, http.StatusOK, post(pl.handler, "evt_paid", validSignature).Code)
	assert.Equal(t, 1, pl.runOnce(t))

	pending := f.queue.Pending()
	require.Len(t, pending, 1, "payment for an unlinked customer waits for a retry")
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Empty(t, f.events(t, "fam_1"))

	require.Equal(t, http.StatusOK, post(pl.handler, "evt_co", validSignature).Code)
	assert.Equal(t, 1, pl.runOnce(t), "only the checkout is due")

	pl.now = pl.now.Add(time.Minute)
	assert.Equal(t, 1, pl.runOnce(t))
	assert.Zero(t, f.queue.Len())

	events := f.events(t, "fam_1")
	require.Len(t, events, 1)
	assert.Equal(t, lifecycle.EventPaymentSucceeded, events[0].Type)
	assert.Equal(t, "in_1", events[0].Data["invoice_id"])
}

func TestProcessor_DeadWebhookCanBeRedelivered(t *testing.T) {
	t.Run("permanent failure", func(t *testing.T) {
		f := newFixture(t)
		pl := newWebhookPipeline(f, 5)
		f.provider.adaptErrs["evt_bad"] = billing.ErrInvalidWebhookPayload

		require.Equal(t, http.StatusOK, post(pl.handler, "evt_bad", validSignature).Code)
		assert.Equal(t, 1, pl.runOnce(t))
		assert.Zero(t, f.queue.Len())

		require.Equal(t, http.StatusOK, post(pl.handler, "evt_bad", validSignature).Code)
		assert.Equal(t, 1, f.queue.Len(), "redelivery is enqueued again")
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		f := newFixture(t)
		pl := newWebhookPipeline(f, 2)
		f.provider.canonicals["evt_paid"] = billing.PaymentSucceeded{InvoiceID: "in_1", CustomerID: "cus_gone"}

		require.Equal(t, http.StatusOK, post(pl.handler, "evt_paid", validSignature).Code)
		pl.runOnce(t)
		require.Equal(t, http.StatusOK, post(pl.handler, "evt_paid", validSignature).Code)
		assert.Equal(t, 1, f.queue.Len(), "still deduped while a retry is pending")

		pl.now = pl.now.Add(time.Hour)
		pl.runOnce(t)
		assert.Zero(t, f.queue.Len())

		require.Equal(t, http.StatusOK, post(pl.handler, "evt_paid", validSignature).Code)
		assert.Equal(t, 1, f.queue.Len())
	})
}

func decimalPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestProcessor_FreePlanAmountIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.addFamily(t, "fam_1", "", "cus_1")
	p := newProcessor(f, nil)

	require.NoError(t, f.process(t, p, "evt_1", billing.SubscriptionChange{
		Kind: billing.ChangeCreated, ExternalID: "sub_1", CustomerID: "cus_1",
		Status: lifecycle.StatusActive, Amount: decimalPtr("12.99"),
	}))
	require.NoError(t, f.process(t, p, "evt_2", billing.SubscriptionChange{
		Kind: billing.ChangeUpdated, ExternalID: "sub_1", CustomerID: "cus_1",
		Status: lifecycle.StatusActive, Amount: decimalPtr("0"),
	}))

	sub, err := f.manager.GetSubscriptionByFamily(context.Background(), "fam_1")
	require.NoError(t, err)
	assert.True(t, sub.Amount.IsZero(), "amount = %s", sub.Amount)
}
