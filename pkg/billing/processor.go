package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
	"github.com/mihaimyh/gobilling/pkg/tasks"
)

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	// Providers whose events the processor can adapt
	Providers []Provider

	// Notifier sends payment-failed notifications (default: NoopNotifier)
	Notifier lifecycle.Notifier

	// Retries schedules payment retries; nil disables them
	Retries *RetryScheduler

	// Callback is invoked after each processed event
	Callback WebhookCallback

	Metrics Metrics
	Logger  lifecycle.Logger
}

// Processor applies verified webhook events to the lifecycle state.
// It runs off the request path as the billing.webhook task handler.
type Processor struct {
	manager  *lifecycle.Manager
	adapters map[string]Adapter
	notifier lifecycle.Notifier
	retries  *RetryScheduler
	callback WebhookCallback
	metrics  Metrics
	logger   lifecycle.Logger
}

// NewProcessor creates a processor writing through manager.
func NewProcessor(manager *lifecycle.Manager, config ProcessorConfig) *Processor {
	if config.Notifier == nil {
		config.Notifier = &lifecycle.NoopNotifier{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = manager.Logger()
	}

	adapters := make(map[string]Adapter, len(config.Providers))
	for _, provider := range config.Providers {
		adapters[provider.Name()] = provider
	}

	return &Processor{
		manager:  manager,
		adapters: adapters,
		notifier: config.Notifier,
		retries:  config.Retries,
		callback: config.Callback,
		metrics:  config.Metrics,
		logger:   config.Logger,
	}
}

// HandleTask implements tasks.HandlerFunc for billing.webhook.
// Malformed events are marked permanent. Everything else, including a
// customer that no checkout has linked yet, is left to the queue retry policy.
func (p *Processor) HandleTask(ctx context.Context, task *tasks.Task) error {
	var event TrustedEvent
	if err := task.Decode(&event); err != nil {
		return err
	}

	err := p.Process(ctx, &event)
	if err != nil && !retryable(err) {
		return tasks.Permanent(err)
	}
	return err
}

func retryable(err error) bool {
	for _, target := range []error{
		ErrInvalidWebhookPayload,
		ErrUnknownProvider,
		lifecycle.ErrInvalidStatus,
		lifecycle.ErrTrialEndRequired,
		lifecycle.ErrExternalIDRequired,
		lifecycle.ErrFamilyRequired,
		lifecycle.ErrInvalidEventType,
	} {
		if errors.Is(err, target) {
			return false
		}
	}
	return true
}

// HandleDead implements tasks.DeadFunc for billing.webhook. It forgets the
// event's dedupe claim so a provider redelivery is processed again.
func (p *Processor) HandleDead(ctx context.Context, task *tasks.Task, cause error) {
	var event TrustedEvent
	if err := task.Decode(&event); err != nil || event.Provider == "" || event.ID == "" {
		return
	}

	fields := []lifecycle.Field{
		lifecycle.F("provider", event.Provider),
		lifecycle.F("event_id", event.ID),
		lifecycle.F("event_type", event.Type),
		lifecycle.F("attempts", task.Attempts),
	}
	if err := p.manager.Storage().ReleaseClaim(ctx, WebhookClaimKey(event.Provider, event.ID)); err != nil {
		p.logger.Error("Failed to release webhook claim", append(fields, lifecycle.F("error", err))...)
		return
	}
	p.metrics.RecordWebhookError(event.Provider, "dead_letter")
	p.logger.Warn("Dropped webhook event, redelivery will be accepted", append(fields, lifecycle.F("error", cause))...)
}

// Process adapts event and applies its canonical meaning.
func (p *Processor) Process(ctx context.Context, event *TrustedEvent) error {
	startTime := time.Now()

	adapter, ok := p.adapters[event.Provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, event.Provider)
	}

	canonical, err := adapter.Adapt(event)
	if err != nil {
		p.metrics.RecordWebhookError(event.Provider, "invalid_payload")
		return fmt.Errorf("failed to adapt %s event %s: %w", event.Provider, event.ID, err)
	}

	result := WebhookEvent{
		Provider:  event.Provider,
		EventID:   event.ID,
		EventType: event.Type,
		Canonical: canonical,
	}

	switch v := canonical.(type) {
	case SubscriptionChange:
		err = p.applySubscriptionChange(ctx, event, v, &result)
	case PaymentFailed:
		err = p.paymentFailed(ctx, event, v, &result)
	case PaymentSucceeded:
		err = p.paymentSucceeded(ctx, event, v, &result)
	case CheckoutObserved:
		err = p.checkoutObserved(ctx, event, v, &result)
	case OrderObserved:
		p.logger.Info("Billing order created",
			lifecycle.F("provider", event.Provider),
			lifecycle.F("event_id", event.ID),
			lifecycle.F("order_id", v.OrderID),
		)
	case Unhandled:
		p.logger.Warn("Unhandled billing event type",
			lifecycle.F("provider", event.Provider),
			lifecycle.F("event_id", event.ID),
			lifecycle.F("event_type", v.Type),
		)
	}

	if err != nil {
		p.metrics.RecordWebhookEvent(event.Provider, event.Type, "error")
		p.metrics.RecordWebhookError(event.Provider, "processing_error")
		return err
	}

	p.metrics.RecordWebhookEvent(event.Provider, event.Type, "success")
	p.metrics.RecordWebhookProcessingDuration(event.Provider, event.Type, time.Since(startTime))

	if p.callback != nil {
		result.ProcessedAt = p.manager.Now()
		if cbErr := p.callback(ctx, result); cbErr != nil {
			p.logger.Error("Webhook callback failed",
				lifecycle.F("provider", event.Provider),
				lifecycle.F("event_id", event.ID),
				lifecycle.F("error", cbErr),
			)
		}
	}
	return nil
}

// resolveFamily prefers the family id carried in metadata and falls back to
// the provider customer id.
func (p *Processor) resolveFamily(ctx context.Context, familyID, customerID string) (*lifecycle.Family, error) {
	if familyID != "" {
		family, err := p.manager.GetFamily(ctx, familyID)
		if err != nil {
			return nil, fmt.Errorf("failed to load family %s: %w", familyID, err)
		}
		return family, nil
	}
	family, err := p.manager.GetFamilyByCustomerID(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to find family for customer %q: %w", customerID, err)
	}
	return family, nil
}

func (p *Processor) applySubscriptionChange(ctx context.Context, event *TrustedEvent, change SubscriptionChange,
	result *WebhookEvent) error {
	family, err := p.resolveFamily(ctx, change.FamilyID, change.CustomerID)
	if err != nil {
		return err
	}
	result.FamilyID = family.ID

	if change.CustomerID != "" && family.ExternalCustomerID == "" {
		if _, err := p.manager.LinkCustomer(ctx, family.ID, change.CustomerID); err != nil {
			return err
		}
	}

	status := change.Status
	if change.Kind == ChangeCanceled {
		status = lifecycle.StatusCanceled
	}

	existing, err := p.manager.GetSubscriptionByFamily(ctx, family.ID)
	if err != nil && !errors.Is(err, lifecycle.ErrSubscriptionNotFound) {
		return fmt.Errorf("failed to load subscription: %w", err)
	}

	if existing == nil {
		if change.Kind == ChangeCanceled {
			p.logger.Warn("Ignoring cancellation for family without subscription",
				lifecycle.F("provider", event.Provider),
				lifecycle.F("event_id", event.ID),
				lifecycle.F("family_id", family.ID),
			)
			return nil
		}

		created, err := p.manager.CreateSubscription(ctx, &lifecycle.Subscription{
			FamilyID:            family.ID,
			Status:              status,
			Interval:            change.Interval,
			Amount:              amountOrZero(change.Amount),
			Currency:            change.Currency,
			TrialEndsAt:         change.TrialEndsAt,
			CurrentPeriodEndsAt: change.CurrentPeriodEndsAt,
			ExternalID:          change.ExternalID,
			Provider:            event.Provider,
		})
		if err == nil {
			result.Subscription = created
			return nil
		}
		if !errors.Is(err, lifecycle.ErrSubscriptionExists) {
			return err
		}

		// lost a creation race with another event for the same family
		existing, err = p.manager.GetSubscriptionByFamily(ctx, family.ID)
		if err != nil {
			return fmt.Errorf("failed to load subscription: %w", err)
		}
	}

	result.PreviousStatus = existing.Status
	provider := event.Provider
	fields := lifecycle.TransitionFields{
		Currency:            nonEmpty(change.Currency),
		TrialEndsAt:         change.TrialEndsAt,
		CurrentPeriodEndsAt: change.CurrentPeriodEndsAt,
		ExternalID:          nonEmpty(change.ExternalID),
		Provider:            &provider,
	}
	if change.Interval != lifecycle.IntervalNone {
		interval := change.Interval
		fields.Interval = &interval
	}
	if change.Amount != nil {
		amount := *change.Amount
		fields.Amount = &amount
	}

	updated, err := p.manager.ApplyTransition(ctx, existing.ID, status, fields,
		lifecycle.WithEventData(map[string]interface{}{
			"provider":       event.Provider,
			"provider_event": event.Type,
		}),
	)
	if err != nil {
		return err
	}
	result.Subscription = updated
	return nil
}

func (p *Processor) paymentFailed(ctx context.Context, event *TrustedEvent, failed PaymentFailed,
	result *WebhookEvent) error {
	family, err := p.resolveFamily(ctx, "", failed.CustomerID)
	if err != nil {
		return err
	}
	result.FamilyID = family.ID

	sub := p.subscriptionOf(ctx, family.ID)
	var nextAttempt interface{}
	if failed.NextPaymentAttempt != nil {
		nextAttempt = failed.NextPaymentAttempt.UTC().Format(time.RFC3339)
	}

	err = p.recordEvent(ctx, family.ID, sub, lifecycle.EventPaymentFailed, map[string]interface{}{
		"invoice_id":           failed.InvoiceID,
		"amount_due":           failed.AmountDue.StringFixed(2),
		"currency":             failed.Currency,
		"attempt_count":        failed.AttemptCount,
		"next_payment_attempt": nextAttempt,
	})
	if err != nil {
		return err
	}

	fields := []lifecycle.Field{
		lifecycle.F("provider", event.Provider),
		lifecycle.F("event_id", event.ID),
		lifecycle.F("family_id", family.ID),
		lifecycle.F("invoice_id", failed.InvoiceID),
		lifecycle.F("attempt_count", failed.AttemptCount),
	}
	p.logger.Info("Payment failed", fields...)

	if family.BillingEmail != "" {
		planName := ""
		if sub != nil {
			planName = sub.Name()
		}
		payload := map[string]interface{}{
			"plan_name":            planName,
			"amount":               failed.AmountDue.StringFixed(2),
			"currency":             failed.Currency,
			"next_payment_attempt": nextAttempt,
		}
		if err := p.notifier.Send(ctx, lifecycle.TemplatePaymentFailed, family.BillingEmail, payload); err != nil {
			p.logger.Error("Failed to send payment failed notification", append(fields, lifecycle.F("error", err))...)
		}
	}

	if p.retries != nil {
		if _, err := p.retries.ScheduleRetry(ctx, event.Provider, failed.InvoiceID, family.ID,
			failed.AttemptCount); err != nil {
			p.logger.Error("Failed to schedule payment retry", append(fields, lifecycle.F("error", err))...)
		}
	}

	result.Subscription = sub
	return nil
}

func (p *Processor) paymentSucceeded(ctx context.Context, event *TrustedEvent, paid PaymentSucceeded,
	result *WebhookEvent) error {
	family, err := p.resolveFamily(ctx, "", paid.CustomerID)
	if err != nil {
		return err
	}
	result.FamilyID = family.ID

	sub := p.subscriptionOf(ctx, family.ID)
	err = p.recordEvent(ctx, family.ID, sub, lifecycle.EventPaymentSucceeded, map[string]interface{}{
		"invoice_id":  paid.InvoiceID,
		"amount_paid": paid.AmountPaid.StringFixed(2),
		"currency":    paid.Currency,
	})
	if err != nil {
		return err
	}

	p.logger.Info("Payment succeeded",
		lifecycle.F("provider", event.Provider),
		lifecycle.F("event_id", event.ID),
		lifecycle.F("family_id", family.ID),
		lifecycle.F("invoice_id", paid.InvoiceID),
	)
	result.Subscription = sub
	return nil
}

func (p *Processor) checkoutObserved(ctx context.Context, event *TrustedEvent, checkout CheckoutObserved,
	result *WebhookEvent) error {
	fields := []lifecycle.Field{
		lifecycle.F("provider", event.Provider),
		lifecycle.F("event_id", event.ID),
		lifecycle.F("checkout_id", checkout.CheckoutID),
	}
	if checkout.FamilyID == "" || checkout.CustomerID == "" {
		p.logger.Info("Billing checkout observed", fields...)
		return nil
	}

	result.FamilyID = checkout.FamilyID
	if _, err := p.manager.LinkCustomer(ctx, checkout.FamilyID, checkout.CustomerID); err != nil {
		if errors.Is(err, lifecycle.ErrFamilyNotFound) {
			p.logger.Warn("Checkout for unknown family", append(fields, lifecycle.F("family_id", checkout.FamilyID))...)
			return nil
		}
		return err
	}
	return nil
}

func (p *Processor) subscriptionOf(ctx context.Context, familyID string) *lifecycle.Subscription {
	sub, err := p.manager.GetSubscriptionByFamily(ctx, familyID)
	if err != nil {
		return nil
	}
	return sub
}

func (p *Processor) recordEvent(ctx context.Context, familyID string, sub *lifecycle.Subscription,
	eventType lifecycle.EventType, data map[string]interface{}) error {
	event := &lifecycle.Event{FamilyID: familyID, Type: eventType, Data: data}
	if sub != nil {
		event.SubscriptionID = sub.ID
	}
	if err := p.manager.RecordEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to record %s: %w", eventType, err)
	}
	return nil
}

func amountOrZero(amount *decimal.Decimal) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return *amount
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
