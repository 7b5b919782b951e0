package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
	"github.com/mihaimyh/gobilling/pkg/tasks"
)

const day = 24 * time.Hour

// RetryPolicy caps and spaces the payment retries the pipeline schedules on top
// of the provider's own dunning.
type RetryPolicy struct {
	// MaxAttempts is the provider attempt count at which retries stop (default: 3)
	MaxAttempts int
}

// DefaultRetryPolicy returns the 1, 3, 7 day policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3}
}

// Delay returns the wait before retrying after the given failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	switch {
	case attempt <= 1:
		return day
	case attempt == 2:
		return 3 * day
	default:
		return 7 * day
	}
}

// ShouldRetry reports whether another retry follows the given failed attempt.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.maxAttempts()
}

// Check returns ErrRetryExhausted when no retry follows attempt.
func (p RetryPolicy) Check(attempt int) error {
	if !p.ShouldRetry(attempt) {
		return fmt.Errorf("%w: attempt %d of %d", ErrRetryExhausted, attempt, p.maxAttempts())
	}
	return nil
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultRetryPolicy().MaxAttempts
	}
	return p.MaxAttempts
}

// RetryPayload is the payload of a billing.payment_retry task.
type RetryPayload struct {
	Provider  string `json:"provider"`
	InvoiceID string `json:"invoice_id"`
	FamilyID  string `json:"family_id"`
}

// RetryScheduler turns payment failures into delayed retry tasks.
type RetryScheduler struct {
	scheduler tasks.Scheduler
	policy    RetryPolicy
	metrics   Metrics
	logger    lifecycle.Logger
	now       func() time.Time
}

// RetrySchedulerConfig configures a RetryScheduler.
type RetrySchedulerConfig struct {
	Policy  RetryPolicy
	Metrics Metrics
	Logger  lifecycle.Logger
	Now     func() time.Time
}

// NewRetryScheduler creates a scheduler enqueuing onto scheduler.
func NewRetryScheduler(scheduler tasks.Scheduler, config RetrySchedulerConfig) *RetryScheduler {
	if config.Policy.MaxAttempts <= 0 {
		config.Policy = DefaultRetryPolicy()
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &lifecycle.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &RetryScheduler{
		scheduler: scheduler,
		policy:    config.Policy,
		metrics:   config.Metrics,
		logger:    config.Logger,
		now:       config.Now,
	}
}

// ScheduleRetry enqueues a retry of invoiceID after the failed attempt
// attemptCount. It returns false, without error, once retries are exhausted.
func (s *RetryScheduler) ScheduleRetry(ctx context.Context, provider, invoiceID, familyID string,
	attemptCount int) (bool, error) {
	fields := []lifecycle.Field{
		lifecycle.F("provider", provider),
		lifecycle.F("invoice_id", invoiceID),
		lifecycle.F("family_id", familyID),
		lifecycle.F("attempt_count", attemptCount),
	}

	if err := s.policy.Check(attemptCount); err != nil {
		s.logger.Info("Payment retries exhausted", fields...)
		s.metrics.RecordPaymentRetry(provider, "exhausted")
		return false, nil
	}

	runAt := s.now().UTC().Add(s.policy.Delay(attemptCount))
	taskID, err := s.scheduler.Enqueue(ctx, TaskPaymentRetry, RetryPayload{
		Provider:  provider,
		InvoiceID: invoiceID,
		FamilyID:  familyID,
	}, runAt)
	if err != nil {
		return false, fmt.Errorf("failed to schedule payment retry: %w", err)
	}

	s.logger.Info("Scheduled payment retry",
		append(fields,
			lifecycle.F("task_id", taskID),
			lifecycle.F("run_at", runAt.Format(time.RFC3339)),
		)...,
	)
	s.metrics.RecordPaymentRetry(provider, "scheduled")
	return true, nil
}

// RetryExecutorConfig configures a RetryExecutor.
type RetryExecutorConfig struct {
	// Invoices maps provider names to their invoice clients
	Invoices map[string]InvoiceClient

	// Reporter receives unexpected failures (default: log only)
	Reporter tasks.ErrorReporter

	Metrics Metrics
	Logger  lifecycle.Logger
}

// RetryExecutor runs billing.payment_retry tasks.
type RetryExecutor struct {
	manager  *lifecycle.Manager
	invoices map[string]InvoiceClient
	reporter tasks.ErrorReporter
	metrics  Metrics
	logger   lifecycle.Logger
}

// NewRetryExecutor creates an executor recording events through manager.
func NewRetryExecutor(manager *lifecycle.Manager, config RetryExecutorConfig) *RetryExecutor {
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = manager.Logger()
	}
	if config.Reporter == nil {
		config.Reporter = &tasks.LogReporter{Logger: config.Logger}
	}
	return &RetryExecutor{
		manager:  manager,
		invoices: config.Invoices,
		reporter: config.Reporter,
		metrics:  config.Metrics,
		logger:   config.Logger,
	}
}

// HandleTask implements tasks.HandlerFunc for billing.payment_retry.
func (e *RetryExecutor) HandleTask(ctx context.Context, task *tasks.Task) error {
	var payload RetryPayload
	if err := task.Decode(&payload); err != nil {
		return err
	}
	return e.Execute(ctx, payload)
}

// Execute retries one invoice if it is still open.
//
// Provider errors are logged and swallowed: the provider's own webhooks report
// the outcome and a failed retry is never rescheduled from here. Only storage
// failures are returned, so the task queue can try again.
func (e *RetryExecutor) Execute(ctx context.Context, payload RetryPayload) error {
	fields := []lifecycle.Field{
		lifecycle.F("provider", payload.Provider),
		lifecycle.F("invoice_id", payload.InvoiceID),
		lifecycle.F("family_id", payload.FamilyID),
	}

	family, err := e.manager.GetFamily(ctx, payload.FamilyID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrFamilyNotFound) {
			e.logger.Warn("Skipping payment retry for unknown family", fields...)
			e.metrics.RecordPaymentRetry(payload.Provider, "skipped")
			return nil
		}
		return fmt.Errorf("failed to load family: %w", err)
	}
	if family.ExternalCustomerID == "" {
		e.logger.Warn("Skipping payment retry for family without billing customer", fields...)
		e.metrics.RecordPaymentRetry(payload.Provider, "skipped")
		return nil
	}

	client, ok := e.invoices[payload.Provider]
	if !ok {
		return tasks.Permanent(fmt.Errorf("%w: %s", ErrUnknownProvider, payload.Provider))
	}

	invoice, err := client.GetInvoice(ctx, payload.InvoiceID)
	if err != nil {
		e.providerFailure(ctx, payload.Provider, err, fields)
		return nil
	}
	if invoice.Status != InvoiceStatusOpen {
		e.logger.Info("Invoice no longer open, skipping payment retry",
			append(fields, lifecycle.F("invoice_status", invoice.Status))...)
		e.metrics.RecordPaymentRetry(payload.Provider, "skipped")
		return nil
	}

	if _, err := client.PayInvoice(ctx, payload.InvoiceID); err != nil {
		e.providerFailure(ctx, payload.Provider, err, fields)
		return nil
	}

	event := &lifecycle.Event{
		FamilyID: family.ID,
		Type:     lifecycle.EventPaymentRetryAttempted,
		Data: map[string]interface{}{
			"invoice_id":  payload.InvoiceID,
			"retry_count": invoice.AttemptCount,
		},
	}
	if sub, err := e.manager.GetSubscriptionByFamily(ctx, family.ID); err == nil {
		event.SubscriptionID = sub.ID
	}
	if err := e.manager.RecordEvent(ctx, event); err != nil {
		e.logger.Error("Failed to record subscription event",
			append(fields,
				lifecycle.F("event_type", string(lifecycle.EventPaymentRetryAttempted)),
				lifecycle.F("error", err),
			)...,
		)
	}

	e.logger.Info("Payment retry attempted", append(fields, lifecycle.F("retry_count", invoice.AttemptCount))...)
	e.metrics.RecordPaymentRetry(payload.Provider, "attempted")
	return nil
}

func (e *RetryExecutor) providerFailure(ctx context.Context, provider string, err error, fields []lifecycle.Field) {
	e.metrics.RecordPaymentRetry(provider, "failed")

	var reqErr *ProviderRequestError
	if errors.As(err, &reqErr) && (reqErr.IsCardError() || reqErr.IsInvalidRequest()) {
		e.logger.Error("Payment retry failed", append(fields, lifecycle.F("error", err))...)
		return
	}
	e.reporter.Report(ctx, fmt.Errorf("payment retry failed: %w", err), fields...)
}
