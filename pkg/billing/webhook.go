package billing

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing/internal"
	"github.com/mihaimyh/gobilling/pkg/lifecycle"
	"github.com/mihaimyh/gobilling/pkg/tasks"
)

const (
	// TaskWebhook processes one verified webhook event.
	TaskWebhook = "billing.webhook"

	// TaskPaymentRetry retries one failed invoice.
	TaskPaymentRetry = "billing.payment_retry"

	maxWebhookBody      = 256 * 1024
	defaultDedupeTTL    = 7 * 24 * time.Hour
	defaultRateLimit    = 100
	defaultRateLimitWin = time.Minute
)

// WebhookConfig configures a WebhookHandler.
type WebhookConfig struct {
	// Storage holds dedupe claims (required)
	Storage lifecycle.Storage

	// Scheduler receives verified events as billing.webhook tasks (required)
	Scheduler tasks.Scheduler

	// DedupeTTL is how long an event id is remembered (default: 7 days)
	DedupeTTL time.Duration

	// RateLimit is the number of requests per minute per client IP (default: 100).
	// A negative value disables rate limiting.
	RateLimit int

	Metrics Metrics
	Logger  lifecycle.Logger
	Now     func() time.Time
}

// WebhookHandler verifies provider webhooks, drops redeliveries and hands the
// event to the task queue. It never touches subscription state itself.
type WebhookHandler struct {
	provider  Provider
	storage   lifecycle.Storage
	scheduler tasks.Scheduler
	dedupeTTL time.Duration
	metrics   Metrics
	logger    lifecycle.Logger
	now       func() time.Time
	handler   http.Handler
}

// NewWebhookHandler creates the HTTP handler for provider.
func NewWebhookHandler(provider Provider, config WebhookConfig) *WebhookHandler {
	if config.DedupeTTL <= 0 {
		config.DedupeTTL = defaultDedupeTTL
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaultRateLimit
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

	h := &WebhookHandler{
		provider:  provider,
		storage:   config.Storage,
		scheduler: config.Scheduler,
		dedupeTTL: config.DedupeTTL,
		metrics:   config.Metrics,
		logger:    config.Logger,
		now:       config.Now,
	}

	h.handler = http.HandlerFunc(h.handleWebhook)
	if config.RateLimit > 0 {
		h.handler = internal.NewRateLimiter(config.RateLimit, defaultRateLimitWin).Middleware(h.handler)
	}
	return h
}

// ServeHTTP implements http.Handler
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *WebhookHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	name := h.provider.Name()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.provider.Configured() || h.storage == nil || h.scheduler == nil {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.metrics.RecordWebhookError(name, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			h.metrics.RecordWebhookError(name, "invalid_payload")
		}
		return
	}

	event, err := h.provider.Verify(body, r.Header.Get(h.provider.SignatureHeader()))
	if err != nil {
		if errors.Is(err, ErrInvalidWebhookPayload) {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			h.metrics.RecordWebhookError(name, "invalid_payload")
			return
		}
		h.logger.Warn("Rejected webhook with invalid signature",
			lifecycle.F("provider", name),
			lifecycle.F("remote_ip", internal.GetClientIP(r)),
		)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		h.metrics.RecordWebhookError(name, "auth_failed")
		return
	}
	event.ReceivedAt = h.now().UTC()

	fields := []lifecycle.Field{
		lifecycle.F("provider", name),
		lifecycle.F("event_id", event.ID),
		lifecycle.F("event_type", event.Type),
	}

	key := WebhookClaimKey(name, event.ID)
	claimed, err := h.storage.Claim(r.Context(), key, h.dedupeTTL)
	if err != nil {
		h.logger.Error("Failed to claim webhook event", append(fields, lifecycle.F("error", err))...)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		h.metrics.RecordWebhookError(name, "dedupe_failed")
		return
	}
	if !claimed {
		h.logger.Debug("Skipping duplicate webhook event", fields...)
		h.metrics.RecordWebhookEvent(name, event.Type, "duplicate")
		writeOK(w)
		return
	}

	taskID, err := h.scheduler.Enqueue(r.Context(), TaskWebhook, event, time.Time{})
	if err != nil {
		// let the provider redeliver
		if releaseErr := h.storage.ReleaseClaim(r.Context(), key); releaseErr != nil {
			h.logger.Error("Failed to release webhook claim", append(fields, lifecycle.F("error", releaseErr))...)
		}
		h.logger.Error("Failed to enqueue webhook event", append(fields, lifecycle.F("error", err))...)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		h.metrics.RecordWebhookEvent(name, event.Type, "error")
		h.metrics.RecordWebhookError(name, "enqueue_failed")
		return
	}

	h.logger.Info("Accepted webhook event", append(fields, lifecycle.F("task_id", taskID))...)
	writeOK(w)
	h.metrics.RecordWebhookEvent(name, event.Type, "accepted")
	h.metrics.RecordWebhookProcessingDuration(name, event.Type, time.Since(startTime))
}

// WebhookClaimKey is the dedupe key of a provider event.
func WebhookClaimKey(provider, eventID string) string {
	return "webhook:" + provider + ":" + eventID
}

func writeOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
