package billing

import (
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// Plan is a purchasable billing cadence.
type Plan string

const (
	PlanMonthly Plan = "monthly"
	PlanAnnual  Plan = "annual"
)

// PriceMapping maps plans to provider price ids.
type PriceMapping map[Plan]string

// PriceFor returns the price id for plan, falling back to the monthly price.
func (m PriceMapping) PriceFor(plan Plan) (string, error) {
	if id := m[plan]; id != "" {
		return id, nil
	}
	if id := m[PlanMonthly]; id != "" {
		return id, nil
	}
	return "", ErrPlanNotConfigured
}

// IntervalFor returns the subscription interval of plan.
func IntervalFor(plan Plan) lifecycle.Interval {
	if plan == PlanAnnual {
		return lifecycle.IntervalYear
	}
	return lifecycle.IntervalMonth
}

// Config defines the standard configuration all providers should accept
type Config struct {
	// WebhookSecret is used to verify incoming webhook requests.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// Prices maps plans to provider price ids for checkout.
	Prices PriceMapping

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	// Allows custom timeouts, proxies, or instrumentation (e.g., OpenTelemetry).
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is an optional logger. If nil, logs are dropped.
	Logger lifecycle.Logger
}
