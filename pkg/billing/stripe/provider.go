package stripe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

const (
	providerName       = "stripe"
	signatureHeader    = "Stripe-Signature"
	defaultHTTPTimeout = 10 * time.Second
	defaultTolerance   = 300 * time.Second
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (WebhookSecret, APIKey, Prices, etc.)

	// Tolerance is the maximum accepted age of a signed webhook (default: 5 minutes)
	Tolerance time.Duration
}

// Provider implements billing.Provider for Stripe.
// It verifies and adapts webhooks and, when an API key is set, creates
// checkouts and retries invoices.
type Provider struct {
	config        Config
	webhookSecret string
	tolerance     time.Duration
	prices        billing.PriceMapping
	stripeClient  *stripe.Client
	checkouts     checkoutSessionAPI
	portals       portalSessionAPI
	invoices      invoiceAPI
	metrics       billing.Metrics
	logger        lifecycle.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	webhookSecret := strings.TrimSpace(config.WebhookSecret)
	apiKey := strings.TrimSpace(config.APIKey)
	if webhookSecret == "" && apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	if config.Tolerance <= 0 {
		config.Tolerance = defaultTolerance
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &lifecycle.NoopLogger{}
	}

	p := &Provider{
		config:        config,
		webhookSecret: webhookSecret,
		tolerance:     config.Tolerance,
		prices:        config.Prices,
		metrics:       metrics,
		logger:        logger,
	}

	if apiKey != "" {
		httpClient := config.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: defaultHTTPTimeout}
		}
		backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})
		p.stripeClient = stripe.NewClient(apiKey, stripe.WithBackends(backends))
		p.checkouts = p.stripeClient.V1CheckoutSessions
		p.portals = p.stripeClient.V1BillingPortalSessions
		p.invoices = p.stripeClient.V1Invoices
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// SignatureHeader implements billing.Provider
func (p *Provider) SignatureHeader() string {
	return signatureHeader
}

// Configured implements billing.Provider
func (p *Provider) Configured() bool {
	return p.webhookSecret != ""
}

// Verify checks the Stripe-Signature header (timestamped HMAC-SHA256) and
// parses the event envelope.
func (p *Provider) Verify(body []byte, signature string) (*billing.TrustedEvent, error) {
	if !p.Configured() {
		return nil, billing.ErrProviderNotConfigured
	}
	if strings.TrimSpace(signature) == "" {
		return nil, fmt.Errorf("%w: missing %s header", billing.ErrInvalidWebhookSignature, signatureHeader)
	}

	event, err := webhook.ConstructEventWithOptions(body, signature, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", billing.ErrInvalidWebhookPayload)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	return &billing.TrustedEvent{
		Provider: providerName,
		ID:       event.ID,
		Type:     string(event.Type),
		Payload:  payload,
		Raw:      body,
	}, nil
}
