package polar

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

const (
	providerName       = "polar"
	signatureHeader    = "Webhook-Signature"
	signaturePrefix    = "sha256="
	defaultBaseURL     = "https://api.polar.sh"
	defaultHTTPTimeout = 10 * time.Second
)

// Config extends billing.Config with Polar-specific options
type Config struct {
	billing.Config // Base config (WebhookSecret, APIKey, Prices, etc.)

	// BaseURL overrides the Polar API endpoint (default: https://api.polar.sh)
	BaseURL string
}

// Provider implements billing.Provider for Polar
type Provider struct {
	config        Config
	httpClient    *http.Client
	baseURL       string
	webhookSecret []byte
	apiKey        string
	prices        billing.PriceMapping
	metrics       billing.Metrics
	logger        lifecycle.Logger
}

// NewProvider creates a new Polar billing provider
func NewProvider(config Config) (*Provider, error) {
	webhookSecret := strings.TrimSpace(config.WebhookSecret)
	apiKey := strings.TrimSpace(config.APIKey)
	if webhookSecret == "" && apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	// Allow API key to be provided as a Bearer token and strip the prefix.
	if strings.HasPrefix(strings.ToLower(apiKey), "bearer ") {
		apiKey = strings.TrimSpace(apiKey[len("bearer "):])
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &lifecycle.NoopLogger{}
	}

	return &Provider{
		config:        config,
		httpClient:    httpClient,
		baseURL:       baseURL,
		webhookSecret: []byte(webhookSecret),
		apiKey:        apiKey,
		prices:        config.Prices,
		metrics:       metrics,
		logger:        logger,
	}, nil
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
	return len(p.webhookSecret) > 0
}

// Verify checks the hex HMAC-SHA256 of body and parses the event.
// Polar events carry no id, so the event id is the SHA-256 of the body:
// a redelivery of the same body dedupes, a changed body does not.
func (p *Provider) Verify(body []byte, signature string) (*billing.TrustedEvent, error) {
	if !p.Configured() {
		return nil, billing.ErrProviderNotConfigured
	}
	if !p.validSignature(body, signature) {
		return nil, billing.ErrInvalidWebhookSignature
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	eventType, _ := payload["type"].(string)
	if eventType == "" {
		return nil, fmt.Errorf("%w: event type is required", billing.ErrInvalidWebhookPayload)
	}

	digest := sha256.Sum256(body)
	return &billing.TrustedEvent{
		Provider: providerName,
		ID:       hex.EncodeToString(digest[:]),
		Type:     eventType,
		Payload:  payload,
		Raw:      body,
	}, nil
}

func (p *Provider) validSignature(body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if len(signature) > len(signaturePrefix) && strings.EqualFold(signature[:len(signaturePrefix)], signaturePrefix) {
		signature = signature[len(signaturePrefix):]
	}
	if signature == "" {
		return false
	}

	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, p.webhookSecret)
	if _, err := mac.Write(body); err != nil {
		return false
	}
	return hmac.Equal(expected, mac.Sum(nil))
}

// Sign returns the signature header value Polar would send for body.
// Used by tests and local tooling that replay events.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
