package polar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const checkoutStatusConfirmed = "confirmed"

type createCheckoutRequest struct {
	ProductPriceID   string            `json:"product_price_id"`
	CustomerEmail    string            `json:"customer_email,omitempty"`
	SuccessURL       string            `json:"success_url"`
	CustomerMetadata map[string]string `json:"customer_metadata"`
}

type checkoutResponse struct {
	ID             string `json:"id"`
	URL            string `json:"url"`
	Status         string `json:"status"`
	SubscriptionID string `json:"subscription_id"`
}

type portalRequest struct {
	CustomerID string `json:"customer_id"`
	ReturnURL  string `json:"return_url"`
}

type portalResponse struct {
	URL string `json:"url"`
}

// CheckoutResult is the outcome of a checkout the family went through.
type CheckoutResult struct {
	Confirmed      bool
	SubscriptionID string
}

// CreateCheckout creates a custom checkout for req.Plan.
// Polar has no cancel URL; req.CancelURL is ignored.
func (p *Provider) CreateCheckout(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	priceID, err := p.prices.PriceFor(req.Plan)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/v1/checkouts/custom", "plan_not_found")
		return nil, fmt.Errorf("%w: %s", err, req.Plan)
	}

	body := createCheckoutRequest{
		ProductPriceID:   priceID,
		CustomerEmail:    req.Email,
		SuccessURL:       req.SuccessURL,
		CustomerMetadata: map[string]string{metadataFamilyID: req.FamilyID},
	}
	var out checkoutResponse
	if err := p.do(ctx, "create_checkout", http.MethodPost, "/v1/checkouts/custom", "/v1/checkouts/custom", body, &out); err != nil {
		return nil, err
	}
	return &billing.CheckoutSession{ID: out.ID, URL: out.URL}, nil
}

// CheckoutResult fetches a checkout and reports whether it was confirmed.
func (p *Provider) CheckoutResult(ctx context.Context, checkoutID string) (*CheckoutResult, error) {
	var out checkoutResponse
	if err := p.do(ctx, "get_checkout", http.MethodGet, "/v1/checkouts/{id}", "/v1/checkouts/"+url.PathEscape(checkoutID), nil, &out); err != nil {
		return nil, err
	}
	if out.Status != checkoutStatusConfirmed {
		return &CheckoutResult{}, nil
	}
	return &CheckoutResult{Confirmed: true, SubscriptionID: out.SubscriptionID}, nil
}

// CustomerPortalURL returns a Polar customer portal link.
func (p *Provider) CustomerPortalURL(ctx context.Context, customerID, returnURL string) (string, error) {
	if customerID == "" {
		return "", billing.ErrCustomerNotLinked
	}
	var out portalResponse
	body := portalRequest{CustomerID: customerID, ReturnURL: returnURL}
	if err := p.do(ctx, "create_portal_session", http.MethodPost, "/v1/customers/portal", "/v1/customers/portal", body, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// do sends a JSON request with Bearer auth and decodes a 2xx response into out.
// endpoint is the metrics label for path.
func (p *Provider) do(ctx context.Context, op, method, endpoint, path string, in, out interface{}) error {
	if p.apiKey == "" {
		return billing.ErrProviderNotConfigured
	}
	startTime := time.Now()

	var reqBody io.Reader = http.NoBody
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := p.httpClient.Do(req)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return &billing.ProviderRequestError{Provider: providerName, Op: op, Code: billing.CodeAPIError, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		code := billing.CodeAPIError
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			code = billing.CodeInvalidRequest
		}
		return &billing.ProviderRequestError{
			Provider: providerName,
			Op:       op,
			Code:     code,
			Err:      fmt.Errorf("polar API error: status %d, body: %s", res.StatusCode, string(body)),
		}
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
