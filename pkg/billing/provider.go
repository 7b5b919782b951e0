package billing

import (
	"context"
)

// Verifier authenticates raw webhook bodies.
// Implementations are pure: no I/O, no side effects.
type Verifier interface {
	// Verify checks signature against body and returns the parsed event.
	// Failures wrap ErrInvalidWebhookSignature or ErrInvalidWebhookPayload.
	Verify(body []byte, signature string) (*TrustedEvent, error)
}

// Adapter maps a verified provider event onto a Canonical variant.
type Adapter interface {
	// Adapt returns Unhandled for event types without a canonical meaning.
	// Missing required fields wrap ErrInvalidWebhookPayload.
	Adapt(event *TrustedEvent) (Canonical, error)
}

// Provider is the generic interface that any billing backend must implement.
// This allows the pipeline to accept Stripe and Polar webhooks with zero logic changes.
type Provider interface {
	Verifier
	Adapter

	// Name returns the provider name (e.g., "stripe", "polar")
	Name() string

	// SignatureHeader names the request header carrying the webhook signature.
	SignatureHeader() string

	// Configured reports whether a webhook secret is set.
	Configured() bool
}

// CheckoutSession is a hosted checkout the family is redirected to.
type CheckoutSession struct {
	ID  string
	URL string
}

// CheckoutRequest describes a new subscription checkout.
type CheckoutRequest struct {
	Plan       Plan
	FamilyID   string
	Email      string
	SuccessURL string
	CancelURL  string
}

// CheckoutProvider creates hosted checkouts and customer portal links.
type CheckoutProvider interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	CustomerPortalURL(ctx context.Context, customerID, returnURL string) (string, error)
}

// Invoice is the provider's view of an invoice, as needed to retry it.
type Invoice struct {
	ID           string
	CustomerID   string
	Status       string
	AttemptCount int
}

// InvoiceStatusOpen is the only invoice status a retry acts on.
const InvoiceStatusOpen = "open"

// InvoiceClient fetches and pays invoices.
type InvoiceClient interface {
	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	PayInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
}
