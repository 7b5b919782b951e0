package stripe

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

type invoiceAPI interface {
	Retrieve(ctx context.Context, id string, params *stripe.InvoiceRetrieveParams) (*stripe.Invoice, error)
	Pay(ctx context.Context, id string, params *stripe.InvoicePayParams) (*stripe.Invoice, error)
}

// InvoiceClient implements billing.InvoiceClient over the Stripe invoices API.
type InvoiceClient struct {
	provider *Provider
}

// Invoices returns the invoice client of the provider.
func (p *Provider) Invoices() *InvoiceClient {
	return &InvoiceClient{provider: p}
}

// GetInvoice implements billing.InvoiceClient
func (c *InvoiceClient) GetInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	p := c.provider
	if p.invoices == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	startTime := time.Now()

	inv, err := p.invoices.Retrieve(ctx, invoiceID, nil)
	p.metrics.RecordAPICallDuration(providerName, "/invoices/{id}", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/invoices/{id}", "error")
		return nil, requestError("get_invoice", err)
	}
	p.metrics.RecordAPICall(providerName, "/invoices/{id}", "success")
	return toInvoice(inv), nil
}

// PayInvoice implements billing.InvoiceClient
func (c *InvoiceClient) PayInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	p := c.provider
	if p.invoices == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	startTime := time.Now()

	inv, err := p.invoices.Pay(ctx, invoiceID, nil)
	p.metrics.RecordAPICallDuration(providerName, "/invoices/{id}/pay", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/invoices/{id}/pay", "error")
		return nil, requestError("pay_invoice", err)
	}
	p.metrics.RecordAPICall(providerName, "/invoices/{id}/pay", "success")
	return toInvoice(inv), nil
}

func toInvoice(inv *stripe.Invoice) *billing.Invoice {
	out := &billing.Invoice{
		ID:           inv.ID,
		Status:       string(inv.Status),
		AttemptCount: int(inv.AttemptCount),
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	return out
}

// requestError classifies a Stripe API error.
func requestError(op string, err error) error {
	code := billing.CodeAPIError
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard:
			code = billing.CodeCardError
		case stripe.ErrorTypeInvalidRequest:
			code = billing.CodeInvalidRequest
		}
	}
	return &billing.ProviderRequestError{Provider: providerName, Op: op, Code: code, Err: err}
}
