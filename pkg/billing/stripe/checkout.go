package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// metadataFamilyID links Stripe objects back to the family that checked out.
const metadataFamilyID = "family_id"

type checkoutSessionAPI interface {
	Create(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
}

type portalSessionAPI interface {
	Create(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error)
}

// CreateCheckout creates a subscription Checkout Session for req.Plan.
// The family id travels in the subscription metadata so that later
// subscription webhooks resolve the family without a customer lookup.
func (p *Provider) CreateCheckout(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	if p.checkouts == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	startTime := time.Now()

	priceID, err := p.prices.PriceFor(req.Plan)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "plan_not_found")
		return nil, fmt.Errorf("%w: %s", err, req.Plan)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.FamilyID),
	}
	params.AddMetadata(metadataFamilyID, req.FamilyID)
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataFamilyID, req.FamilyID)
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}

	session, err := p.checkouts.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		return nil, requestError("create_checkout", err)
	}
	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")

	return &billing.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// CustomerPortalURL creates a Stripe Customer Portal Session and returns the URL.
// This allows families to manage their subscription, update payment methods, or cancel.
func (p *Provider) CustomerPortalURL(ctx context.Context, customerID, returnURL string) (string, error) {
	if p.portals == nil {
		return "", billing.ErrProviderNotConfigured
	}
	if customerID == "" {
		return "", billing.ErrCustomerNotLinked
	}
	startTime := time.Now()

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := p.portals.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		return "", requestError("create_portal_session", err)
	}
	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")

	return session.URL, nil
}
