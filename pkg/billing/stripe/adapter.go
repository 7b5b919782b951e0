package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// envelope is the part of a Stripe event the adapter needs.
type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// subscriptionObject is a minimal representation of a Stripe subscription.
// Period ends are read from the items first (newer API versions) and from the
// subscription itself otherwise.
type subscriptionObject struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	Currency         string            `json:"currency"`
	TrialEnd         *int64            `json:"trial_end"`
	CurrentPeriodEnd *int64            `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd *int64 `json:"current_period_end"`
			Quantity         int64  `json:"quantity"`
			Price            struct {
				ID         string `json:"id"`
				UnitAmount *int64 `json:"unit_amount"`
				Currency   string `json:"currency"`
				Recurring  *struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// invoiceObject is a minimal representation of a Stripe invoice.
type invoiceObject struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	AmountDue          int64  `json:"amount_due"`
	AmountPaid         int64  `json:"amount_paid"`
	Currency           string `json:"currency"`
	AttemptCount       int    `json:"attempt_count"`
	NextPaymentAttempt *int64 `json:"next_payment_attempt"`
}

// checkoutObject is a minimal representation of a Stripe checkout session.
type checkoutObject struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// Adapt maps a verified Stripe event onto a billing.Canonical variant.
func (p *Provider) Adapt(event *billing.TrustedEvent) (billing.Canonical, error) {
	var env envelope
	if err := json.Unmarshal(event.Raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if len(env.Data.Object) == 0 {
		return nil, fmt.Errorf("%w: data.object missing", billing.ErrInvalidWebhookPayload)
	}

	switch env.Type {
	case "customer.subscription.created":
		return adaptSubscription(env.Data.Object, billing.ChangeCreated)
	case "customer.subscription.updated":
		return adaptSubscription(env.Data.Object, billing.ChangeUpdated)
	case "customer.subscription.deleted":
		return adaptSubscription(env.Data.Object, billing.ChangeCanceled)
	case "invoice.payment_failed":
		inv, err := decodeInvoice(env.Data.Object)
		if err != nil {
			return nil, err
		}
		return billing.PaymentFailed{
			InvoiceID:          inv.ID,
			CustomerID:         inv.Customer,
			AmountDue:          fromCents(inv.AmountDue),
			Currency:           inv.Currency,
			AttemptCount:       inv.AttemptCount,
			NextPaymentAttempt: unixTime(inv.NextPaymentAttempt),
		}, nil
	case "invoice.payment_succeeded":
		inv, err := decodeInvoice(env.Data.Object)
		if err != nil {
			return nil, err
		}
		return billing.PaymentSucceeded{
			InvoiceID:  inv.ID,
			CustomerID: inv.Customer,
			AmountPaid: fromCents(inv.AmountPaid),
			Currency:   inv.Currency,
		}, nil
	case "checkout.session.completed":
		var session checkoutObject
		if err := json.Unmarshal(env.Data.Object, &session); err != nil {
			return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
		}
		familyID := session.Metadata[metadataFamilyID]
		if familyID == "" {
			familyID = session.ClientReferenceID
		}
		return billing.CheckoutObserved{
			CheckoutID: session.ID,
			CustomerID: session.Customer,
			FamilyID:   familyID,
		}, nil
	default:
		return billing.Unhandled{Type: env.Type}, nil
	}
}

func adaptSubscription(raw json.RawMessage, kind billing.ChangeKind) (billing.Canonical, error) {
	var sub subscriptionObject
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("%w: subscription id missing", billing.ErrInvalidWebhookPayload)
	}

	status := lifecycle.Status(sub.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown subscription status %q", billing.ErrInvalidWebhookPayload, sub.Status)
	}

	change := billing.SubscriptionChange{
		Kind:                kind,
		ExternalID:          sub.ID,
		CustomerID:          sub.Customer,
		FamilyID:            sub.Metadata[metadataFamilyID],
		Status:              status,
		Currency:            strings.ToLower(sub.Currency),
		TrialEndsAt:         unixTime(sub.TrialEnd),
		CurrentPeriodEndsAt: unixTime(sub.CurrentPeriodEnd),
	}

	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		if item.Price.UnitAmount != nil {
			amount := fromCents(*item.Price.UnitAmount * quantity)
			change.Amount = &amount
		}
		if change.Currency == "" {
			change.Currency = strings.ToLower(item.Price.Currency)
		}
		if item.Price.Recurring != nil {
			change.Interval = toInterval(item.Price.Recurring.Interval)
		}
		if end := unixTime(item.CurrentPeriodEnd); end != nil {
			change.CurrentPeriodEndsAt = end
		}
	}
	return change, nil
}

func decodeInvoice(raw json.RawMessage) (*invoiceObject, error) {
	var inv invoiceObject
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if inv.ID == "" || inv.Customer == "" {
		return nil, fmt.Errorf("%w: invoice id and customer are required", billing.ErrInvalidWebhookPayload)
	}
	return &inv, nil
}

func toInterval(s string) lifecycle.Interval {
	switch s {
	case "month":
		return lifecycle.IntervalMonth
	case "year":
		return lifecycle.IntervalYear
	default:
		return lifecycle.IntervalNone
	}
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func unixTime(ts *int64) *time.Time {
	if ts == nil || *ts == 0 {
		return nil
	}
	t := time.Unix(*ts, 0).UTC()
	return &t
}
