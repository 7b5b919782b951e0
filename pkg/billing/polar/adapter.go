package polar

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

const metadataFamilyID = "family_id"

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type subscriptionObject struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	RecurringInterval string `json:"recurring_interval"`
	Amount            *int64 `json:"amount"`
	Currency          string `json:"currency"`
	CurrentPeriodEnd  string `json:"current_period_end"`
	TrialEnd          string `json:"trial_end"`
	CustomerID        string `json:"customer_id"`
	Customer          struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	} `json:"customer"`
}

type checkoutObject struct {
	ID               string            `json:"id"`
	CustomerID       string            `json:"customer_id"`
	CustomerMetadata map[string]string `json:"customer_metadata"`
	Metadata         map[string]string `json:"metadata"`
}

type orderObject struct {
	ID string `json:"id"`
}

// Adapt maps a verified Polar event onto a billing.Canonical variant.
func (p *Provider) Adapt(event *billing.TrustedEvent) (billing.Canonical, error) {
	var env envelope
	if err := json.Unmarshal(event.Raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	switch env.Type {
	case "subscription.created":
		return adaptSubscription(env.Data, billing.ChangeCreated)
	case "subscription.updated":
		return adaptSubscription(env.Data, billing.ChangeUpdated)
	case "subscription.canceled":
		return adaptSubscription(env.Data, billing.ChangeCanceled)
	case "checkout.created":
		var checkout checkoutObject
		if err := decodeData(env.Data, &checkout); err != nil {
			return nil, err
		}
		familyID := checkout.CustomerMetadata[metadataFamilyID]
		if familyID == "" {
			familyID = checkout.Metadata[metadataFamilyID]
		}
		return billing.CheckoutObserved{
			CheckoutID: checkout.ID,
			CustomerID: checkout.CustomerID,
			FamilyID:   familyID,
		}, nil
	case "order.created":
		var order orderObject
		if err := decodeData(env.Data, &order); err != nil {
			return nil, err
		}
		return billing.OrderObserved{OrderID: order.ID}, nil
	default:
		return billing.Unhandled{Type: env.Type}, nil
	}
}

func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: data missing", billing.ErrInvalidWebhookPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return nil
}

func adaptSubscription(raw json.RawMessage, kind billing.ChangeKind) (billing.Canonical, error) {
	var sub subscriptionObject
	if err := decodeData(raw, &sub); err != nil {
		return nil, err
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("%w: subscription id missing", billing.ErrInvalidWebhookPayload)
	}

	change := billing.SubscriptionChange{
		Kind:       kind,
		ExternalID: sub.ID,
		CustomerID: sub.CustomerID,
		FamilyID:   sub.Customer.Metadata[metadataFamilyID],
		Interval:   toInterval(sub.RecurringInterval),
		Currency:   strings.ToLower(sub.Currency),
	}
	if change.CustomerID == "" {
		change.CustomerID = sub.Customer.ID
	}

	if kind == billing.ChangeCanceled {
		change.Status = lifecycle.StatusCanceled
	} else {
		change.Status = mapStatus(sub.Status)
		if !change.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown subscription status %q", billing.ErrInvalidWebhookPayload, sub.Status)
		}
	}

	if sub.Amount != nil {
		amount := decimal.New(*sub.Amount, -2)
		change.Amount = &amount
	}

	var err error
	if change.CurrentPeriodEndsAt, err = parseTime(sub.CurrentPeriodEnd); err != nil {
		return nil, err
	}
	if change.TrialEndsAt, err = parseTime(sub.TrialEnd); err != nil {
		return nil, err
	}
	return change, nil
}

// mapStatus normalizes Polar statuses onto the lifecycle set.
func mapStatus(s string) lifecycle.Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cancelled", "canceled":
		return lifecycle.StatusCanceled
	default:
		return lifecycle.Status(strings.ToLower(strings.TrimSpace(s)))
	}
}

func toInterval(s string) lifecycle.Interval {
	switch strings.ToLower(s) {
	case "month":
		return lifecycle.IntervalMonth
	case "year":
		return lifecycle.IntervalYear
	default:
		return lifecycle.IntervalNone
	}
}

func parseTime(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timestamp %q", billing.ErrInvalidWebhookPayload, s)
	}
	t = t.UTC()
	return &t, nil
}
