package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when a provider is missing its webhook secret or API key
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrUnknownProvider is returned when an event names a provider that is not registered
	ErrUnknownProvider = errors.New("unknown billing provider")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	// or lacks a field the event type requires
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrRetryExhausted is returned by RetryPolicy.Check once the attempt cap is reached.
	// It is informational: nothing is scheduled and the failure stands.
	ErrRetryExhausted = errors.New("payment retry attempts exhausted")

	// ErrPlanNotConfigured is returned when no price id is mapped for a plan
	ErrPlanNotConfigured = errors.New("plan not configured in price mapping")

	// ErrCustomerNotLinked is returned when a family has no provider customer id yet
	ErrCustomerNotLinked = errors.New("family has no billing customer")
)

// Error codes carried by ProviderRequestError.
const (
	CodeCardError      = "card_error"
	CodeInvalidRequest = "invalid_request"
	CodeAPIError       = "api_error"
)

// ProviderRequestError describes a failed call to a billing provider API.
type ProviderRequestError struct {
	Provider string
	Op       string
	Code     string
	Err      error
}

func (e *ProviderRequestError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.Provider, e.Op, e.Code, e.Err)
}

func (e *ProviderRequestError) Unwrap() error {
	return e.Err
}

// IsCardError reports whether the provider declined the payment method.
func (e *ProviderRequestError) IsCardError() bool {
	return e.Code == CodeCardError
}

// IsInvalidRequest reports whether the provider rejected the request itself.
func (e *ProviderRequestError) IsInvalidRequest() bool {
	return e.Code == CodeInvalidRequest
}
