// Package http provides net/http middleware that gates requests on billing state
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// FamilyIDExtractor extracts the family ID from an HTTP request
// Return empty string if the caller is not authenticated
type FamilyIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager is the lifecycle manager instance
	Manager *lifecycle.Manager

	// GetFamilyID extracts family ID from request (required)
	GetFamilyID FamilyIDExtractor

	// OnBlocked is called when the family's subscription denies access
	// If nil, returns 402 Payment Required
	OnBlocked func(w http.ResponseWriter, r *http.Request, sub *lifecycle.Subscription)

	// OnUnauthorized is called when no family ID is present
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the subscription cannot be loaded
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that rejects billing-blocked families.
// Allowed requests carry the family's subscription (nil if it has none) in
// their context, see SubscriptionFromContext.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("gobilling/http: Config.Manager is required")
	}
	if config.GetFamilyID == nil {
		panic("gobilling/http: Config.GetFamilyID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			familyID := config.GetFamilyID(r)
			if familyID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			blocked, sub, err := config.Manager.IsBillingBlocked(r.Context(), familyID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if blocked {
				if config.OnBlocked != nil {
					config.OnBlocked(w, r, sub)
				} else {
					writePaymentRequired(w, sub)
				}
				return
			}

			ctx := context.WithValue(r.Context(), SubscriptionKey, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates the middleware for http.HandlerFunc handlers
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// PaymentRequiredBody is the default JSON body of a 402 response
type PaymentRequiredBody struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

func writePaymentRequired(w http.ResponseWriter, sub *lifecycle.Subscription) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(PaymentRequiredBody{
		Error:  "payment_required",
		Status: string(sub.Status),
	})
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// FamilyIDKey is the context key for the family ID
	FamilyIDKey ContextKey = "billing:familyID"

	// SubscriptionKey is the context key for the subscription of an allowed request
	SubscriptionKey ContextKey = "billing:subscription"
)

// SubscriptionFromContext returns the subscription stored by Middleware
func SubscriptionFromContext(ctx context.Context) (*lifecycle.Subscription, bool) {
	sub, ok := ctx.Value(SubscriptionKey).(*lifecycle.Subscription)
	return sub, ok && sub != nil
}

// FromContext returns a FamilyIDExtractor that gets the family ID from request context
func FromContext(key ContextKey) FamilyIDExtractor {
	return func(r *http.Request) string {
		if familyID, ok := r.Context().Value(key).(string); ok {
			return familyID
		}
		return ""
	}
}

// FromHeader returns a FamilyIDExtractor that gets the family ID from a header
func FromHeader(headerName string) FamilyIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
