// Package echo provides Echo middleware that gates requests on billing state
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// SubscriptionKey is the Echo context key holding the subscription of an allowed request
const SubscriptionKey = "billing:subscription"

// FamilyIDExtractor extracts the family ID from an Echo context
// Return empty string if the caller is not authenticated
type FamilyIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager is the lifecycle manager instance
	Manager *lifecycle.Manager

	// GetFamilyID extracts family ID from context (required)
	GetFamilyID FamilyIDExtractor

	// OnBlocked is called when the family's subscription denies access
	// If nil, returns 402 JSON with the subscription status
	OnBlocked func(c echo.Context, sub *lifecycle.Subscription) error

	// OnUnauthorized is called when no family ID is present
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the subscription cannot be loaded
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that rejects billing-blocked families
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("gobilling/echo: Config.Manager is required")
	}
	if cfg.GetFamilyID == nil {
		panic("gobilling/echo: Config.GetFamilyID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			familyID := cfg.GetFamilyID(c)
			if familyID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			blocked, sub, err := cfg.Manager.IsBillingBlocked(c.Request().Context(), familyID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if blocked {
				if cfg.OnBlocked != nil {
					return cfg.OnBlocked(c, sub)
				}
				return c.JSON(http.StatusPaymentRequired, map[string]string{
					"error":  "payment_required",
					"status": string(sub.Status),
				})
			}

			if sub != nil {
				c.Set(SubscriptionKey, sub)
			}
			return next(c)
		}
	}
}

// FromHeader returns a FamilyIDExtractor that gets the family ID from a header
func FromHeader(headerName string) FamilyIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromContext returns a FamilyIDExtractor that gets the family ID from an Echo context key
func FromContext(key string) FamilyIDExtractor {
	return func(c echo.Context) string {
		if familyID, ok := c.Get(key).(string); ok {
			return familyID
		}
		return ""
	}
}
