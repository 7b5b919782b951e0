// Package gin provides Gin middleware that gates requests on billing state
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// SubscriptionKey is the Gin context key holding the subscription of an allowed request
const SubscriptionKey = "billing:subscription"

// FamilyIDExtractor extracts the family ID from a Gin context
// Return empty string if the caller is not authenticated
type FamilyIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager is the lifecycle manager instance
	Manager *lifecycle.Manager

	// GetFamilyID extracts family ID from context (required)
	GetFamilyID FamilyIDExtractor

	// OnBlocked is called when the family's subscription denies access
	// If nil, returns 402 JSON with the subscription status
	OnBlocked func(c *gongin.Context, sub *lifecycle.Subscription)

	// OnUnauthorized is called when no family ID is present
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the subscription cannot be loaded
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that rejects billing-blocked families
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("gobilling/gin: Config.Manager is required")
	}
	if cfg.GetFamilyID == nil {
		panic("gobilling/gin: Config.GetFamilyID is required")
	}

	return func(c *gongin.Context) {
		familyID := cfg.GetFamilyID(c)
		if familyID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		blocked, sub, err := cfg.Manager.IsBillingBlocked(c.Request.Context(), familyID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if blocked {
			if cfg.OnBlocked != nil {
				cfg.OnBlocked(c, sub)
			} else {
				c.JSON(http.StatusPaymentRequired, gongin.H{
					"error":  "payment_required",
					"status": string(sub.Status),
				})
			}
			c.Abort()
			return
		}

		if sub != nil {
			c.Set(SubscriptionKey, sub)
		}
		c.Next()
	}
}

// FromHeader returns a FamilyIDExtractor that gets the family ID from a header
func FromHeader(headerName string) FamilyIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromContext returns a FamilyIDExtractor that gets the family ID from a Gin context key
func FromContext(key string) FamilyIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}
