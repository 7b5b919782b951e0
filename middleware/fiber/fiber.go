// Package fiber provides Fiber middleware that gates requests on billing state
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// SubscriptionKey is the Locals key holding the subscription of an allowed request
const SubscriptionKey = "billing:subscription"

// FamilyIDExtractor extracts the family ID from a Fiber context
// Return empty string if the caller is not authenticated
type FamilyIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Manager is the lifecycle manager instance
	Manager *lifecycle.Manager

	// GetFamilyID extracts family ID from context (required)
	GetFamilyID FamilyIDExtractor

	// OnBlocked is called when the family's subscription denies access
	// If nil, returns 402 JSON with the subscription status
	OnBlocked func(c *fiber.Ctx, sub *lifecycle.Subscription) error

	// OnUnauthorized is called when no family ID is present
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the subscription cannot be loaded
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that rejects billing-blocked families
func Middleware(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("gobilling/fiber: Config.Manager is required")
	}
	if cfg.GetFamilyID == nil {
		panic("gobilling/fiber: Config.GetFamilyID is required")
	}
	if cfg.OnBlocked == nil {
		cfg.OnBlocked = defaultBlocked
	}
	if cfg.OnUnauthorized == nil {
		cfg.OnUnauthorized = defaultUnauthorized
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultError
	}

	return func(c *fiber.Ctx) error {
		familyID := cfg.GetFamilyID(c)
		if familyID == "" {
			return cfg.OnUnauthorized(c)
		}

		// Fiber's UserContext carries cancellation from the caller when set
		blocked, sub, err := cfg.Manager.IsBillingBlocked(c.UserContext(), familyID)
		if err != nil {
			return cfg.OnError(c, err)
		}
		if blocked {
			return cfg.OnBlocked(c, sub)
		}

		if sub != nil {
			c.Locals(SubscriptionKey, sub)
		}
		return c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultBlocked(c *fiber.Ctx, sub *lifecycle.Subscription) error {
	return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
		"error":  "payment_required",
		"status": string(sub.Status),
	})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// FromContext returns a FamilyIDExtractor that gets the family ID from Fiber Locals
// set by an upstream auth middleware, e.g. c.Locals("FamilyID", familyID).
func FromContext(key string) FamilyIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a FamilyIDExtractor that gets the family ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) FamilyIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a FamilyIDExtractor that gets the family ID from a route parameter
func FromParam(paramName string) FamilyIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
