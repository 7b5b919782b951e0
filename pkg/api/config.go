package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// Config holds configuration for the Analytics API handler
type Config struct {
	// Aggregator computes the rollups (required)
	Aggregator *lifecycle.Aggregator

	// Authorize optionally gates every request
	// Return false to answer 401
	// If nil, all requests are allowed
	Authorize func(*http.Request) bool

	// MaxRangeDays caps the ?range= parameter
	// Default: 365
	MaxRangeDays int

	// OnError handles errors (bad request, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Aggregator == nil {
		return fmt.Errorf("aggregator is required")
	}
	if c.MaxRangeDays < 0 {
		return fmt.Errorf("maxRangeDays must be non-negative")
	}
	return nil
}

// NewHandler creates a new Analytics API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.MaxRangeDays == 0 {
		config.MaxRangeDays = defaultMaxRangeDays
	}
	return &Handler{
		config: config,
	}, nil
}

// BearerToken returns an Authorize function that accepts requests carrying
// "Authorization: Bearer <token>". An empty token allows everything.
func BearerToken(token string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if token == "" {
			return true
		}
		return r.Header.Get("Authorization") == "Bearer "+token
	}
}
