// Package config loads billingd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Storage backends selectable with STORAGE.
const (
	StorageMemory    = "memory"
	StoragePostgres  = "postgres"
	StorageSQLite    = "sqlite"
	StorageRedis     = "redis"
	StorageFirestore = "firestore"
)

var validate = validator.New()

// Config holds every setting of the billing daemon.
type Config struct {
	HTTPListenAddr string `validate:"required"`
	LogLevel       string `validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	ServiceName    string
	DeploymentMode string `validate:"oneof=managed self_hosted"`

	Storage          string `validate:"oneof=memory postgres sqlite redis firestore"`
	DatabaseURL      string `validate:"required_if=Storage postgres"`
	SQLitePath       string `validate:"required_if=Storage sqlite"`
	RedisAddr        string `validate:"required_if=Storage redis"`
	RedisKeyPrefix   string
	FirestoreProject string `validate:"required_if=Storage firestore"`

	StripeAPIKey        string
	StripeWebhookSecret string
	StripeMonthlyPrice  string
	StripeAnnualPrice   string

	PolarAPIKey        string
	PolarWebhookSecret string
	PolarBaseURL       string `validate:"omitempty,url"`
	PolarMonthlyPrice  string
	PolarAnnualPrice   string

	PostmarkServerToken string
	EmailFrom           string `validate:"required_with=PostmarkServerToken"`
	ProductName         string
	BillingURL          string `validate:"omitempty,url"`

	// AnalyticsToken protects /analytics; empty leaves it open
	AnalyticsToken string

	MetricsNamespace   string        `validate:"required"`
	ScanInterval       time.Duration `validate:"gt=0"`
	WorkerConcurrency  int           `validate:"gte=1"`
	WorkerPollInterval time.Duration `validate:"gt=0"`
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present; real env vars win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds and validates a Config from the current environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		ServiceName:    getEnv("SERVICE_NAME", "billingd"),
		DeploymentMode: getEnv("DEPLOYMENT_MODE", "managed"),

		Storage:          getEnv("STORAGE", StorageMemory),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		SQLitePath:       getEnv("SQLITE_PATH", "data/gobilling.db"),
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisKeyPrefix:   getEnv("REDIS_KEY_PREFIX", "gobilling:"),
		FirestoreProject: getEnv("FIRESTORE_PROJECT", ""),

		StripeAPIKey:        getEnv("STRIPE_API_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeMonthlyPrice:  getEnv("STRIPE_MONTHLY_PRICE_ID", ""),
		StripeAnnualPrice:   getEnv("STRIPE_ANNUAL_PRICE_ID", ""),

		PolarAPIKey:        getEnv("POLAR_API_KEY", ""),
		PolarWebhookSecret: getEnv("POLAR_WEBHOOK_SECRET", ""),
		PolarBaseURL:       getEnv("POLAR_BASE_URL", ""),
		PolarMonthlyPrice:  getEnv("POLAR_MONTHLY_PRICE_ID", ""),
		PolarAnnualPrice:   getEnv("POLAR_ANNUAL_PRICE_ID", ""),

		PostmarkServerToken: getEnv("POSTMARK_SERVER_TOKEN", ""),
		EmailFrom:           getEnv("EMAIL_FROM", ""),
		ProductName:         getEnv("PRODUCT_NAME", ""),
		BillingURL:          getEnv("BILLING_URL", ""),
		AnalyticsToken:      getEnv("ANALYTICS_TOKEN", ""),

		MetricsNamespace: getEnv("METRICS_NAMESPACE", "gobilling"),
	}

	var err error
	if cfg.ScanInterval, err = getDuration("SCAN_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.WorkerPollInterval, err = getDuration("WORKER_POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency, err = getInt("WORKER_CONCURRENCY", 4); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
