package main

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gobilling/internal/logging"
	"github.com/mihaimyh/gobilling/pkg/billing"
	billingprom "github.com/mihaimyh/gobilling/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gobilling/pkg/billing/polar"
	"github.com/mihaimyh/gobilling/pkg/billing/stripe"
	"github.com/mihaimyh/gobilling/pkg/config"
	"github.com/mihaimyh/gobilling/pkg/lifecycle"
	zerologadapter "github.com/mihaimyh/gobilling/pkg/lifecycle/logger/zerolog"
	lifecycleprom "github.com/mihaimyh/gobilling/pkg/lifecycle/metrics/prometheus"
	"github.com/mihaimyh/gobilling/pkg/notify"
	"github.com/mihaimyh/gobilling/pkg/tasks"
	tasksprom "github.com/mihaimyh/gobilling/pkg/tasks/metrics/prometheus"
	firestorestorage "github.com/mihaimyh/gobilling/storage/firestore"
	"github.com/mihaimyh/gobilling/storage/memory"
	"github.com/mihaimyh/gobilling/storage/postgres"
	redisstorage "github.com/mihaimyh/gobilling/storage/redis"
	"github.com/mihaimyh/gobilling/storage/sqlite"
)

const (
	circuitFailureThreshold = 5
	circuitResetTimeout     = 30 * time.Second
)

// app holds every long-lived component of the daemon.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *prometheus.Registry

	storage lifecycle.Storage
	locker  lifecycle.Locker
	queue   tasks.Queue

	manager   *lifecycle.Manager
	scheduler *tasks.Client
	worker    *tasks.Worker
	scanner   *lifecycle.TrialScanner

	stripe *stripe.Provider
	polar  *polar.Provider

	billingMetrics billing.Metrics
	logger         lifecycle.Logger

	migrate func(ctx context.Context) error
	closers []func()
}

// backend is what a storage choice contributes to the app.
type backend struct {
	storage lifecycle.Storage
	locker  lifecycle.Locker
	queue   tasks.Queue
	migrate func(ctx context.Context) error
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	return newAppWithLogger(ctx, cfg, logging.NewLogger(cfg))
}

func newAppWithLogger(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
		logger:   zerologadapter.NewLogger(log),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = be.closers
	a.locker = be.locker
	a.queue = be.queue
	a.migrate = be.migrate

	lifecycleMetrics := lifecycleprom.NewMetrics(a.registry, cfg.MetricsNamespace)
	taskMetrics := tasksprom.NewMetrics(a.registry, cfg.MetricsNamespace)
	a.billingMetrics = billingprom.NewMetrics(a.registry, cfg.MetricsNamespace)

	breaker := lifecycle.NewDefaultCircuitBreaker(circuitFailureThreshold, circuitResetTimeout,
		func(state lifecycle.CircuitBreakerState) {
			lifecycleMetrics.RecordCircuitBreakerStateChange(string(state))
			a.log.Warn().Str("state", string(state)).Msg("Storage circuit breaker changed state")
		})
	a.storage = lifecycle.NewCircuitBreakerStorage(be.storage, breaker)

	a.manager, err = lifecycle.NewManager(a.storage, lifecycle.Config{
		Locker:  a.locker,
		Metrics: lifecycleMetrics,
		Logger:  a.logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create lifecycle manager: %w", err)
	}

	if err := a.initProviders(); err != nil {
		a.Close()
		return nil, err
	}

	a.scheduler = tasks.NewClient(a.queue, tasks.ClientConfig{Metrics: taskMetrics, Logger: a.logger})

	workerConfig := tasks.DefaultWorkerConfig()
	workerConfig.Concurrency = cfg.WorkerConcurrency
	workerConfig.PollInterval = cfg.WorkerPollInterval
	workerConfig.Metrics = taskMetrics
	workerConfig.Logger = a.logger
	a.worker = tasks.NewWorker(a.queue, workerConfig)

	notifier := a.notifier()
	a.registerTasks(notifier)

	a.scanner = lifecycle.NewTrialScanner(a.manager, lifecycle.ScannerConfig{
		Mode:     lifecycle.DeploymentMode(cfg.DeploymentMode),
		Interval: cfg.ScanInterval,
		Notifier: notifier,
		Locker:   a.locker,
	})
	return a, nil
}

func (a *app) initProviders() error {
	base := func(secret, apiKey, monthly, annual string) billing.Config {
		return billing.Config{
			WebhookSecret: secret,
			APIKey:        apiKey,
			Prices: billing.PriceMapping{
				billing.PlanMonthly: monthly,
				billing.PlanAnnual:  annual,
			},
			Metrics: a.billingMetrics,
			Logger:  a.logger,
		}
	}

	var err error
	if a.cfg.StripeWebhookSecret != "" || a.cfg.StripeAPIKey != "" {
		a.stripe, err = stripe.NewProvider(stripe.Config{
			Config: base(a.cfg.StripeWebhookSecret, a.cfg.StripeAPIKey, a.cfg.StripeMonthlyPrice, a.cfg.StripeAnnualPrice),
		})
		if err != nil {
			return fmt.Errorf("failed to create stripe provider: %w", err)
		}
	}
	if a.cfg.PolarWebhookSecret != "" || a.cfg.PolarAPIKey != "" {
		a.polar, err = polar.NewProvider(polar.Config{
			Config:  base(a.cfg.PolarWebhookSecret, a.cfg.PolarAPIKey, a.cfg.PolarMonthlyPrice, a.cfg.PolarAnnualPrice),
			BaseURL: a.cfg.PolarBaseURL,
		})
		if err != nil {
			return fmt.Errorf("failed to create polar provider: %w", err)
		}
	}
	return nil
}

func (a *app) providers() []billing.Provider {
	var providers []billing.Provider
	if a.stripe != nil {
		providers = append(providers, a.stripe)
	}
	if a.polar != nil {
		providers = append(providers, a.polar)
	}
	return providers
}

func (a *app) notifier() lifecycle.Notifier {
	var sender notify.Sender
	if a.cfg.PostmarkServerToken != "" {
		sender = notify.NewPostmarkSender(a.cfg.PostmarkServerToken)
	} else {
		sender = notify.NewLogSender(func(to, subject, _ string) {
			a.log.Info().Str("to", to).Str("subject", subject).Msg("Email not sent, no Postmark token configured")
		})
	}
	return notify.NewMailer(sender, notify.MailerConfig{
		From:        a.cfg.EmailFrom,
		ProductName: a.cfg.ProductName,
		BillingURL:  a.cfg.BillingURL,
		Logger:      a.logger,
	})
}

func (a *app) registerTasks(notifier lifecycle.Notifier) {
	retries := billing.NewRetryScheduler(a.scheduler, billing.RetrySchedulerConfig{
		Metrics: a.billingMetrics,
		Logger:  a.logger,
	})

	processor := billing.NewProcessor(a.manager, billing.ProcessorConfig{
		Providers: a.providers(),
		Notifier:  notifier,
		Retries:   retries,
		Metrics:   a.billingMetrics,
		Logger:    a.logger,
	})

	invoices := make(map[string]billing.InvoiceClient)
	if a.stripe != nil && a.cfg.StripeAPIKey != "" {
		invoices[a.stripe.Name()] = a.stripe.Invoices()
	}
	executor := billing.NewRetryExecutor(a.manager, billing.RetryExecutorConfig{
		Invoices: invoices,
		Metrics:  a.billingMetrics,
		Logger:   a.logger,
	})

	a.worker.Handle(billing.TaskWebhook, processor.HandleTask)
	a.worker.HandleDead(billing.TaskWebhook, processor.HandleDead)
	a.worker.Handle(billing.TaskPaymentRetry, executor.HandleTask)
}

// Close releases backend connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	be := &backend{}

	// Redis, when configured, carries the task queue and locks for every
	// backend that has none of its own.
	var redisClient goredis.UniversalClient
	if cfg.RedisAddr != "" {
		redisClient = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		redisConfig := redisstorage.Config{KeyPrefix: cfg.RedisKeyPrefix}
		be.locker = redisstorage.NewLocker(redisClient, redisConfig)
		be.queue = redisstorage.NewQueue(redisClient, redisConfig)
		be.closers = append(be.closers, func() { _ = redisClient.Close() })
	}

	switch cfg.Storage {
	case config.StorageMemory:
		be.storage = memory.New()

	case config.StoragePostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		if be.locker == nil {
			pgConfig.MaxConns = advisoryPoolSize(pgConfig.MaxConns, cfg.WorkerConcurrency)
		}
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			be.close()
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		be.storage = store
		be.migrate = store.Migrate
		if be.locker == nil {
			be.locker = postgres.NewAdvisoryLocker(store.Pool())
		}
		be.closers = append(be.closers, store.Close)

	case config.StorageSQLite:
		sqliteConfig := sqlite.DefaultConfig()
		sqliteConfig.Path = cfg.SQLitePath
		store, err := sqlite.New(sqliteConfig)
		if err != nil {
			be.close()
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		be.storage = store
		be.closers = append(be.closers, func() { _ = store.Close() })

	case config.StorageRedis:
		store, err := redisstorage.New(redisClient, redisstorage.Config{KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			be.close()
			return nil, fmt.Errorf("failed to open redis storage: %w", err)
		}
		be.storage = store

	case config.StorageFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			be.close()
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		be.closers = append(be.closers, func() { _ = client.Close() })
		store, err := firestorestorage.New(client, firestorestorage.Config{})
		if err != nil {
			be.close()
			return nil, fmt.Errorf("failed to open firestore storage: %w", err)
		}
		be.storage = store

	default:
		be.close()
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}

	if be.locker == nil {
		be.locker = lifecycle.NewMemoryLocker()
	}
	if be.queue == nil {
		be.queue = tasks.NewMemoryQueue()
	}
	return be, nil
}

// advisoryPoolSize leaves room for every worker to hold an advisory lock
// connection and a transaction connection at once, with headroom for the
// scanner and HTTP handlers.
func advisoryPoolSize(base int32, workers int) int32 {
	need := int32(2*workers + 4)
	if need > base {
		return need
	}
	return base
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}
