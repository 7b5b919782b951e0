package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	httpgate "github.com/mihaimyh/gobilling/middleware/http"
	"github.com/mihaimyh/gobilling/pkg/api"
	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

const shutdownTimeout = 10 * time.Second

// routes mounts the webhook, analytics, billing and metrics endpoints.
func (a *app) routes() (http.Handler, error) {
	analytics, err := api.NewHandler(api.Config{
		Aggregator: lifecycle.NewAggregator(a.storage),
		Authorize:  api.BearerToken(a.cfg.AnalyticsToken),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create analytics handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))

	webhookConfig := billing.WebhookConfig{
		Storage:   a.storage,
		Scheduler: a.scheduler,
		Metrics:   a.billingMetrics,
		Logger:    a.logger,
	}
	r.Route("/webhooks", func(r chi.Router) {
		r.Handle("/stripe", a.webhookHandler("stripe", webhookConfig))
		r.Handle("/polar", a.webhookHandler("polar", webhookConfig))
	})

	r.Handle("/analytics/*", analytics.Routes("/analytics"))

	gate := httpgate.Middleware(httpgate.Config{
		Manager:     a.manager,
		GetFamilyID: httpgate.FromHeader(familyHeader),
	})
	r.Route("/billing", func(r chi.Router) {
		r.With(gate).Get("/status", a.handleStatus)
		a.checkoutRoutes(r)
	})

	return r, nil
}

// webhookHandler answers 503 for a provider without credentials.
func (a *app) webhookHandler(name string, config billing.WebhookConfig) http.Handler {
	for _, provider := range a.providers() {
		if provider.Name() == name {
			return billing.NewWebhookHandler(provider, config)
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, name+" webhooks are not configured", http.StatusServiceUnavailable)
	})
}

type statusResponse struct {
	FamilyID    string           `json:"family_id"`
	Status      lifecycle.Status `json:"status"`
	TrialEndsAt *time.Time       `json:"trial_ends_at,omitempty"`
}

// handleStatus reports the subscription of a family allowed through the gate.
func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{FamilyID: r.Header.Get(familyHeader), Status: "none"}
	if sub, ok := httpgate.SubscriptionFromContext(r.Context()); ok {
		resp.Status = sub.Status
		resp.TrialEndsAt = sub.TrialEndsAt
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// serve runs the HTTP server, the task worker and the trial scanner until ctx
// is canceled or one of them fails.
func (a *app) serve(ctx context.Context) error {
	handler, err := a.routes()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              a.cfg.HTTPListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.worker.Run(ctx)
	})
	g.Go(func() error {
		a.scanner.Run(ctx)
		return nil
	})
	return g.Wait()
}
