// Command billingd receives billing provider webhooks and keeps subscription
// lifecycle state current.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gobilling/pkg/config"
)

// Version information (set at build time with -ldflags)
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// appFactory builds the app for a command; tests swap it out.
type appFactory func(ctx context.Context) (*app, error)

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(loadApp)
}

func newRootCmdWith(build appFactory) *cobra.Command {
	root := &cobra.Command{
		Use:           "billingd",
		Short:         "Billing webhook and subscription lifecycle daemon",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(build), newSweepCmd(build), newMigrateCmd(build))
	return root
}

func newServeCmd(build appFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve webhooks and analytics, run the task worker and trial scanner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

func newSweepCmd(build appFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one trial reminder and expiry sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.scanner.Sweep(cmd.Context())
			if result != nil {
				a.log.Info().
					Bool("skipped", result.Skipped).
					Interface("reminders_sent", result.RemindersSent).
					Int("trials_expired", result.TrialsExpired).
					Int("failures", result.Failures).
					Msg("Trial sweep finished")
			}
			return err
		},
	}
}

func newMigrateCmd(build appFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.migrate == nil {
				a.log.Info().Str("storage", a.cfg.Storage).Msg("Storage backend has no migrations")
				return nil
			}
			if err := a.migrate(cmd.Context()); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			a.log.Info().Msg("Migrations applied")
			return nil
		},
	}
}
