package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imagegen/server/internal/adapter/outbound/postgres"
	"github.com/imagegen/server/internal/adapter/outbound/token"
	"github.com/imagegen/server/internal/app"
	"github.com/imagegen/server/internal/infra/config"
	"github.com/imagegen/server/internal/shared/database"
	"github.com/imagegen/server/internal/shared/logger"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "imagegen-server",
		Short:        "Image generation task and credit ledger service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newReconcileCmd(),
		newTokenCmd(),
	)
	return rootCmd
}

func loadConfig(validate bool) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, task pollers and background jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer application.Close()

			return application.Run(ctx)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			log := logger.New(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
			defer func() { _ = log.Sync() }()

			db, err := database.New(cmd.Context(), &cfg.Database, log)
			if err != nil {
				return err
			}
			defer func() { _ = database.Close(db) }()

			if err := postgres.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			log.Info("migration complete")
			return nil
		},
	}
}

func newReconcileCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare every account balance with its ledger once and report drift",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			deps, cleanup, err := app.InitializeDependencies(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := deps.Accountant.ReconcileAll(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			for _, d := range report.Drifts {
				deps.Logger.Warn("ledger drift",
					zap.String("account_id", d.AccountID.String()),
					zap.Int64("balance", d.Balance),
					zap.Int64("entry_sum", d.EntrySum),
					zap.Int64("difference", d.Difference),
				)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "checked %d accounts, %d drifted\n", report.Checked, len(report.Drifts))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		accountID string
		email     string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an account (development only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is required")
			}

			id := uuid.New()
			if accountID != "" {
				if id, err = uuid.Parse(accountID); err != nil {
					return fmt.Errorf("invalid account id: %w", err)
				}
			}

			manager := token.NewJWTManager(&token.Config{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer})
			signed, expiresAt, err := manager.IssueAccessToken(id, email, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "account_id: %s\nexpires_at: %s\ntoken: %s\n",
				id, expiresAt.Format(time.RFC3339), signed)
			return err
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id (random when empty)")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
