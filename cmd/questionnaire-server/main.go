package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/questionnaires/internal/config"
	"github.com/ehr/questionnaires/internal/domain/questionnaire"
	"github.com/ehr/questionnaires/internal/platform/db"
	"github.com/ehr/questionnaires/internal/platform/idempotency"
	"github.com/ehr/questionnaires/migrations"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "questionnaire-server",
		Short:        "Patient questionnaire replication and scoring service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), backfillCmd(), migrateCmd(), ledgerGCCmd())
	return root
}

// loadConfig loads and validates configuration for a command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the questionnaire API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise")
		return err
	}
	defer a.Close()

	e := newServer(a)
	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Str("ledger", cfg.LedgerBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server stopped")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func backfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Reconcile per-patient and canonical questionnaire replicas",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opts := questionnaire.BackfillOptions{DryRun: cfg.BackfillDryRun, MaxPatients: cfg.BackfillMaxPatients}
			if cmd.Flags().Changed("dry-run") {
				opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
			}
			if cmd.Flags().Changed("max-patients") {
				opts.MaxPatients, _ = cmd.Flags().GetInt("max-patients")
			}
			opts.StartAfter, _ = cmd.Flags().GetString("start-after")
			if opts.MaxPatients < 0 {
				return fmt.Errorf("--max-patients must not be negative")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer a.Close()
			return runBackfill(ctx, a, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Bool("dry-run", true, "Report changes without writing")
	cmd.Flags().Int("max-patients", 0, "Maximum patients to process (0 = all)")
	cmd.Flags().String("start-after", "", "Skip patients up to and including this uid")
	return cmd
}

func runBackfill(ctx context.Context, a *app, opts questionnaire.BackfillOptions, out io.Writer) error {
	report, err := a.reconciler().Run(ctx, opts)
	if report != nil {
		printReport(out, report)
	}
	return err
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatuses(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func printStatuses(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func ledgerGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger-gc",
		Short: "Delete idempotency records older than a cutoff (docstore ledger only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer a.Close()
			return runLedgerGC(cmd.Context(), a, olderThan, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Duration("older-than", 90*24*time.Hour, "Purge records recorded before now minus this duration")
	return cmd
}

func runLedgerGC(ctx context.Context, a *app, olderThan time.Duration, out io.Writer) error {
	l, ok := a.ledger.(*idempotency.DocstoreLedger)
	if !ok {
		fmt.Fprintln(out, "Ledger backend expires records itself (LEDGER_RETENTION); nothing to do.")
		return nil
	}
	now, err := a.store.Now(ctx)
	if err != nil {
		return err
	}
	n, err := l.PurgeBefore(ctx, now.Add(-olderThan))
	if err != nil {
		return fmt.Errorf("purge ledger: %w", err)
	}
	a.logger.Info().Int("purged", n).Dur("older_than", olderThan).Msg("ledger gc finished")
	fmt.Fprintf(out, "Purged %d idempotency record(s).\n", n)
	return nil
}
