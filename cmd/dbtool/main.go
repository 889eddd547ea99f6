package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/creditmeter/backend/internal/billing"
	"github.com/PortNumber53/creditmeter/backend/internal/config"
	"github.com/PortNumber53/creditmeter/backend/internal/migrations"
	"github.com/PortNumber53/creditmeter/backend/internal/store"
	"github.com/PortNumber53/creditmeter/backend/internal/worker"
)

// env is what every subcommand runs against.
type env struct {
	db  *sql.DB
	cfg config.Config
}

// openEnv loads configuration and connects to the database. Tests replace it.
var openEnv = func(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &env{db: db, cfg: cfg}, nil
}

func main() {
	_ = godotenv.Load(
		"../.env",
		".env",
	)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "dbtool",
		Short:         "Operator tooling for the credit ledger database",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.AddCommand(newMigrateCmd(), newGrantCmd(), newAuditCmd(), newJobsCmd())
	return root
}

// withEnv opens the environment for the duration of run.
func withEnv(cmd *cobra.Command, run func(ctx context.Context, e *env) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.db.Close()
	return run(ctx, e)
}

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Schema migration commands",
	}

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				return migrations.Up(e.db)
			})
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "fix",
		Short: "Clear a dirty migration state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				return migrations.FixDirtyDatabase(e.db)
			})
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Set the recorded schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil || version < -1 {
				return fmt.Errorf("invalid version number: %s", args[0])
			}
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				return migrations.ForceVersion(e.db, version)
			})
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				v, dirty, err := migrations.Version(e.db)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
				return nil
			})
		},
	})

	return migrateCmd
}

func newService(e *env) (*billing.Service, error) {
	billingStore, err := store.New(e.db)
	if err != nil {
		return nil, err
	}
	jobStore, err := store.NewJobStore(e.db)
	if err != nil {
		return nil, err
	}
	// The outbox only enqueues here; the server's worker delivers.
	outbox := worker.NewOutbox(worker.New(worker.DefaultConfig(), jobStore, nil))
	return billing.New(billingStore, e.cfg.Catalog, e.cfg.BillingOptions(), billing.WithNotifier(outbox))
}

func newGrantCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "grant <account> <delta>",
		Short: "Adjust the addon credit balance of an account",
		Long:  `Apply a manual credit adjustment. A negative delta removes credits; the balance never goes below zero.`,
		Example: `  dbtool grant acct_123 10 --note "support credit"
  dbtool grant acct_123 -- -5`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid delta: %s", args[1])
			}
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				svc, err := newService(e)
				if err != nil {
					return err
				}
				entry, err := svc.AdjustCredits(ctx, args[0], delta, note)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ledger entry %d: addon balance %d\n", entry.ID, entry.AddonCreditsBalanceAfter)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "reason recorded on the ledger entry")
	return cmd
}

func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <account>",
		Short: "Compare an account's counters with its ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				svc, err := newService(e)
				if err != nil {
					return err
				}
				report, err := svc.AuditAccount(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
				if !report.Consistent {
					return fmt.Errorf("ledger drift detected for %s", report.AccountID)
				}
				return nil
			})
		},
	}
}

func newJobsCmd() *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Notification outbox maintenance",
	}

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show outbox job counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				jobStore, err := store.NewJobStore(e.db)
				if err != nil {
					return err
				}
				stats, err := jobStore.GetStats(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pending=%d processing=%d completed=%d failed=%d total=%d\n",
					stats.Pending, stats.Processing, stats.Completed, stats.Failed, stats.Total)
				return nil
			})
		},
	})

	var olderThan time.Duration
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished outbox jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				jobStore, err := store.NewJobStore(e.db)
				if err != nil {
					return err
				}
				removed, err := jobStore.CleanupOldJobs(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d jobs\n", removed)
				return nil
			})
		},
	}
	cleanupCmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "minimum age of removed jobs")
	jobsCmd.AddCommand(cleanupCmd)

	return jobsCmd
}
