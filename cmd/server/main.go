package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/creditmeter/backend/internal/billing"
	"github.com/PortNumber53/creditmeter/backend/internal/cache"
	"github.com/PortNumber53/creditmeter/backend/internal/config"
	"github.com/PortNumber53/creditmeter/backend/internal/httpserver"
	"github.com/PortNumber53/creditmeter/backend/internal/migrations"
	"github.com/PortNumber53/creditmeter/backend/internal/store"
	"github.com/PortNumber53/creditmeter/backend/internal/stripe"
	"github.com/PortNumber53/creditmeter/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	billingStore, err := store.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create store")
	}
	jobStore, err := store.NewJobStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create job store")
	}

	notifier := worker.New(worker.DefaultConfig(), jobStore, nil)
	worker.RegisterNotificationJobs(notifier, worker.NewDeliverer(cfg.NotifyWebhookURL))

	options := []billing.Option{billing.WithNotifier(worker.NewOutbox(notifier))}
	if cfg.StripeSecretKey != "" {
		options = append(options, billing.WithProvider(stripe.NewClient(cfg.StripeSecretKey)))
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY not set; checkout and portal are disabled")
	}
	if cfg.StripeWebhookSecret != "" {
		options = append(options, billing.WithVerifier(stripe.NewWebhookVerifier(cfg.StripeWebhookSecret)))
	} else {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set; webhooks will be rejected")
	}
	if cfg.RedisURL != "" {
		creditCache, err := cache.NewCreditStateCache(ctx, cfg.RedisURL, cfg.CreditCacheTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer creditCache.Close()
		options = append(options, billing.WithCache(creditCache))
	}

	svc, err := billing.New(billingStore, cfg.Catalog, cfg.BillingOptions(), options...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create billing service")
	}

	srv := httpserver.New(cfg, httpserver.Dependencies{
		Billing: svc,
		Jobs:    jobStore,
		DB:      db,
		Worker:  notifier,
	})

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.ServerAddress).Msg("backend starting")
	if err := srv.Start(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func setupLogging(level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	if err := migrations.Up(db); err != nil {
		log.Error().Err(err).Str("db", name).Msg("migration error detected")
		if strings.Contains(err.Error(), "Dirty database version") {
			log.Warn().Str("db", name).Msg("dirty database detected, attempting to fix")
			if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
				log.Error().Err(fixErr).Str("db", name).Msg("failed to fix dirty database")
				return err
			}
			return migrations.Up(db)
		}
		return err
	}
	return nil
}

func logDBTarget(name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Info().Err(err).Str("db", name).Msg("database configured (dsn parse error)")
		return
	}
	log.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("database target")
}
