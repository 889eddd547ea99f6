package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/creditmeter/backend/internal/config"
	"github.com/PortNumber53/creditmeter/backend/internal/handlers"
	requesttracking "github.com/PortNumber53/creditmeter/backend/internal/middleware"
	"github.com/PortNumber53/creditmeter/backend/internal/worker"
)

// BillingAPI is everything the HTTP surface needs from the billing core.
type BillingAPI interface {
	handlers.BillingService
	handlers.WebhookProcessor
}

// Dependencies are the collaborators routed by the server. Nil optional
// fields leave their routes unregistered.
type Dependencies struct {
	Billing BillingAPI
	// Jobs backs the notification outbox admin routes.
	Jobs handlers.JobStore
	// DB backs the /readyz check.
	DB handlers.Pinger
	// Worker is started and stopped with the server.
	Worker *worker.Worker
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
}

// New constructs an HTTP server using the provided configuration and dependencies.
func New(cfg config.Config, deps Dependencies) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(requesttracking.RequestTracker)

	router.Get("/healthz", handlers.Health)
	if deps.DB != nil {
		router.Get("/readyz", handlers.Ready(deps.DB))
	}
	router.Handle("/metrics", promhttp.Handler())

	if deps.Billing != nil {
		handlers.NewBillingHandler(deps.Billing).RegisterRoutes(router)
		handlers.NewStripeHandler(deps.Billing).RegisterRoutes(router)
	}

	if deps.Jobs != nil && cfg.AdminToken != "" {
		handlers.NewJobHandler(deps.Jobs, cfg.AdminToken).RegisterRoutes(router)
	} else if deps.Jobs != nil {
		log.Warn().Str("component", "server").Msg("ADMIN_API_TOKEN not set; admin routes disabled")
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker}
}

// Start begins serving HTTP traffic and starts the worker.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		log.Info().Str("component", "server").Msg("starting notification worker")
		s.worker.Start(ctx)
	}
	log.Info().Str("component", "server").Str("addr", s.httpServer.Addr).Msg("listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.worker != nil {
		log.Info().Str("component", "server").Msg("shutting down notification worker")
		if werr := s.worker.Stop(ctx); werr != nil {
			log.Error().Err(werr).Str("component", "server").Msg("worker shutdown error")
		}
	}
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
