// Package api provides the HTTP API server for the evidence plane.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sealvault/evidence-plane/internal/api/handlers"
	"github.com/sealvault/evidence-plane/internal/api/health"
	"github.com/sealvault/evidence-plane/internal/api/middleware"
	"github.com/sealvault/evidence-plane/internal/auth"
	"github.com/sealvault/evidence-plane/internal/evidence"
	"github.com/sealvault/evidence-plane/internal/metrics"
	"github.com/sealvault/evidence-plane/internal/seal"
	"github.com/sealvault/evidence-plane/internal/store"
	"github.com/sealvault/evidence-plane/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Deps are the services the server routes to.
type Deps struct {
	Store    store.Store
	Auth     *auth.Service
	Sealer   *seal.Service
	Exporter *evidence.Exporter
	Metrics  *metrics.Metrics
	// Limiter enables per-caller rate limiting when set. Fallback decides
	// requests while Limiter is failing.
	Limiter  middleware.Limiter
	Fallback middleware.Limiter
	// Health overrides the default database-only checker.
	Health *health.Checker
}

// Server represents the HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	deps       Deps
	config     *config.Config
	logger     *slog.Logger
	health     *health.Checker
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		config: cfg,
		logger: logger,
		health: deps.Health,
	}
	if s.health == nil {
		s.health = health.NewChecker(deps.Store, Version)
	}
	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()
	dev := s.config.IsDevelopment()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger, dev))
	r.Use(middleware.Instrument(s.deps.Metrics))
	if s.config.RequestTimeout > 0 {
		r.Use(chimiddleware.Timeout(s.config.RequestTimeout))
	}

	r.Get("/health", s.health.Handler())
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	docs := handlers.NewDocsHandler(s.logger)
	r.Get("/openapi.yaml", docs.ServeOpenAPISpec)

	sealHandler := handlers.NewSealHandler(s.deps.Sealer, s.logger, dev)
	secretHandler := handlers.NewSecretHandler(s.deps.Sealer, s.logger, dev)
	exportHandler := handlers.NewExportHandler(s.deps.Exporter, s.logger, dev)
	orgHandler := handlers.NewOrgHandler(s.deps.Store, s.logger, dev)

	r.Group(func(r chi.Router) {
		authn := middleware.NewAuthMiddleware(s.deps.Auth, s.logger)
		if s.deps.Limiter != nil {
			r.Use(middleware.RateLimit(s.deps.Limiter, s.deps.Fallback, authn.CallerID, s.deps.Metrics, s.logger))
		}
		r.Use(authn.Authenticate)

		r.Route("/secrets", func(r chi.Router) {
			r.Post("/", secretHandler.Create)
			r.Post("/seal", sealHandler.Seal)
			r.Route("/{id}", func(r chi.Router) {
				r.Use(middleware.SecretScope)
				r.Get("/", secretHandler.Get)
				r.Get("/versions", secretHandler.Versions)
				r.Get("/versions/{number}", secretHandler.Version)
				r.Get("/audit", secretHandler.Audit)
				r.Post("/verify", secretHandler.Verify)
				r.Get("/export-evidence", exportHandler.Export)
			})
		})

		r.Route("/orgs", func(r chi.Router) {
			r.Get("/", orgHandler.List)
			r.Post("/", orgHandler.Create)
			r.Route("/{orgID}", func(r chi.Router) {
				r.Use(middleware.OrgMember(s.deps.Store.Orgs(), s.logger))
				r.Get("/secrets", secretHandler.List)
				r.Put("/members", orgHandler.AddMember)
			})
		})
	})

	s.router = r
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.Addr()
	writeTimeout := s.config.RequestTimeout + 15*time.Second
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr, "version", Version)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
