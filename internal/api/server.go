// Package api serves the HTTP surface: roster inspection, job submission,
// the job log, the lifecycle event stream and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/rota/internal/auth"
	"github.com/mattjoyce/rota/internal/dispatch"
	"github.com/mattjoyce/rota/internal/events"
	"github.com/mattjoyce/rota/internal/joblog"
	"github.com/mattjoyce/rota/internal/roster"
)

// Dispatcher is the part of dispatch.Dispatcher the API drives.
type Dispatcher interface {
	Handle(ctx context.Context, ev dispatch.Event) error
	Roster() *roster.Roster
}

// JobLog lists recorded job outcomes.
type JobLog interface {
	Recent(ctx context.Context, limit int) ([]joblog.Record, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// MaxBodyBytes caps job payloads submitted over HTTP.
	MaxBodyBytes int64
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	dispatcher Dispatcher
	jobs       JobLog
	events     *events.Hub
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance. jobs may be nil when the job log
// is disabled; gatherer may be nil to leave /metrics unregistered.
func New(config Config, d Dispatcher, jobs JobLog, hub *events.Hub, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:     config,
		dispatcher: d,
		jobs:       jobs,
		events:     hub,
		gatherer:   gatherer,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Job results and the event stream can take a long time.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeRosterRO)).Get("/roster", s.handleRoster)
		r.With(s.requireScopes(auth.ScopeRosterRO)).Get("/openapi.json", s.handleOpenAPI)
		r.With(s.requireScopes(auth.ScopeJobsRW)).Post("/jobs/{capability}", s.handleSubmitJob)
		r.With(s.requireScopes(auth.ScopeJobsRO)).Get("/jobs", s.handleListJobs)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
