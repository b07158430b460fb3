// Package api is the agent's local read-only surface: a small HTTP server
// exposing health, status, journal history, and a live event stream for the
// monitor TUI and operator scripts. It never accepts work; jobs only arrive
// over the dispatcher session.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lkhq/spark/internal/config"
	"github.com/lkhq/spark/internal/engine"
	"github.com/lkhq/spark/internal/events"
	"github.com/lkhq/spark/internal/journal"
	"github.com/lkhq/spark/internal/log"
)

// StatusSource yields the current agent status snapshot.
type StatusSource interface {
	Status() *engine.Status
}

// JournalReader is the read side of the job journal.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	ForJob(ctx context.Context, jobID string) ([]journal.Entry, error)
}

// Server is the HTTP API server.
type Server struct {
	cfg       config.APIConfig
	status    StatusSource
	jnl       JournalReader
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server. jnl may be nil when the journal is disabled; the
// journal endpoints then answer 503.
func New(cfg config.APIConfig, status StatusSource, jnl JournalReader, hub *events.Hub) *Server {
	return &Server{
		cfg:       cfg,
		status:    status,
		jnl:       jnl,
		hub:       hub,
		logger:    log.WithComponent("api"),
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is canceled (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /events streams indefinitely
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("api server starting", "listen", s.cfg.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// The rest requires the bearer token when one is configured.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.handleStatus)
		r.Get("/jobs/recent", s.handleRecentJobs)
		r.Get("/jobs/{jobID}", s.handleJob)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
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
