// Package api serves the local admin HTTP API: health, status, and
// read-only views over registered plugins and live sessions. It binds
// to loopback and never exposes command dispatch; the command socket is
// the only mutation surface.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/castellan/internal/dispatch"
	"github.com/mattjoyce/castellan/internal/events"
	"github.com/mattjoyce/castellan/internal/plugin"
)

// RegistryView is the read-only registry surface the API exposes.
type RegistryView interface {
	Snapshot() []plugin.Info
}

// SessionView is the read-only session surface the API exposes.
type SessionView interface {
	Sessions() []dispatch.SessionInfo
	Connections() int
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Token is the bearer token protecting everything except /healthz.
	Token string
	// ConfigFingerprint is the BLAKE3 hash of the loaded config file.
	ConfigFingerprint string
	Version           string
}

// Server is the admin HTTP API server.
type Server struct {
	config    Config
	registry  RegistryView
	sessions  SessionView
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server instance. hub may be nil; the event stream
// endpoint then reports 404.
func New(config Config, registry RegistryView, sessions SessionView, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		registry:  registry,
		sessions:  sessions,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking until ctx is cancelled).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// The event stream holds its response open; clients reconnect
		// with Last-Event-ID when the cap cuts them off.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/status", s.handleStatus)
		r.Get("/v1/plugins", s.handlePlugins)
		r.Get("/v1/sessions", s.handleSessions)
		r.Get("/v1/events", s.handleEvents)
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
