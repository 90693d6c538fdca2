// Package api exposes the engine's submit/subscribe/cancel/query contract
// over HTTP for the UI collaborator: JSON endpoints plus SSE event streams.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/opkit/internal/action"
	"github.com/mattjoyce/opkit/internal/dispatch"
	"github.com/mattjoyce/opkit/internal/eventlog"
	"github.com/mattjoyce/opkit/internal/events"
)

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey, when set, requires a matching bearer token on every request
	// except /healthz.
	APIKey string
}

// Server is the HTTP front of the engine.
type Server struct {
	config    Config
	disp      *dispatch.Dispatcher
	catalog   []action.Descriptor
	byID      map[string]*action.Descriptor
	sink      *eventlog.Sink
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a server over the dispatcher and its collaborators.
func New(config Config, disp *dispatch.Dispatcher, catalog []action.Descriptor, sink *eventlog.Sink, hub *events.Hub, logger *slog.Logger) *Server {
	byID := make(map[string]*action.Descriptor, len(catalog))
	for i := range catalog {
		byID[catalog[i].ID] = &catalog[i]
	}
	return &Server{
		config:    config,
		disp:      disp,
		catalog:   catalog,
		byID:      byID,
		sink:      sink,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the server until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.routes(),
		ReadTimeout: 10 * time.Second,
		// SSE streams stay open indefinitely; no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("api server starting", "listen", s.config.Listen)

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

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/actions", s.handleListActions)
		r.Post("/v1/tasks", s.handleSubmit)
		r.Get("/v1/tasks", s.handleListTasks)
		r.Get("/v1/tasks/{taskID}", s.handleQuery)
		r.Delete("/v1/tasks/{taskID}", s.handleCancel)
		r.Get("/v1/tasks/{taskID}/events", s.handleTaskEvents)
		r.Get("/v1/events", s.handleEvents)
		r.Get("/v1/log", s.handleLog)
	})

	return r
}

// authMiddleware enforces the single bearer token when one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.APIKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
