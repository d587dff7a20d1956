// Package api serves the bridge's HTTP status and command API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"contecbridge/internal/hass"
	"contecbridge/internal/integration"
)

// EntitySource is the entity host the API reads and commands.
type EntitySource interface {
	Entities() []hass.Entity
	Entity(key hass.Key) (hass.Entity, bool)
	Execute(ctx context.Context, key hass.Key, cmd hass.Command) error
}

// StatusSource reports the set-up entries.
type StatusSource interface {
	Status() []integration.EntryStatus
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck adds a named dependency to /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks = append(s.checks, namedCheck{name: name, check: check})
	}
}

type namedCheck struct {
	name  string
	check HealthCheck
}

// Server provides the HTTP API.
type Server struct {
	entities EntitySource
	status   StatusSource
	checks   []namedCheck
	logger   *zap.Logger
	router   chi.Router
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a server listening on port once started.
func NewServer(entities EntitySource, status StatusSource, logger *zap.Logger, port int, opts ...Option) *Server {
	s := &Server{
		entities: entities,
		status:   status,
		logger:   logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(bodySizeLimitMiddleware)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)

	r.Route("/api/entities", func(r chi.Router) {
		r.Get("/", s.handleListEntities)
		r.Get("/{domain}/{uid}", s.handleGetEntity)
		r.Post("/{domain}/{uid}/command", s.handleCommand)
	})

	r.NotFound(s.handleSitemap)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Starting HTTP API server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
