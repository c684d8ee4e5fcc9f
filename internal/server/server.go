// Package server exposes the memory engine over a small HTTP API.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dativo-io/engram/internal/lifecycle"
	"github.com/dativo-io/engram/internal/memory"
	"github.com/dativo-io/engram/internal/otel"
)

const defaultTimeout = 60 * time.Second

// Server holds all dependencies for the HTTP API.
type Server struct {
	router    *chi.Mux
	engine    *memory.Engine
	lifecycle *lifecycle.Manager
	limiter   *RateLimiter
	startTime time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithLifecycle wires the lifecycle manager so /healthz can report backend
// reachability.
func WithLifecycle(m *lifecycle.Manager) Option {
	return func(s *Server) { s.lifecycle = m }
}

// WithRateLimiter sets the per-caller request limiter.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// NewServer builds a Server around the engine with optional Option(s).
func NewServer(engine *memory.Engine, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		engine:    engine,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler (chi router with all
// middleware and routes).
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.MiddlewareWithStatus())

	// Unauthenticated
	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(RateLimitMiddleware(s.limiter))
		}
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/memories", s.handleStore)
		r.Get("/v1/memories/{id}", s.handleGet)
		r.Delete("/v1/memories/{id}", s.handleDelete)
		r.Post("/v1/retrieve", s.handleRetrieve)
		r.Post("/v1/search", s.handleSearch)
		r.Get("/v1/stats", s.handleStats)

		r.Post("/v1/rules", s.handleAddRule)
		r.Get("/v1/rules", s.handleRules)
		r.Post("/v1/strategies", s.handleAddStrategy)
		r.Get("/v1/strategies", s.handleStrategies)
		r.Get("/v1/history", s.handleHistory)
		r.Get("/v1/archives", s.handleArchives)

		r.Post("/v1/share", s.handleShare)
		r.Get("/v1/shared", s.handleShared)
		r.Delete("/v1/share", s.handleUnshare)
	})

	return r
}
