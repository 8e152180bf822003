// Package daemon exposes the multi-session lifecycle manager over HTTP.
package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/clusterui/pkg/model"
)

// Sessions is what the API needs from the lifecycle manager.
type Sessions interface {
	Start(ctx context.Context, req model.SessionRequest) (*model.SessionDescriptor, error)
	Get(id string) (*model.SessionDescriptor, error)
	List() []*model.SessionDescriptor
	Cancel(id string) (*model.SessionDescriptor, error)
}

// RequestBuilder resolves an API request (profile name, transport name,
// duration string) into a SessionRequest.
type RequestBuilder func(model.CreateSessionRequest) (model.SessionRequest, error)

// Server is the cui daemon REST API server.
type Server struct {
	router      chi.Router
	logger      *slog.Logger
	startTime   time.Time
	sessions    Sessions
	build       RequestBuilder
	outstanding func() []string // optional; pending removals for /health
	version     string
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithOutstanding reports pending scheduler removals on the health endpoint.
func WithOutstanding(fn func() []string) Option {
	return func(s *Server) {
		s.outstanding = fn
	}
}

// WithVersion sets the version string reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new Server with all routes registered.
func New(sessions Sessions, build RequestBuilder, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "daemon"),
		startTime: time.Now(),
		sessions:  sessions,
		build:     build,
		version:   "0.1",
	}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Get("/{id}", s.handleGetSession)
			r.Put("/{id}/cancel", s.handleCancelSession)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusNotFound,
			&model.APIError{Code: model.ErrNotFound, Message: "no route for " + r.Method + " " + r.URL.Path})
	})
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
