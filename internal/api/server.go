// Package api serves conduit's debug HTTP API: health, scheduler status,
// ad-hoc requests, the live activity feed and the request journal.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/conduit/internal/client"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/journal"
	"github.com/mattjoyce/conduit/internal/scheduler"
)

// Backend is the client surface the API drives.
type Backend interface {
	Stats() client.Stats
	Request(ctx context.Context, command string, payload any, opts ...scheduler.RequestOptions) (*scheduler.Response, error)
}

// JournalReader lists journaled requests.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey enables bearer authentication when non-empty.
	APIKey         string
	RequestTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	backend   Backend
	journal   JournalReader
	feed      *events.Feed
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server. journal may be nil.
func New(config Config, backend Backend, journal JournalReader, feed *events.Feed, logger *slog.Logger) *Server {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 60 * time.Second
	}
	if feed == nil {
		feed = events.NewFeed(256)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		backend:   backend,
		journal:   journal,
		feed:      feed,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// SSE streams and long requests stay open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.APIKey != "")

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

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		if s.config.APIKey != "" {
			r.Use(s.authMiddleware)
		}
		r.Get("/status", s.handleStatus)
		r.Post("/request/{command}", s.handleRequest)
		r.Get("/events", s.handleEvents)
		if s.journal != nil {
			r.Get("/journal", s.handleJournal)
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"http_request_id", middleware.GetReqID(r.Context()),
		)
	})
}
