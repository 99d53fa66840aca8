// Package api serves a queue over HTTP: task submission, stats, the
// settled-task journal, live events and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/taskpool/internal/config"
	"github.com/mattjoyce/taskpool/internal/events"
	"github.com/mattjoyce/taskpool/internal/history"
	"github.com/mattjoyce/taskpool/internal/metrics"
	"github.com/mattjoyce/taskpool/internal/pool"
)

// Queue is the part of a pool the API drives.
type Queue interface {
	Name() string
	Stats() pool.Stats
	Enqueue(request json.RawMessage, accept func(json.RawMessage), reject func(error)) string
	Push(request json.RawMessage) string
}

// HistoryReader reads the settled-task journal.
type HistoryReader interface {
	Get(ctx context.Context, taskID string) (*history.Record, error)
	Recent(ctx context.Context, queue string, limit int) ([]history.Record, error)
	Summarize(ctx context.Context, queue string) (history.Summary, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Token, when set, must be presented as a bearer token on every
	// endpoint except /healthz and /metrics.
	Token string
	// MaxConcurrentSync caps synchronous submissions waiting at once.
	MaxConcurrentSync int
	// SyncTimeout bounds how long a synchronous submission waits before
	// answering 202 with the task still running. Zero waits for the client.
	SyncTimeout time.Duration
}

// Options carries the optional collaborators of a Server. Nil fields
// disable the endpoints that need them.
type Options struct {
	History HistoryReader
	Events  *events.Hub
	Metrics *metrics.Metrics
	// Loaded is the config the service started from, reported on /healthz.
	Loaded *config.Config
}

// Server represents the HTTP API server
type Server struct {
	config        Config
	queue         Queue
	opts          Options
	logger        *slog.Logger
	server        *http.Server
	startedAt     time.Time
	syncSemaphore chan struct{}
}

// New creates a new API server instance
func New(cfg Config, q Queue, opts Options, logger *slog.Logger) *Server {
	if cfg.MaxConcurrentSync <= 0 {
		cfg.MaxConcurrentSync = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:        cfg,
		queue:         q,
		opts:          opts,
		logger:        logger,
		startedAt:     time.Now(),
		syncSemaphore: make(chan struct{}, cfg.MaxConcurrentSync),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Synchronous submissions and /events hold the response open.
		WriteTimeout: 0,
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

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.opts.Metrics != nil {
		r.Use(s.opts.Metrics.Middleware)
	}
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/stats", s.handleStats)
		r.Post("/tasks", s.handleSubmit)
		r.Get("/history", s.handleHistory)
		r.Get("/history/{taskID}", s.handleHistoryRecord)
		r.Get("/events", s.handleEvents)
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
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
