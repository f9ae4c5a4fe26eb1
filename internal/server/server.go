// Package server exposes probes, Prometheus metrics and the position API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/server/handler"
	"github.com/alanyoungcy/legchain/internal/server/middleware"
)

// Config holds the HTTP server settings.
type Config struct {
	Port   int
	APIKey string
	// RateLimit is requests per RateWindow per caller on /api routes. Zero
	// disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers are the route handlers. Positions may be nil, which leaves the
// API routes unregistered.
type Handlers struct {
	Health    *handler.HealthHandler
	Positions *handler.PositionHandler
	Metrics   http.Handler
}

// Server is the HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route. limiter may be nil.
func NewServer(cfg Config, h Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Health.Healthz)
	mux.HandleFunc("GET /readyz", h.Health.Readyz)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	if h.Positions != nil {
		api := http.NewServeMux()
		api.HandleFunc("POST /api/positions", h.Positions.Open)
		api.HandleFunc("GET /api/positions/{id}", h.Positions.Get)
		api.HandleFunc("DELETE /api/positions/{id}", h.Positions.Cancel)

		var apiHandler http.Handler = api
		if limiter != nil && cfg.RateLimit > 0 {
			apiHandler = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(apiHandler)
		}
		apiHandler = middleware.Auth(cfg.APIKey)(apiHandler)
		mux.Handle("/api/", apiHandler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           middleware.Logging(logger)(mux),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "http_server")),
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return ctx.Err()
}
