// Package server wires the HTTP surface: the WebSocket endpoint that feeds
// the market actors and the proof-gated admin REST routes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/watthour/gridmarket/internal/server/handler"
	"github.com/watthour/gridmarket/internal/server/middleware"
	"github.com/watthour/gridmarket/internal/server/ws"

	"github.com/watthour/gridmarket/internal/auth"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health  *handler.HealthHandler
	Markets *handler.MarketHandler
	WS      *ws.Handler
}

// Server is the combined HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. The admin routes
// sit behind the operator-credential middleware; the WebSocket endpoint does
// its own proof check before upgrading.
func NewServer(cfg Config, handlers Handlers, verifier *auth.Verifier, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Realtime endpoint; proof-gated inside the handler, pre-upgrade.
	mux.HandleFunc("GET /ws/{market}", handlers.WS.HandleConnect)

	// Admin surface.
	adminAuth := middleware.AdminAuth(verifier)
	admin := http.NewServeMux()
	admin.HandleFunc("GET /api/markets/{market}", handlers.Markets.Inspect)
	admin.HandleFunc("POST /api/markets/{market}/reset", handlers.Markets.Reset)
	admin.HandleFunc("DELETE /api/markets/{market}", handlers.Markets.Destroy)
	admin.HandleFunc("PUT /api/markets/{market}/visibility", handlers.Markets.SetVisibility)
	admin.HandleFunc("GET /api/markets/{market}/export", handlers.Markets.Export)
	mux.Handle("/api/markets/", adminAuth(admin))

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
