package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/moyuren/internal/app"
	"github.com/ternarybob/moyuren/internal/common"
)

// Server manages the HTTP server and routes
type Server struct {
	app    *app.App
	router *http.ServeMux
	server *http.Server
}

// New creates a new HTTP server with the given app
func New(application *app.App) *Server {
	s := &Server{
		app: application,
	}

	// Setup routes
	s.router = s.setupRoutes()

	cfg := application.Config.Server
	s.server = &http.Server{
		Addr:         s.addr(),
		Handler:      s.withMiddleware(s.router),
		ReadTimeout:  common.ParseDurationOr(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout: common.ParseDurationOr(cfg.WriteTimeout, 60*time.Second),
		IdleTimeout:  common.ParseDurationOr(cfg.IdleTimeout, 60*time.Second),
	}

	return s
}

// Handler returns the routed handler with middleware, for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.app.Logger.Info().
		Str("address", s.addr()).
		Msg("HTTP server starting")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.app.Logger.Info().Msg("Shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.app.Logger.Info().Msg("HTTP server stopped")
	return nil
}

func (s *Server) addr() string {
	return fmt.Sprintf("%s:%d", s.app.Config.Server.Host, s.app.Config.Server.Port)
}
