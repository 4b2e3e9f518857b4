// Package server provides the read-only admin HTTP API: engine status,
// regime, recent alerts, and Prometheus metrics. It never mutates engine
// state; writes go through IPC.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusSource serves the engine status snapshot, shared with GET_STATUS.
type StatusSource interface {
	StatusData() map[string]interface{}
}

// RegimeSource serves the latest regime snapshot rendering.
type RegimeSource interface {
	RegimeData() (map[string]interface{}, error)
}

// AlertSource serves recent alert history.
type AlertSource interface {
	RecentAlerts(symbol string, hours, limit int) (interface{}, error)
}

// Config wires the admin server.
type Config struct {
	Listen   string
	Status   StatusSource
	Regime   RegimeSource
	Alerts   AlertSource
	Registry *prometheus.Registry
	Log      zerolog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	cfg    Config
	log    zerolog.Logger
	router *chi.Mux
	http   *http.Server
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		log:    cfg.Log.With().Str("component", "admin_http").Logger(),
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	s.http = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Timeout(30 * time.Second))

	// Local GUI dev servers hit the API cross-origin.
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/regime", s.handleRegime)
		r.Get("/alerts/recent", s.handleRecentAlerts)
		r.Get("/system", s.handleSystem)
	})
	if s.cfg.Registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens in the background. Errors after startup are logged.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Admin API stopped unexpectedly")
			errCh <- err
		}
	}()

	// Surface immediate bind failures to the caller.
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start admin API on %s: %w", s.cfg.Listen, err)
	case <-time.After(100 * time.Millisecond):
	}
	s.log.Info().Str("listen", s.cfg.Listen).Msg("Admin API listening")
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
