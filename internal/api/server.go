// Package api serves the worker's optional diagnostics endpoints. It only
// reads shared state and never calls the engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/dmworker/internal/registry"
	"github.com/seantiz/dmworker/internal/store"
	"github.com/seantiz/dmworker/internal/tap"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// StateReporter exposes the worker's lifecycle to the health endpoint.
type StateReporter interface {
	State() string
	InstanceID() int
}

// Server wraps the chi router and the worker state it reports on.
type Server struct {
	router   *chi.Mux
	registry *registry.Registry
	store    store.Store
	tap      *tap.Tap
	worker   StateReporter
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a diagnostics server. s and t may be nil
// when the journal or the traffic tap is disabled.
func NewServer(addr string, reg *registry.Registry, s store.Store, t *tap.Tap, wk StateReporter, logger *slog.Logger) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		registry: reg,
		store:    s,
		tap:      t,
		worker:   wk,
		logger:   logger,
		addr:     addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.endpoint(endpointHealth, s.handleHealthz))
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/instances", s.endpoint(endpointInstances, s.handleListInstances))
		r.Get("/journal", s.endpoint(endpointJournal, s.handleListJournal))
		r.Get("/stats", s.endpoint(endpointStats, s.handleGetStats))
		r.Get("/traffic", s.endpoint(endpointTraffic, s.handleStreamTraffic))
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("diagnostics listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("diagnostics stopped")
	return nil
}

// writeJSON writes v as a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	State string `json:"state"`
}

// writeError writes a JSON error response that also reports the worker's
// lifecycle state.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message, State: s.worker.State()})
}
