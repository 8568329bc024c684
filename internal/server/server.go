// Package server exposes the engine over HTTP: analysis submission, job
// polling, SSE progress streams, cancellation, and a status summary.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"vidatlas/internal/cache"
	"vidatlas/internal/config"
	"vidatlas/internal/dispatch"
	"vidatlas/internal/events"
	"vidatlas/internal/logging"
	"vidatlas/internal/registry"
)

// Deps aggregates the engine components the HTTP layer serves.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Store      *registry.Store
	Cache      *cache.Store
	Hub        *events.Hub
	Version    string
}

// Server is the HTTP front end of the analysis engine.
type Server struct {
	cfg     *config.Config
	deps    Deps
	logger  *slog.Logger
	limiter *rate.Limiter

	listener net.Listener
	server   *http.Server
}

// New builds the server and its routes. The bind address comes from
// configuration; Start opens the listener.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if strings.TrimSpace(cfg.Server.Bind) == "" {
		return nil, errors.New("server bind address is required")
	}
	if deps.Dispatcher == nil || deps.Store == nil || deps.Cache == nil || deps.Hub == nil {
		return nil, errors.New("dispatcher, store, cache, and hub are required")
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logging.NewComponentLogger(logger, "api-server"),
		limiter: newPollLimiter(cfg),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/analyses", s.requireAuth(s.handleAnalyses))
	mux.HandleFunc("/api/jobs", s.requireAuth(s.handleJobs))
	mux.HandleFunc("/api/jobs/", s.requireAuth(s.handleJobResource))
	mux.HandleFunc("/api/status", s.requireAuth(s.handleStatus))

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: SSE responses stay open for the job's lifetime.
		IdleTimeout: 60 * time.Second,
	}
	return s, nil
}

// newPollLimiter builds the global limiter for the polling endpoint. A zero
// rate disables limiting.
func newPollLimiter(cfg *config.Config) *rate.Limiter {
	limit := rate.Limit(cfg.Server.RateLimitPerSecond)
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Server.RateLimitBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}

// Start opens the listener and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", strings.TrimSpace(s.cfg.Server.Bind))
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening",
		logging.String("address", listener.Addr().String()),
		logging.Bool("auth", s.cfg.Server.APIToken != ""))
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// Addr reports the bound address, or empty before Start.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// requireAuth validates bearer tokens when an API token is configured.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	token := strings.TrimSpace(s.cfg.Server.APIToken)
	if token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
