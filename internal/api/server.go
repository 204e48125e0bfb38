// Package api exposes the gateway's HTTP surface: evaluation, approvals,
// near-misses, budgets, webhook management and the live dashboard socket.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riskgate/riskgate/internal/auth"
	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/engine"
	"github.com/riskgate/riskgate/internal/event"
	"github.com/riskgate/riskgate/internal/metrics"
	"github.com/riskgate/riskgate/internal/policy"
	"github.com/riskgate/riskgate/internal/store"
)

// Server is the gateway HTTP server.
type Server struct {
	config     config.ServerConfig
	engine     *engine.Engine
	store      store.Store
	policies   *policy.Store
	keyring    *auth.Keyring
	hub        *event.Hub
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	version    string
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(
	cfg config.ServerConfig,
	eng *engine.Engine,
	st store.Store,
	policies *policy.Store,
	keyring *auth.Keyring,
	hub *event.Hub,
	m *metrics.Metrics,
	registry *prometheus.Registry,
	version string,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:   cfg,
		engine:   eng,
		store:    st,
		policies: policies,
		keyring:  keyring,
		hub:      hub,
		metrics:  m,
		registry: registry,
		version:  version,
		mux:      http.NewServeMux(),
		logger:   logger.With("component", "api"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Public endpoints
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.registry != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	// Core evaluation surface
	s.mux.HandleFunc("POST /evaluate", s.protected(s.handleEvaluate))
	s.mux.HandleFunc("POST /approve", s.protected(s.handleApprove))
	s.mux.HandleFunc("POST /near-miss", s.protected(s.handleNearMiss))
	s.mux.HandleFunc("GET /budget/{session_id}", s.protected(s.handleBudget))
	s.mux.HandleFunc("GET /stats", s.protected(s.handleStats))

	// Configuration
	s.mux.HandleFunc("POST /config/webhooks", s.protected(s.handleCreateWebhook))
	s.mux.HandleFunc("GET /config/webhooks", s.protected(s.handleListWebhooks))
	s.mux.HandleFunc("DELETE /config/webhooks/{id}", s.protected(s.handleDeleteWebhook))
	s.mux.HandleFunc("POST /config/reload", s.protected(s.handleReloadPolicy))

	// Audit
	s.mux.HandleFunc("GET /audit/export", s.protected(s.handleAuditExport))

	// Live dashboard
	s.mux.HandleFunc("GET /ws/dashboard", s.protected(s.hub.HandleWebSocket))
}

// protected wraps a handler with API-key authentication.
func (s *Server) protected(next http.HandlerFunc) http.HandlerFunc {
	if s.keyring == nil {
		return next
	}
	wrapped := s.keyring.Middleware(next)
	return wrapped.ServeHTTP
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.metrics != nil {
		h = metrics.Middleware(s.metrics)(h)
	}
	if s.config.CORS {
		h = corsMiddleware(h)
	}
	return h
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("gateway API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server and disconnects dashboard clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds permissive CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+auth.HeaderName)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
