// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/observability"
	"github.com/nlweb-go/nlweb/pkg/tools"
)

// QueryRunner executes one query end to end. Implemented by
// pipeline.QueryHandler.
type QueryRunner interface {
	Run(ctx context.Context, req *core.Request, emit core.EmitFunc) (map[string][]core.Message, error)
}

// Retriever is the retrieval surface the HTTP layer needs: search for /who
// and the site inventory for /sites and readiness.
type Retriever interface {
	tools.Searcher
	GetSites(ctx context.Context) ([]string, error)
}

// Server is the NLWeb HTTP surface: /ask, /sites, /who, /mcp plus health
// and metrics endpoints.
type Server struct {
	cfg       *config.Config
	runner    QueryRunner
	retriever Retriever
	metrics   *observability.Metrics

	server *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithMetrics exposes the Prometheus scrape endpoint.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Server) { s.metrics = metrics }
}

func New(cfg *config.Config, runner QueryRunner, ret Retriever, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		runner:    runner,
		retriever: ret,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(corsMiddleware)

	r.Get("/ask", s.handleAsk)
	r.Post("/ask", s.handleAsk)
	r.Get("/sites", s.handleSites)
	r.Get("/who", s.handleWho)

	// Write surface, only when the retriever has a write endpoint behind it.
	if ing, ok := s.retriever.(Ingester); ok {
		r.Put("/documents", s.handleUploadDocuments(ing))
		r.Delete("/documents", s.handleDeleteDocuments(ing))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Mount("/mcp", s.mcpHandler())

	if s.metrics != nil && s.metrics.Enabled() {
		path := s.cfg.Metrics.Path
		r.Handle(path, s.metrics.Handler())
		slog.Info("Metrics endpoint enabled", "path", path)
	}

	return r
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.cfg.Server.Address(),
		Handler: s.routes(),
		// Streaming responses stay open well past a typical request, so the
		// write timeout is generous.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("HTTP server starting", "address", s.cfg.Server.Address())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	slog.Info("HTTP server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness by touching the retrieval layer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.retriever.GetSites(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// loggingMiddleware logs requests without wrapping the ResponseWriter, which
// would break http.Flusher for the streaming endpoints.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
