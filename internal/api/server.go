// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

// Package api serves the read-only status API: session history, per-session
// audit reports, mirror counts, health, and Prometheus metrics. The API
// never mutates anything; all writes go through the sync pipeline.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncforge/shopmirror/internal/audit"
	"github.com/syncforge/shopmirror/internal/config"
	"github.com/syncforge/shopmirror/internal/logging"
	"github.com/syncforge/shopmirror/internal/metrics"
	"github.com/syncforge/shopmirror/internal/mirror"
	"github.com/syncforge/shopmirror/internal/state"
)

// Server is the status HTTP server.
type Server struct {
	cfg    *config.ServerConfig
	states *state.Store
	audit  *audit.Logger
	mirror *mirror.Store
	http   *http.Server
}

// NewServer builds the status server over already-opened stores.
func NewServer(cfg *config.ServerConfig, st *state.Store, a *audit.Logger, m *mirror.Store) *Server {
	s := &Server{
		cfg:    cfg,
		states: st,
		audit:  a,
		mirror: m,
	}
	s.http = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler:      s.routes(),
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(httprate.LimitByIP(s.cfg.RateLimitReqs, s.cfg.RateLimitWindow))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{id}", s.handleSession)
		r.Get("/sessions/{id}/report", s.handleReport)
		r.Get("/mirror/counts", s.handleCounts)
	})

	return r
}

// ListenAndServe runs the server until the context is canceled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.http.Addr).Msg("Status API listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.mirror.DB().PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "mirror database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.states.ListSessions()
	if err != nil {
		logging.Error().Err(err).Msg("Listing sessions failed")
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.states.LoadSession(id)
	switch {
	case errors.Is(err, state.ErrNotFound), errors.Is(err, state.ErrCorruptSnapshot):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		logging.Error().Str("session_id", id).Err(err).Msg("Loading session failed")
		writeError(w, http.StatusInternalServerError, "failed to load session")
	default:
		writeJSON(w, http.StatusOK, sess)
	}
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := s.audit.GenerateReport(r.Context(), id)
	if err != nil {
		logging.Warn().Str("session_id", id).Err(err).Msg("Report generation failed")
		writeError(w, http.StatusNotFound, "no report available for session")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.mirror.Counts(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("Counting mirror rows failed")
		writeError(w, http.StatusInternalServerError, "failed to count mirror rows")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("Encoding response failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requestLogging records every request with its latency and status, and
// updates the API metrics.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		metrics.APIRequests.WithLabelValues(r.Method, fmt.Sprintf("%d", ww.Status())).Inc()
		metrics.APIRequestDuration.Observe(elapsed.Seconds())
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Msg("Request handled")
	})
}
