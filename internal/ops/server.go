// Package ops provides the scheduler's operational HTTP listener:
// liveness and readiness probes, Prometheus metrics exposition, and a
// small status endpoint over the scheduler's in-memory bookkeeping.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"flowmill/internal/config"
)

// StatusSource exposes the scheduler's read-only bookkeeping snapshots.
type StatusSource interface {
	Running() map[string]time.Time
	LastEvaluations() map[string]time.Time
}

// Server is the ops HTTP listener. It is not part of the scheduling core;
// losing it never affects trigger evaluation.
type Server struct {
	logger *slog.Logger
	srv    *http.Server
	ready  atomic.Bool
}

// NewServer builds the listener. metricsHandler serves /metrics; status
// may be nil, in which case /statusz returns an empty document.
func NewServer(cfg config.OpsConfig, metricsHandler http.Handler, status StatusSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{logger: logger}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metricsHandler)
	r.Get("/statusz", func(w http.ResponseWriter, _ *http.Request) {
		doc := map[string]any{}
		if status != nil {
			doc["running"] = status.Running()
			doc["last_evaluations"] = status.LastEvaluations()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			s.logger.Warn("failed to encode status document", "error", err)
		}
	})

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// SetReady flips the readiness probe. The daemon marks ready after the
// catalog is loaded and the stores answered their first ping.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start serves until Shutdown. A closed-server return is normal
// termination and reported as nil.
func (s *Server) Start() error {
	s.logger.Info("ops listener starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the listener within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
