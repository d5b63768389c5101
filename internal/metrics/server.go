package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessFunc reports whether the service can do useful work
type ReadinessFunc func(ctx context.Context) error

// Server exposes /metrics, /health and /ready
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer builds the metrics server for the collectors in gatherer
func NewServer(addr string, gatherer prometheus.Gatherer, ready ReadinessFunc, logger *slog.Logger) *Server {
	if addr == "" {
		addr = ":9091"
	}

	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      Handler(gatherer, ready),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the mux served by Server
func Handler(gatherer prometheus.Gatherer, ready ReadinessFunc) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				http.Error(w, "NOT READY: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})

	return mux
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.logger.Info("starting metrics server",
		"address", s.server.Addr,
		"endpoints", []string{"/metrics", "/health", "/ready"})

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down metrics server")
	return s.server.Shutdown(ctx)
}
