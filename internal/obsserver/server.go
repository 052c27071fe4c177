// Package obsserver exposes a pool's runtime state over HTTP: connection
// stats, a liveness probe, and Prometheus metrics. Adapted from the
// teacher's REST API server, stripped to the read-only observability
// surface this library's scope covers.
package obsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsProvider is implemented by the pool facade this server reports on.
type StatsProvider interface {
	Stats() any
}

// Server is the HTTP observability surface for one pool.
type Server struct {
	stats          StatsProvider
	metricsHandler http.Handler
	httpServer     *http.Server
	startTime      time.Time
	logger         *slog.Logger
}

// New builds a Server. registry may be nil, in which case /metrics serves
// the default Prometheus handler.
func New(stats StatsProvider, registry http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		stats:          stats,
		metricsHandler: registry,
		startTime:      time.Now(),
		logger:         logger,
	}
}

// Start begins serving on bind:port in the background.
func (s *Server) Start(bind string, port int) error {
	r := mux.NewRouter()
	r.HandleFunc("/stats", s.statsHandler).Methods("GET")
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler)
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("observability server listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("observability server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.stats.Stats())
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"uptime_sec": int(time.Since(s.startTime).Seconds()),
	})
}
