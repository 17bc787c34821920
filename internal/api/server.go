// Package api exposes hydrant's HTTP status and metrics surface, ported
// from the teacher's internal/api/server.go (a gorilla/mux router wrapping
// a *http.Server with a graceful Shutdown) trimmed to the two read-only
// endpoints spec.md §6 names: GET /status and GET /metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hydrant-io/hydrant/internal/metrics"
	"github.com/hydrant-io/hydrant/internal/pool"
	"github.com/hydrant-io/hydrant/internal/stats"
)

// Server is hydrant's status/metrics HTTP server.
type Server struct {
	pool      *pool.Pool
	ledger    *stats.Ledger
	collector *metrics.Collector

	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds a Server bound to the given pool, stats ledger, and
// metrics collector.
func NewServer(p *pool.Pool, l *stats.Ledger, c *metrics.Collector) *Server {
	return &Server{pool: p, ledger: l, collector: c, startTime: time.Now()}
}

// Start begins serving on addr in the background; it does not block. A
// listen failure is logged the same way the teacher logs an async server
// error rather than surfaced as a return value, since by the time it could
// fail the caller has already moved on to processing input.
func (s *Server) Start(addr string) {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry, promhttp.HandlerOpts{})).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("status server error", "err", err)
		}
	}()
}

type statusDocument struct {
	UptimeSeconds float64        `json:"uptime_seconds"`
	Pool          pool.Snapshot  `json:"pool"`
	Stats         stats.Snapshot `json:"stats"`
}

// statusHandler serves the combined pool/stats JSON document, acquiring the
// stats snapshot first and the pool snapshot second to honor the declared
// stats_mutex -> pool_mutex lock ordering (spec.md §7).
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	doc := statusDocument{
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Stats:         s.ledger.Snapshot(),
		Pool:          s.pool.Snapshot(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		slog.Error("encoding status document", "err", err)
	}
}

// Shutdown gracefully stops the HTTP server, waiting up to 5 seconds for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down status server: %w", err)
	}
	return nil
}
