// Package supervisor runs the background audit workers that watch pool
// health and periodically report it, the Go rendering of the original's
// supervisor threads (src/worker.c) that periodically called
// get_detailed_status and logged a heartbeat.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hydrant-io/hydrant/internal/eventsink"
	"github.com/hydrant-io/hydrant/internal/metrics"
	"github.com/hydrant-io/hydrant/internal/pool"
	"github.com/hydrant-io/hydrant/internal/stats"
)

// WorkerCount is the fixed number of supervisor goroutines, matching the
// original's two dedicated monitoring threads.
const WorkerCount = 2

// auditInterval is how often each worker re-checks pool/stats state.
const auditInterval = time.Second

// heartbeatInterval throttles the periodic INFO heartbeat to at most once a
// minute per worker, so a healthy system doesn't spam the event sink.
const heartbeatInterval = time.Minute

// Supervisor runs WorkerCount audit loops until Stop is called.
type Supervisor struct {
	pool   *pool.Pool
	ledger *stats.Ledger
	metric *metrics.Collector

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Supervisor over the given pool, stats ledger, and
// metrics collector.
func New(p *pool.Pool, l *stats.Ledger, m *metrics.Collector) *Supervisor {
	return &Supervisor{pool: p, ledger: l, metric: m}
}

// Start launches WorkerCount audit goroutines.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < WorkerCount; i++ {
		s.wg.Add(1)
		id := eventsink.NewThreadID()
		go func() {
			defer s.wg.Done()
			s.run(eventsink.WithThreadID(ctx, id))
		}()
	}
}

func (s *Supervisor) run(ctx context.Context) {
	ticker := time.NewTicker(auditInterval)
	defer ticker.Stop()

	var lastHeartbeat time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.audit(ctx, &lastHeartbeat)
		}
	}
}

func (s *Supervisor) audit(ctx context.Context, lastHeartbeat *time.Time) {
	snap := s.pool.Snapshot()

	available, dead, permanentFailure, inUse := 0, 0, 0, 0
	for _, slot := range snap.Slots {
		switch slot.State {
		case pool.StateAvailable.String():
			available++
		case pool.StateDead.String():
			dead++
		case pool.StatePermanentFailure.String():
			permanentFailure++
		case pool.StateInUse.String():
			inUse++
		}
	}
	s.metric.UpdatePoolGauges(available, inUse, dead, permanentFailure)

	if dead+permanentFailure > 0 && available < snap.Size/2 {
		slog.WarnContext(ctx, "pool degraded",
			"available", available, "dead", dead, "permanent_failure", permanentFailure, "size", snap.Size)
	}

	if time.Since(*lastHeartbeat) >= heartbeatInterval {
		st := s.ledger.Snapshot()
		slog.InfoContext(ctx, "heartbeat",
			"healthy_connections", snap.HealthyConnections,
			"batches_processed", st.BatchesProcessed,
			"total_bytes", st.TotalBytes,
			"failed_batches", st.FailedBatches)
		*lastHeartbeat = time.Now()
	}
}

// Stop signals every worker to exit and waits for them to return.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
