// Package stats implements the running statistics ledger: cumulative
// counters plus a fixed-size ring buffer of recent batch outcomes, ported
// from the original's GlobalStats/BatchStats (hydrant_types.h) and
// update_batch_stats (src/batch.c), collapsed into the single
// record-once-per-flush update path spec.md §9 resolves the original's
// double-counting bug with.
package stats

import (
	"sync"
	"time"
)

// ringSize mirrors the original's batch_stats_size = 1000.
const ringSize = 1000

// entry is one ring slot: the outcome of a single flush.
type entry struct {
	BytesWritten int       `json:"bytes_written"`
	BytesFailed  int       `json:"bytes_failed"`
	Timestamp    time.Time `json:"timestamp"`
}

// Ledger accumulates cumulative counters and a bounded history of recent
// batch outcomes under a single mutex. Per spec.md §7's declared lock
// ordering, callers that also hold the pool lock must acquire this one
// first (stats_mutex -> pool_mutex).
type Ledger struct {
	mu sync.Mutex

	totalBytes       int64
	batchesProcessed int64
	copyOperations   int64
	failedBytes      int64
	failedBatches    int64
	connectionResets int64
	connectionFailures int64

	avgBatchTimeMS float64

	ring   [ringSize]entry
	cursor int
	filled int
}

// RecordFlush is the single update path for a completed (successful or
// failed) batch flush: it updates every cumulative counter and appends to
// the ring exactly once, so a flush is never double-counted the way the
// original's flush_batch and update_batch_stats both touched the same
// fields.
func (l *Ledger) RecordFlush(bytesWritten, bytesFailed int, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.batchesProcessed++
	l.copyOperations++
	l.totalBytes += int64(bytesWritten)
	if bytesFailed > 0 {
		l.failedBytes += int64(bytesFailed)
		l.failedBatches++
	}

	durationMS := float64(duration.Microseconds()) / 1000.0
	if l.batchesProcessed == 1 {
		l.avgBatchTimeMS = durationMS
	} else {
		l.avgBatchTimeMS = (l.avgBatchTimeMS*float64(l.batchesProcessed-1) + durationMS) / float64(l.batchesProcessed)
	}

	l.ring[l.cursor] = entry{BytesWritten: bytesWritten, BytesFailed: bytesFailed, Timestamp: time.Now()}
	l.cursor = (l.cursor + 1) % ringSize
	if l.filled < ringSize {
		l.filled++
	}
}

// RecordConnectionReset increments the recovery counter when a slot
// successfully redials after being marked dead.
func (l *Ledger) RecordConnectionReset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connectionResets++
}

// RecordConnectionFailure increments the counter for a single failed
// redial attempt against a dead slot, whether or not it goes on to exhaust
// its recovery attempts.
func (l *Ledger) RecordConnectionFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connectionFailures++
}

// Snapshot is the JSON-serializable status document spec.md §6's status
// surface returns.
type Snapshot struct {
	TotalBytes         int64   `json:"total_bytes"`
	BatchesProcessed   int64   `json:"batches_processed"`
	CopyOperations     int64   `json:"copy_operations"`
	FailedBytes        int64   `json:"failed_bytes"`
	FailedBatches      int64   `json:"failed_batches"`
	ConnectionResets   int64   `json:"connection_resets"`
	ConnectionFailures int64   `json:"connection_failures"`
	AvgBatchTimeMS     float64 `json:"avg_batch_time_ms"`
	RecentBatches      int     `json:"recent_batches_tracked"`
}

// Snapshot reports the current cumulative counters.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		TotalBytes:         l.totalBytes,
		BatchesProcessed:   l.batchesProcessed,
		CopyOperations:     l.copyOperations,
		FailedBytes:        l.failedBytes,
		FailedBatches:      l.failedBatches,
		ConnectionResets:   l.connectionResets,
		ConnectionFailures: l.connectionFailures,
		AvgBatchTimeMS:     l.avgBatchTimeMS,
		RecentBatches:      l.filled,
	}
}
