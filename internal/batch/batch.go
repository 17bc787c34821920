// Package batch implements the batch buffer: a single bounded staging area
// that input data is appended to and which is flushed to the database via
// one connection's COPY verbs at a time, ported from the original's
// add_to_batch/flush_batch (src/batch.c) onto the pool.Pool/driver.Conn
// abstractions.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hydrant-io/hydrant/internal/driver"
	"github.com/hydrant-io/hydrant/internal/pool"
)

// CopyChunkSize is the write granularity used while streaming COPY data,
// matching the original's COPY_CHUNK_SIZE.
const CopyChunkSize = 8 * 1024

// MaxPutRetries bounds how many PutWouldBlock responses a single chunk
// tolerates before the flush gives up on the connection, the Go rendering
// of the original's max_retries constant in flush_batch.
const MaxPutRetries = 5

// maxBackoffShift caps the exponential backoff shift flush_batch applies
// between PutWouldBlock retries.
const maxBackoffShift = 6

// Buffer is the single bounded batch buffer. spec.md §4.3 assumes a single
// producer appends to it (the input reader), so Append only needs to
// synchronize against a concurrent Flush, not against other Appends.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	capacity int
}

// New allocates an empty Buffer with the given capacity (config.BatchSize).
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity), capacity: capacity}
}

// Append adds data to the buffer, reporting false without copying anything
// if it would overflow the configured capacity — the caller is expected to
// Flush and retry, matching add_to_batch's reject-on-overflow contract.
func (b *Buffer) Append(data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data)+len(data) > b.capacity {
		return false
	}
	b.data = append(b.data, data...)
	return true
}

// Len reports the number of bytes currently staged.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Result reports what a Flush accomplished, for the caller to fold into the
// stats ledger exactly once per flush (spec.md §9 resolves the original's
// double-counted batches_processed/total_bytes/errors by making this the
// single source of truth; nothing else touches the ledger for a flush).
type Result struct {
	BytesWritten int
	BytesFailed  int
	Duration     time.Duration
	Err          error

	// ProtocolFailure marks an Err originating from a COPY-protocol step
	// (BEGIN, copy_start, a copy_put error, or copy_put retries exhausted)
	// rather than CopyEnd/Commit. The original always calls
	// mark_connection_dead straight away for these
	// (original_source/src/batch.c:48,60,99,118); Flush uses this to route
	// to Pool.MarkDead instead of the threshold-based Pool.MarkFailure.
	ProtocolFailure bool
}

// Flush drains the buffer through one acquired connection's BEGIN / COPY /
// COMMIT sequence, retrying PutWouldBlock chunks with exponential backoff up
// to MaxPutRetries times before giving up and rolling back. The buffer lock
// is only held long enough to snapshot and clear the staged bytes — flush
// I/O runs without it, so Append can proceed against the next batch while a
// prior one is still draining into the database (spec.md §4.3: "batch
// mutex not held across flush I/O").
func (b *Buffer) Flush(ctx context.Context, p *pool.Pool) Result {
	b.mu.Lock()
	if len(b.data) == 0 {
		b.mu.Unlock()
		return Result{}
	}
	payload := make([]byte, len(b.data))
	copy(payload, b.data)
	b.data = b.data[:0]
	b.mu.Unlock()

	start := time.Now()

	idx, conn, err := p.Acquire(ctx)
	if err != nil {
		return Result{BytesFailed: len(payload), Duration: time.Since(start), Err: fmt.Errorf("acquiring connection: %w", err)}
	}

	res := flushInto(ctx, conn, payload)
	res.Duration = time.Since(start)

	if res.Err != nil {
		errMsg := driver.NewError(conn.ErrorMessage()).Message
		if res.ProtocolFailure {
			p.MarkDead(idx, errMsg)
		} else {
			p.MarkFailure(idx, errMsg)
		}
	} else {
		p.Release(idx)
	}
	return res
}

func flushInto(ctx context.Context, conn driver.Conn, payload []byte) Result {
	if err := conn.Begin(ctx); err != nil {
		return Result{BytesFailed: len(payload), Err: fmt.Errorf("BEGIN: %w", err), ProtocolFailure: true}
	}

	if err := conn.CopyStart(ctx, driver.CopyStatementName); err != nil {
		conn.Rollback(ctx)
		return Result{BytesFailed: len(payload), Err: fmt.Errorf("starting COPY: %w", err), ProtocolFailure: true}
	}

	written := 0
	retries := 0
	for written < len(payload) {
		end := written + CopyChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[written:end]

		switch conn.CopyPut(ctx, chunk) {
		case driver.PutOK:
			written += len(chunk)
			retries = 0

		case driver.PutWouldBlock:
			retries++
			if retries > MaxPutRetries {
				conn.Rollback(ctx)
				return Result{BytesWritten: written, BytesFailed: len(payload) - written,
					Err: fmt.Errorf("max retries exceeded waiting for COPY buffer space"), ProtocolFailure: true}
			}
			shift := retries
			if shift > maxBackoffShift {
				shift = maxBackoffShift
			}
			select {
			case <-time.After(time.Millisecond * time.Duration(int64(1)<<uint(shift))):
			case <-ctx.Done():
				conn.Rollback(ctx)
				return Result{BytesWritten: written, BytesFailed: len(payload) - written, Err: ctx.Err()}
			}

		case driver.PutError:
			conn.Rollback(ctx)
			return Result{BytesWritten: written, BytesFailed: len(payload) - written,
				Err: fmt.Errorf("COPY data rejected: %s", conn.ErrorMessage()), ProtocolFailure: true}
		}
	}

	if err := conn.CopyEnd(ctx); err != nil {
		conn.Rollback(ctx)
		return Result{BytesWritten: written, BytesFailed: len(payload) - written, Err: fmt.Errorf("ending COPY: %w", err)}
	}

	if err := conn.Commit(ctx); err != nil {
		return Result{BytesWritten: written, BytesFailed: len(payload) - written, Err: fmt.Errorf("COMMIT: %w", err)}
	}

	return Result{BytesWritten: written}
}
