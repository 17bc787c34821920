// Package hydrant wires together the pool, batch buffer, stats ledger,
// metrics, supervisor, and status server into the single running system,
// the Go rendering of the original's HydrantContext construction
// (src/init.c's init_hydrant) and teardown (request_shutdown/cleanup_hydrant).
package hydrant

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hydrant-io/hydrant/internal/api"
	"github.com/hydrant-io/hydrant/internal/batch"
	"github.com/hydrant-io/hydrant/internal/config"
	"github.com/hydrant-io/hydrant/internal/driver/pgwire"
	"github.com/hydrant-io/hydrant/internal/eventsink"
	"github.com/hydrant-io/hydrant/internal/metrics"
	"github.com/hydrant-io/hydrant/internal/pool"
	"github.com/hydrant-io/hydrant/internal/stats"
	"github.com/hydrant-io/hydrant/internal/supervisor"
)

// readChunkSize is the input-file read granularity, matching the original
// main loop's 1024-byte stack buffer.
const readChunkSize = 1024

// StatusAddr is the default bind address for the status/metrics server.
const StatusAddr = "127.0.0.1:9090"

// Context is the assembled, running hydrant system.
type Context struct {
	cfg    *config.Config
	pool   *pool.Pool
	buffer *batch.Buffer
	ledger *stats.Ledger
	metric *metrics.Collector
	super  *supervisor.Supervisor
	api    *api.Server
	watch  *config.Watcher

	// correlationID identifies this process across its own log lines, the
	// Go stand-in for the original's per-context source_id.
	correlationID string

	shuttingDown atomic.Bool
}

// Build loads configuration, opens the connection pool, and starts the
// supervisor and status server. configPath may be empty, in which case
// configuration comes from the environment (config.FromEnv), matching the
// CLI's optional first argument.
func Build(ctx context.Context, configPath string) (*Context, error) {
	eventsink.Install(os.Stderr)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	ledger := &stats.Ledger{}
	metric := metrics.New()

	dialer := &pgwire.Dialer{}
	p, err := pool.New(ctx, cfg, dialer, ledger, metric)
	if err != nil {
		return nil, fmt.Errorf("initializing connection pool: %w", err)
	}

	hc := &Context{
		cfg:           cfg,
		pool:          p,
		buffer:        batch.New(cfg.BatchSize),
		ledger:        ledger,
		metric:        metric,
		correlationID: uuid.NewString(),
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(path string) {
			slog.Warn("configuration file changed on disk; restart to apply", "path", path)
		})
		if err != nil {
			slog.Warn("could not watch configuration file for changes", "path", configPath, "err", err)
		} else {
			hc.watch = watcher
		}
	}

	hc.super = supervisor.New(hc.pool, hc.ledger, hc.metric)
	hc.super.Start(ctx)

	hc.api = api.NewServer(hc.pool, hc.ledger, hc.metric)
	hc.api.Start(StatusAddr)

	slog.Info("hydrant initialized successfully",
		"correlation_id", hc.correlationID,
		"healthy_connections", hc.pool.Snapshot().HealthyConnections, "pool_size", config.PoolSize)
	return hc, nil
}

// ProcessReader streams r through the batch buffer, flushing whenever a
// chunk would overflow it, exactly like the original's file-input branch
// (and process_input's stdin branch): append; on overflow, flush, record
// the flush, then retry the append against the now-empty buffer.
func (hc *Context) ProcessReader(ctx context.Context, r io.Reader) error {
	buf := make([]byte, readChunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if err := hc.appendWithFlush(ctx, buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("reading input: %w", readErr)
		}
	}
}

func (hc *Context) appendWithFlush(ctx context.Context, chunk []byte) error {
	if hc.buffer.Append(chunk) {
		return nil
	}

	hc.flushAndRecord(ctx)

	if !hc.buffer.Append(chunk) {
		return fmt.Errorf("chunk of %d bytes exceeds batch capacity after flush", len(chunk))
	}
	return nil
}

func (hc *Context) flushAndRecord(ctx context.Context) {
	res := hc.buffer.Flush(ctx, hc.pool)
	if res.BytesWritten == 0 && res.BytesFailed == 0 && res.Err == nil {
		return
	}
	hc.ledger.RecordFlush(res.BytesWritten, res.BytesFailed, res.Duration)
	hc.metric.FlushCompleted(res.Duration, res.BytesWritten, res.Err)
	if res.Err != nil {
		slog.Error("batch flush failed", "bytes_failed", res.BytesFailed, "err", res.Err)
	}
}

// Status returns the current combined pool/stats snapshot.
func (hc *Context) Status() (stats.Snapshot, pool.Snapshot) {
	return hc.ledger.Snapshot(), hc.pool.Snapshot()
}

// Teardown stops the config watcher, the supervisor and the status server,
// then flushes any remaining buffered data and closes the pool — mirroring
// request_shutdown's
// shutdown-flag -> stop workers -> flush final batch -> cleanup sequence.
func (hc *Context) Teardown(ctx context.Context) {
	if !hc.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	slog.Info("shutdown requested")

	if hc.watch != nil {
		_ = hc.watch.Stop()
	}
	hc.super.Stop()
	_ = hc.api.Shutdown(ctx)

	if hc.buffer.Len() > 0 {
		hc.flushAndRecord(ctx)
	}

	hc.pool.Close()
	slog.Info("hydrant shutdown complete")
}
