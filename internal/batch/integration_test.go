//go:build integration

package batch_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hydrant-io/hydrant/internal/batch"
	"github.com/hydrant-io/hydrant/internal/config"
	"github.com/hydrant-io/hydrant/internal/driver/pgwire"
	"github.com/hydrant-io/hydrant/internal/pool"
)

// TestFlushAgainstRealPostgres exercises a full BEGIN/COPY/COMMIT cycle
// against a real database, the integration-level counterpart to the
// driver.Fake-backed unit tests elsewhere in this package.
func TestFlushAgainstRealPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("hydrant"),
		postgres.WithUsername("hydrant"),
		postgres.WithPassword("hydrant"),
	)
	require.NoError(t, err)
	defer container.Terminate(ctx)

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	setupDB, err := sql.Open("pgx", connString)
	require.NoError(t, err)
	defer setupDB.Close()
	_, err = setupDB.ExecContext(ctx, `CREATE TABLE original_copy (
		source_id text, content text, seq_num bigint, checksum text
	)`)
	require.NoError(t, err)

	cfg := &config.Config{DBConnString: connString, RequireSSL: false, BatchSize: config.DefaultBatchSize}
	dialer := &pgwire.Dialer{}
	p, err := pool.New(ctx, cfg, dialer, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	b := batch.New(cfg.BatchSize)
	// One row in binary COPY framing: signature, flags and header-extension
	// length, a 4-field tuple (source_id, content, seq_num, checksum), and
	// the -1 trailer.
	row := []byte("PGCOPY\n\xff\r\n\x00" +
		"\x00\x00\x00\x00" + "\x00\x00\x00\x00" +
		"\x00\x04" +
		"\x00\x00\x00\x01" + "1" +
		"\x00\x00\x00\x05" + "hello" +
		"\x00\x00\x00\x08" + "\x00\x00\x00\x00\x00\x00\x00\x01" +
		"\x00\x00\x00\x03" + "abc" +
		"\xff\xff")
	require.True(t, b.Append(row))

	res := b.Flush(ctx, p)
	require.NoError(t, res.Err)
	require.Greater(t, res.BytesWritten, 0)
}
