package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrant-io/hydrant/internal/config"
	"github.com/hydrant-io/hydrant/internal/driver"
	"github.com/hydrant-io/hydrant/internal/metrics"
	"github.com/hydrant-io/hydrant/internal/pool"
	"github.com/hydrant-io/hydrant/internal/stats"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dialer := &driver.FakeDialer{Outcomes: []driver.FakeDialOutcome{{}}}
	cfg := &config.Config{DBConnString: "postgres://test"}
	l := &stats.Ledger{}
	m := metrics.New()
	p, err := pool.New(context.Background(), cfg, dialer, l, m)
	require.NoError(t, err)

	l.RecordFlush(100, 0, 0)

	return NewServer(p, l, m)
}

func TestStatusHandlerReportsPoolAndStats(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.statusHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var doc statusDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, config.PoolSize, doc.Pool.Size)
	assert.EqualValues(t, 100, doc.Stats.TotalBytes)
}
