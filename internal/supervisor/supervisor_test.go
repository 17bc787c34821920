package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hydrant-io/hydrant/internal/config"
	"github.com/hydrant-io/hydrant/internal/driver"
	"github.com/hydrant-io/hydrant/internal/metrics"
	"github.com/hydrant-io/hydrant/internal/pool"
	"github.com/hydrant-io/hydrant/internal/stats"
)

func TestStartStopDoesNotDeadlock(t *testing.T) {
	dialer := &driver.FakeDialer{Outcomes: []driver.FakeDialOutcome{{}}}
	cfg := &config.Config{DBConnString: "postgres://test"}
	l := &stats.Ledger{}
	m := metrics.New()
	p, err := pool.New(context.Background(), cfg, dialer, l, m)
	require.NoError(t, err)

	s := New(p, l, m)
	s.Start(context.Background())
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return; workers likely deadlocked")
	}
}
