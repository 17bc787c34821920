package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrant-io/hydrant/internal/config"
	"github.com/hydrant-io/hydrant/internal/driver"
	"github.com/hydrant-io/hydrant/internal/metrics"
	"github.com/hydrant-io/hydrant/internal/stats"
)

func TestNewDialsEverySlot(t *testing.T) {
	dialer := &driver.FakeDialer{Outcomes: []driver.FakeDialOutcome{{}}}
	cfg := &config.Config{DBConnString: "postgres://test"}

	p, err := New(context.Background(), cfg, dialer, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, config.PoolSize, p.healthyConnections)
}

func TestNewFailsWhenEverySlotDialFails(t *testing.T) {
	dialer := &driver.FakeDialer{Outcomes: []driver.FakeDialOutcome{{Err: assertError{}}}}
	cfg := &config.Config{DBConnString: "postgres://test"}

	_, err := New(context.Background(), cfg, dialer, nil, nil)
	assert.Error(t, err)
}

type assertError struct{}

func (assertError) Error() string { return "dial refused" }

func TestAcquireReleaseRoundTrip(t *testing.T) {
	dialer := &driver.FakeDialer{Outcomes: []driver.FakeDialOutcome{{}}}
	cfg := &config.Config{DBConnString: "postgres://test"}
	p, err := New(context.Background(), cfg, dialer, nil, nil)
	require.NoError(t, err)

	idx, conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, conn)

	snap := p.Snapshot()
	assert.Equal(t, "in_use", snap.Slots[idx].State)

	p.Release(idx)
	snap = p.Snapshot()
	assert.Equal(t, "available", snap.Slots[idx].State)
}

func TestMarkFailureMarksDeadAfterThreshold(t *testing.T) {
	dialer := &driver.FakeDialer{Outcomes: []driver.FakeDialOutcome{{}}}
	cfg := &config.Config{DBConnString: "postgres://test"}
	p, err := New(context.Background(), cfg, dialer, nil, nil)
	require.NoError(t, err)

	idx, _, err := p.Acquire(context.Background())
	require.NoError(t, err)

	for i := 0; i < ConnectionDeadThreshold-1; i++ {
		p.MarkFailure(idx, "boom")
		snap := p.Snapshot()
		assert.Equal(t, "available", snap.Slots[idx].State)
		idx, _, err = p.Acquire(context.Background())
		require.NoError(t, err)
	}

	p.MarkFailure(idx, "boom")
	snap := p.Snapshot()
	assert.Equal(t, "dead", snap.Slots[idx].State)
}

func TestMarkDeadBypassesThreshold(t *testing.T) {
	dialer := &driver.FakeDialer{Outcomes: []driver.FakeDialOutcome{{}}}
	cfg := &config.Config{DBConnString: "postgres://test"}
	p, err := New(context.Background(), cfg, dialer, nil, nil)
	require.NoError(t, err)

	idx, _, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.MarkDead(idx, "protocol error")
	snap := p.Snapshot()
	assert.Equal(t, "dead", snap.Slots[idx].State)
}

func TestRecoverIncrementsFailuresThenReset(t *testing.T) {
	// The first config.PoolSize outcomes dial every slot successfully during
	// New; the remaining outcomes script the later, explicit recover() calls
	// against the one slot this test marks dead.
	outcomes := make([]driver.FakeDialOutcome, 0, config.PoolSize+3)
	for i := 0; i < config.PoolSize; i++ {
		outcomes = append(outcomes, driver.FakeDialOutcome{})
	}
	outcomes = append(outcomes,
		driver.FakeDialOutcome{Err: assertError{}},
		driver.FakeDialOutcome{Err: assertError{}},
		driver.FakeDialOutcome{},
	)
	dialer := &driver.FakeDialer{Outcomes: outcomes}
	cfg := &config.Config{DBConnString: "postgres://test"}
	l := &stats.Ledger{}
	m := metrics.New()
	p, err := New(context.Background(), cfg, dialer, l, m)
	require.NoError(t, err)

	idx, _, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.MarkDead(idx, "protocol error")

	p.recover(context.Background(), idx)
	assert.EqualValues(t, 1, l.Snapshot().ConnectionFailures)

	p.recover(context.Background(), idx)
	assert.EqualValues(t, 2, l.Snapshot().ConnectionFailures)

	p.recover(context.Background(), idx)
	assert.EqualValues(t, 2, l.Snapshot().ConnectionFailures)
	assert.EqualValues(t, 1, l.Snapshot().ConnectionResets)
	snap := p.Snapshot()
	assert.Equal(t, "available", snap.Slots[idx].State)
}

func TestAcquireBlocksUntilSlotAvailable(t *testing.T) {
	dialer := &driver.FakeDialer{Outcomes: []driver.FakeDialOutcome{{}}}
	cfg := &config.Config{DBConnString: "postgres://test"}
	p := &Pool{dialer: dialer, connString: cfg.DBConnString, slots: []*slot{{index: 0, state: StateInUse}}}
	p.cond = sync.NewCond(&p.mu)

	released := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Release(0)
		close(released)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	idx, _, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	<-released
}
