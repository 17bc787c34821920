// Package pool implements the fixed-size connection pool: a constant number
// of slots, each independently dialed, health-tracked, and recovered, the
// same shape as the teacher's TenantPool but with a fixed slot count instead
// of a min/max-bounded dynamic set, and addressed by stable integer index
// (spec.md §9 redesign note) rather than by *PooledConn pointer identity, so
// callers can log and retry against "slot 3" across reconnects.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hydrant-io/hydrant/internal/config"
	"github.com/hydrant-io/hydrant/internal/driver"
	"github.com/hydrant-io/hydrant/internal/eventsink"
	"github.com/hydrant-io/hydrant/internal/metrics"
	"github.com/hydrant-io/hydrant/internal/stats"
)

// State mirrors the teacher's ConnState enum, widened with the two failure
// states the bulk-copy connection lifecycle needs.
type State int

const (
	StateAvailable State = iota
	StateInUse
	StateDead
	StatePermanentFailure
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateInUse:
		return "in_use"
	case StateDead:
		return "dead"
	case StatePermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

const (
	// MaxRecoveryAttempts is how many consecutive reconnect failures a slot
	// tolerates before it is quarantined as StatePermanentFailure.
	MaxRecoveryAttempts = 3
	// ConnectionDeadThreshold is how many consecutive failures reported
	// through MarkFailure mark a slot StateDead and eligible for recovery.
	ConnectionDeadThreshold = 5
	// MaxBackoffAttempts caps the exponential backoff shift so the delay
	// does not grow unbounded across a long outage.
	MaxBackoffAttempts = 10
	// RecoveryBackoffBaseMS is the base delay recovery backoff scales from.
	RecoveryBackoffBaseMS = 100

	// acquireWaitSlice is how long each pass of Acquire's blocking wait
	// waits on the condition variable before re-scanning, so a slot that
	// flips Dead->recovering->Available is never missed indefinitely.
	acquireWaitSlice = time.Second
)

// slot is one fixed pool position.
type slot struct {
	index int

	conn  driver.Conn
	state State

	consecutiveFailures int
	recoveryAttempts    int
	lastError           string
}

// Pool is the fixed-size, recoverable connection pool spec.md §3/§4.2
// describes. Slots never move in the backing array; callers identify a
// connection by its slot index across Acquire/Release/MarkDead calls.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	dialer     driver.Dialer
	connString string
	requireSSL bool

	slots []*slot

	// ledger and collector are optional (nil is fine, e.g. in unit tests
	// that construct a Pool directly): when present, recover() reports
	// connection_resets/connection_failures through them per spec.md §4.2.
	ledger    *stats.Ledger
	collector *metrics.Collector

	healthyConnections int
	closed             bool
}

// New allocates a Pool of config.PoolSize slots and dials them all in
// parallel via errgroup, matching the teacher's warm-up-in-background shape
// but waiting for the result synchronously since hydrant has no traffic to
// serve until the pool is ready. ledger and collector may be nil.
func New(ctx context.Context, cfg *config.Config, dialer driver.Dialer, ledger *stats.Ledger, collector *metrics.Collector) (*Pool, error) {
	p := &Pool{
		dialer:     dialer,
		connString: cfg.DBConnString,
		requireSSL: cfg.RequireSSL,
		slots:      make([]*slot, config.PoolSize),
		ledger:     ledger,
		collector:  collector,
	}
	p.cond = sync.NewCond(&p.mu)

	for i := range p.slots {
		p.slots[i] = &slot{index: i, state: StateDead}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.slots {
		i := i
		g.Go(func() error {
			return p.openSlot(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("pool initialization encountered a dial failure", "err", err)
	}

	p.mu.Lock()
	healthy := p.healthyConnections
	p.mu.Unlock()
	if healthy == 0 {
		return nil, fmt.Errorf("pool initialization failed: no slot could connect")
	}

	return p, nil
}

// openSlot dials and prepares slot i, installing the connection if
// successful and leaving the slot Dead otherwise. It never returns an error
// itself (so errgroup.Wait doesn't cancel sibling dials over one failure);
// the sentinel error path above only logs a summary.
func (p *Pool) openSlot(ctx context.Context, i int) error {
	conn, err := p.dialer.Dial(ctx, p.connString, p.requireSSL)
	if err != nil {
		p.mu.Lock()
		p.slots[i].lastError = err.Error()
		p.mu.Unlock()
		slog.Warn("slot dial failed", "slot", i, "err", err)
		return nil
	}
	if err := conn.Prepare(ctx, driver.CopyStatementName, driver.CopyStatement); err != nil {
		conn.Finish()
		p.mu.Lock()
		p.slots[i].lastError = err.Error()
		p.mu.Unlock()
		slog.Warn("slot prepare failed", "slot", i, "err", err)
		return nil
	}

	p.mu.Lock()
	p.slots[i].conn = conn
	p.slots[i].state = StateAvailable
	p.healthyConnections++
	p.mu.Unlock()
	return nil
}

// Acquire blocks until an Available slot exists or ctx is done, returning
// its stable index and connection. It scans twice per wait slice: once for
// an immediately Available slot, and if none exists, a second pass checks
// whether a Dead slot is due for a recovery attempt — mirroring the
// teacher's Acquire, which loops checking idle-then-dial-room before
// waiting on the pool's condition variable.
func (p *Pool) Acquire(ctx context.Context) (int, driver.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return -1, nil, fmt.Errorf("pool is closed")
		}

		for _, s := range p.slots {
			if s.state == StateAvailable {
				s.state = StateInUse
				return s.index, s.conn, nil
			}
		}

		for _, s := range p.slots {
			if s.state == StateDead && p.dueForRecovery(s) {
				idx := s.index
				p.mu.Unlock()
				p.recover(ctx, idx)
				p.mu.Lock()
				break
			}
		}

		if ctx.Err() != nil {
			return -1, nil, ctx.Err()
		}

		// Wake ourselves after at most one wait slice even if nobody calls
		// Release/MarkFailure/recover in the meantime, so a slot due for
		// recovery is retried promptly; wake early if ctx is cancelled.
		timer := time.AfterFunc(acquireWaitSlice, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		if done := ctx.Done(); done != nil {
			go func() {
				select {
				case <-done:
					p.mu.Lock()
					p.cond.Broadcast()
					p.mu.Unlock()
				case <-time.After(acquireWaitSlice):
				}
			}()
		}
		p.cond.Wait()
		timer.Stop()
	}
}

// Release returns slot idx to Available.
func (p *Pool) Release(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[idx]
	if s.state == StateInUse {
		s.state = StateAvailable
		s.consecutiveFailures = 0
	}
	p.cond.Broadcast()
}

// MarkFailure records a copy-path failure on slot idx. Once
// ConnectionDeadThreshold consecutive failures accumulate the slot is
// marked StateDead, releasing its connection so recovery can redial.
func (p *Pool) MarkFailure(idx int, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[idx]
	s.consecutiveFailures++
	s.lastError = errMsg
	if s.consecutiveFailures >= ConnectionDeadThreshold {
		if s.conn != nil {
			s.conn.Finish()
			s.conn = nil
		}
		if s.state != StateDead {
			p.healthyConnections--
		}
		s.state = StateDead
	} else {
		s.state = StateAvailable
	}
	p.cond.Broadcast()
}

// MarkDead immediately transitions slot idx to StateDead, bypassing the
// consecutive-failure threshold MarkFailure applies. The original always
// calls mark_connection_dead straight away for a BEGIN failure, a COPY
// start failure, a copy_put error, or copy_put backpressure retries
// exhausted (original_source/src/connection.c:19, called from
// original_source/src/batch.c:48,60,99,118) — these are protocol-level
// failures, not the kind of soft, maybe-transient failure the threshold
// exists to tolerate.
func (p *Pool) MarkDead(idx int, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[idx]
	s.lastError = errMsg
	if s.conn != nil {
		s.conn.Finish()
		s.conn = nil
	}
	if s.state != StateDead {
		p.healthyConnections--
	}
	s.state = StateDead
	s.consecutiveFailures = 0
	p.cond.Broadcast()
}

func (p *Pool) dueForRecovery(s *slot) bool {
	if s.recoveryAttempts >= MaxRecoveryAttempts {
		return false
	}
	return true
}

// recover attempts to redial a Dead slot with exponential backoff, moving
// it to StatePermanentFailure after MaxRecoveryAttempts consecutive
// failures, matching the C original's reconnection loop's backoff shape
// (spec.md §4.2 / §9).
func (p *Pool) recover(ctx context.Context, idx int) {
	p.mu.Lock()
	s := p.slots[idx]
	attempt := s.recoveryAttempts
	p.mu.Unlock()

	if attempt > 0 {
		shift := attempt
		if shift > MaxBackoffAttempts {
			shift = MaxBackoffAttempts
		}
		delay := time.Duration(RecoveryBackoffBaseMS) * time.Millisecond * time.Duration(1<<uint(shift))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	thread := eventsink.NewThreadID()
	rctx := eventsink.WithThreadID(ctx, thread)

	conn, err := p.dialer.Dial(rctx, p.connString, p.requireSSL)
	if err == nil {
		err = conn.Prepare(rctx, driver.CopyStatementName, driver.CopyStatement)
		if err != nil {
			conn.Finish()
		}
	}

	// The ledger is updated only after the pool lock is released, so this
	// path never takes the stats lock while holding the pool lock.
	p.mu.Lock()
	if err != nil {
		s.recoveryAttempts++
		s.lastError = err.Error()
		if p.collector != nil {
			p.collector.ConnectionFailure()
		}
		if s.recoveryAttempts >= MaxRecoveryAttempts {
			s.state = StatePermanentFailure
			slog.ErrorContext(rctx, "slot exhausted recovery attempts, quarantining", "slot", idx, "attempts", s.recoveryAttempts, "err", err)
		} else {
			slog.WarnContext(rctx, "slot recovery attempt failed", "slot", idx, "attempt", s.recoveryAttempts, "err", err)
		}
		p.mu.Unlock()
		if p.ledger != nil {
			p.ledger.RecordConnectionFailure()
		}
		return
	}

	s.conn = conn
	s.state = StateAvailable
	s.consecutiveFailures = 0
	s.recoveryAttempts = 0
	p.healthyConnections++
	if p.collector != nil {
		p.collector.ConnectionReset()
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	if p.ledger != nil {
		p.ledger.RecordConnectionReset()
	}
	slog.InfoContext(rctx, "slot recovered", "slot", idx)
}

// Snapshot is a point-in-time view of pool state for the status/metrics
// surfaces.
type Snapshot struct {
	Size               int         `json:"size"`
	HealthyConnections int         `json:"healthy_connections"`
	Slots              []SlotState `json:"slots"`
}

// SlotState is one slot's view within a Snapshot.
type SlotState struct {
	Index     int    `json:"index"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

// Snapshot reports the current state of every slot. It takes only the pool
// lock; callers that also need a stats view take the stats snapshot first,
// per the stats_mutex -> pool_mutex ordering spec.md §7 declares.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{Size: len(p.slots), HealthyConnections: p.healthyConnections}
	for _, s := range p.slots {
		snap.Slots = append(snap.Slots, SlotState{Index: s.index, State: s.state.String(), LastError: s.lastError})
	}
	return snap
}

// Close finishes every connection and wakes any blocked Acquire callers.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, s := range p.slots {
		if s.conn != nil {
			s.conn.Finish()
			s.conn = nil
		}
		s.state = StateDead
	}
	p.healthyConnections = 0
	p.cond.Broadcast()
}
