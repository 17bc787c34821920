package pgwire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/hydrant-io/hydrant/internal/driver"
)

// copyPutDeadline bounds how long a single CopyData flush may block before
// CopyPut reports PutWouldBlock instead. This turns Go's ordinary blocking
// socket write into the tri-valued, non-blocking-feeling verb spec.md §2
// requires, the same timeout-as-signal idiom the teacher's health checker
// uses on the read side (see the teacher's Ping, which treats a deadline
// timeout as "unhealthy" rather than a hard error).
const copyPutDeadline = 20 * time.Millisecond

// Conn is the production driver.Conn, backed by a live TCP (or TLS) socket
// speaking the PostgreSQL wire protocol via pgproto3.
type Conn struct {
	mu sync.Mutex

	conn net.Conn
	fe   *pgproto3.Frontend

	ssl    bool
	status driver.Status
	errMsg string

	processID uint32
	secretKey uint32

	inCopy bool
}

var _ driver.Conn = (*Conn)(nil)

func (c *Conn) fail(status driver.Status, err error) error {
	c.status = status
	if err != nil {
		c.errMsg = err.Error()
	}
	return err
}

// Begin issues BEGIN via the simple query protocol and waits for
// ReadyForQuery, matching the teacher's simple-query round trips elsewhere
// in the proxy (e.g. the health checker's protocol-level ping).
func (c *Conn) Begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.simpleExec(ctx, "BEGIN")
}

func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.simpleExec(ctx, "COMMIT")
}

func (c *Conn) Rollback(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.simpleExec(ctx, "ROLLBACK")
}

func (c *Conn) simpleExec(ctx context.Context, sql string) error {
	c.fe.Send(&pgproto3.Query{String: sql})
	if err := c.fe.Flush(); err != nil {
		return c.fail(driver.StatusBad, fmt.Errorf("sending %s: %w", sql, err))
	}
	for {
		msg, err := c.fe.Receive()
		if err != nil {
			return c.fail(driver.StatusBad, fmt.Errorf("reading %s response: %w", sql, err))
		}
		switch m := msg.(type) {
		case *pgproto3.ReadyForQuery:
			return nil
		case *pgproto3.ErrorResponse:
			c.errMsg = m.Message
			// keep reading to ReadyForQuery so the connection stays in sync
			c.drainToReadyIgnoringErrors()
			return c.fail(driver.StatusBad, fmt.Errorf("%s failed: %s", sql, m.Message))
		default:
			continue
		}
	}
}

func (c *Conn) drainToReadyIgnoringErrors() {
	for {
		msg, err := c.fe.Receive()
		if err != nil {
			return
		}
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			return
		}
	}
}

// Prepare installs the COPY statement via the extended query protocol's
// Parse message — PostgreSQL allows preparing a COPY FROM STDIN statement
// this way even though SQL-level PREPARE cannot express it.
func (c *Conn) Prepare(ctx context.Context, name, sql string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fe.Send(&pgproto3.Parse{Name: name, Query: sql})
	c.fe.Send(&pgproto3.Sync{})
	if err := c.fe.Flush(); err != nil {
		return c.fail(driver.StatusBad, fmt.Errorf("sending PREPARE: %w", err))
	}

	for {
		msg, err := c.fe.Receive()
		if err != nil {
			return c.fail(driver.StatusBad, fmt.Errorf("reading PREPARE response: %w", err))
		}
		switch m := msg.(type) {
		case *pgproto3.ParseComplete:
			continue
		case *pgproto3.ReadyForQuery:
			return nil
		case *pgproto3.ErrorResponse:
			c.drainToReadyIgnoringErrors()
			return c.fail(driver.StatusBad, fmt.Errorf("PREPARE failed: %s", m.Message))
		default:
			continue
		}
	}
}

// CopyStart binds and executes the prepared statement, driving the backend
// into copy-in mode.
func (c *Conn) CopyStart(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fe.Send(&pgproto3.Bind{PreparedStatement: name})
	c.fe.Send(&pgproto3.Execute{})
	c.fe.Send(&pgproto3.Sync{})
	if err := c.fe.Flush(); err != nil {
		return c.fail(driver.StatusBad, fmt.Errorf("sending COPY start: %w", err))
	}

	for {
		msg, err := c.fe.Receive()
		if err != nil {
			return c.fail(driver.StatusBad, fmt.Errorf("reading COPY start response: %w", err))
		}
		switch m := msg.(type) {
		case *pgproto3.BindComplete:
			continue
		case *pgproto3.CopyInResponse:
			c.inCopy = true
			return nil
		case *pgproto3.ErrorResponse:
			c.drainToReadyIgnoringErrors()
			return c.fail(driver.StatusBad, fmt.Errorf("COPY start failed: %s", m.Message))
		default:
			continue
		}
	}
}

// CopyPut writes one chunk of COPY data. The underlying socket write is
// given a short deadline; a timeout is reported as PutWouldBlock so the
// caller can retry the same chunk after backing off, any other I/O error is
// PutError, and success is PutOK.
func (c *Conn) CopyPut(ctx context.Context, chunk []byte) driver.PutResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inCopy {
		c.errMsg = "CopyPut called outside of an active COPY"
		c.status = driver.StatusBad
		return driver.PutError
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(copyPutDeadline)); err != nil {
		c.fail(driver.StatusBad, err)
		return driver.PutError
	}
	defer c.conn.SetWriteDeadline(time.Time{})

	c.fe.Send(&pgproto3.CopyData{Data: chunk})
	if err := c.fe.Flush(); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return driver.PutWouldBlock
		}
		c.fail(driver.StatusBad, fmt.Errorf("writing copy data: %w", err))
		return driver.PutError
	}
	return driver.PutOK
}

// CopyEnd signals CopyDone and waits for the COPY command to complete.
func (c *Conn) CopyEnd(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fe.Send(&pgproto3.CopyDone{})
	c.fe.Send(&pgproto3.Sync{})
	if err := c.fe.Flush(); err != nil {
		return c.fail(driver.StatusBad, fmt.Errorf("sending CopyDone: %w", err))
	}
	c.inCopy = false

	for {
		msg, err := c.fe.Receive()
		if err != nil {
			return c.fail(driver.StatusBad, fmt.Errorf("reading COPY end response: %w", err))
		}
		switch m := msg.(type) {
		case *pgproto3.CommandComplete:
			continue
		case *pgproto3.ReadyForQuery:
			return nil
		case *pgproto3.ErrorResponse:
			c.drainToReadyIgnoringErrors()
			return c.fail(driver.StatusBad, fmt.Errorf("COPY end failed: %s", m.Message))
		default:
			continue
		}
	}
}

func (c *Conn) Status() driver.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Conn) ErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// Finish terminates the session politely and closes the socket.
func (c *Conn) Finish() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fe.Send(&pgproto3.Terminate{})
	_ = c.fe.Flush()
	return c.conn.Close()
}

func (c *Conn) SSLInUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ssl
}
