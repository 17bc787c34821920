// Package driver defines the bulk-copy verb interface the hydrant core uses
// against the database, and the error type that carries a truncated driver
// message. The interface is the external-collaborator boundary spec.md §2
// describes: the core never knows whether it is talking to a real
// PostgreSQL backend (see internal/driver/pgwire) or a scripted fake (see
// Fake, used throughout the test suite per spec.md §8).
package driver

import "context"

// CopyStatement is the single prepared statement the core ever issues,
// literally the text spec.md §6 specifies.
const CopyStatement = "COPY original_copy(source_id, content, seq_num, checksum) FROM STDIN WITH (FORMAT binary)"

// CopyStatementName is the stable name the statement is prepared under.
const CopyStatementName = "copy_stmt"

// PutResult is the tri-valued result of a CopyPut call.
type PutResult int

const (
	// PutOK means the chunk was accepted.
	PutOK PutResult = 1
	// PutWouldBlock means the driver's send buffer is full; retry the same
	// chunk after a backoff.
	PutWouldBlock PutResult = 0
	// PutError means the chunk send failed; the connection must be
	// considered dead.
	PutError PutResult = -1
)

// Status reduces PQstatus to the distinction this core cares about: alive
// and queryable, or not (plus an unknown zero value).
type Status int

const (
	StatusUnknown Status = iota
	StatusOK
	StatusBad
)

// Conn is the bulk-copy verb set spec.md §2 and §6 name: begin, prepare,
// copy_start, copy_put, copy_end, commit, rollback, status, error_message,
// finish, ssl_in_use.
type Conn interface {
	// Begin issues BEGIN.
	Begin(ctx context.Context) error
	// Prepare installs the named COPY statement. The pool calls it once on
	// each freshly opened connection.
	Prepare(ctx context.Context, name, sql string) error
	// CopyStart issues the prepared COPY and waits for the backend to enter
	// copy-in mode.
	CopyStart(ctx context.Context, name string) error
	// CopyPut writes one chunk of binary COPY data.
	CopyPut(ctx context.Context, chunk []byte) PutResult
	// CopyEnd signals the end of copy data.
	CopyEnd(ctx context.Context) error
	// Commit issues COMMIT.
	Commit(ctx context.Context) error
	// Rollback issues ROLLBACK. Best-effort: called on an already-broken
	// connection, so implementations should not panic on failure.
	Rollback(ctx context.Context)
	// Status reports whether the connection is still usable.
	Status() Status
	// ErrorMessage returns the most recent driver error text, truncated to
	// at most 1 KiB by the caller (spec.md §3 last_error).
	ErrorMessage() string
	// Finish closes the connection and releases its resources.
	Finish() error
	// SSLInUse reports whether the connection negotiated TLS.
	SSLInUse() bool
}

// Dialer opens a fresh Conn against the configured target. Both the real
// pgwire dialer and the Fake implement this so the pool's recovery path
// never distinguishes them.
type Dialer interface {
	Dial(ctx context.Context, connString string, requireSSL bool) (Conn, error)
}

// Error wraps a driver-reported error message, truncated to at most 1 KiB
// as spec.md §3 requires for PooledConnection.last_error.
type Error struct {
	Message string
}

const maxErrorLength = 1024

// NewError truncates msg to the spec's bounded last_error length.
func NewError(msg string) *Error {
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return &Error{Message: msg}
}

func (e *Error) Error() string { return e.Message }
