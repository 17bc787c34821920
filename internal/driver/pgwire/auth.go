package pgwire

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
)

// startup sends the StartupMessage and drives whatever authentication
// request comes back, the same three-method branch the teacher's
// authenticatePG implements (cleartext, MD5, SCRAM-SHA-256), then drains
// ParameterStatus/BackendKeyData up to ReadyForQuery.
func (c *Conn) startup(ctx context.Context, tgt target) error {
	params := map[string]string{
		"user":      tgt.user,
		"client_encoding": "UTF8",
	}
	if tgt.database != "" {
		params["database"] = tgt.database
	}

	c.fe.Send(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: params})
	if err := c.fe.Flush(); err != nil {
		return fmt.Errorf("sending startup message: %w", err)
	}

	if err := c.authenticate(ctx, tgt); err != nil {
		return err
	}

	return c.drainToReady(ctx)
}

func (c *Conn) authenticate(ctx context.Context, tgt target) error {
	msg, err := c.fe.Receive()
	if err != nil {
		return fmt.Errorf("reading authentication request: %w", err)
	}

	switch m := msg.(type) {
	case *pgproto3.AuthenticationOk:
		return nil

	case *pgproto3.AuthenticationCleartextPassword:
		c.fe.Send(&pgproto3.PasswordMessage{Password: tgt.password})
		if err := c.fe.Flush(); err != nil {
			return fmt.Errorf("sending cleartext password: %w", err)
		}
		return c.expectAuthOK()

	case *pgproto3.AuthenticationMD5Password:
		hashed := md5Password(tgt.user, tgt.password, m.Salt)
		c.fe.Send(&pgproto3.PasswordMessage{Password: hashed})
		if err := c.fe.Flush(); err != nil {
			return fmt.Errorf("sending md5 password: %w", err)
		}
		return c.expectAuthOK()

	case *pgproto3.AuthenticationSASL:
		return c.authenticateSCRAM(ctx, tgt, m.AuthMechanisms)

	case *pgproto3.ErrorResponse:
		return fmt.Errorf("backend rejected startup: %s", m.Message)

	default:
		return fmt.Errorf("unsupported authentication request %T", m)
	}
}

// expectAuthOK reads one message and requires it to be AuthenticationOk,
// mirroring the teacher's terse post-PasswordMessage check in authenticatePG.
func (c *Conn) expectAuthOK() error {
	msg, err := c.fe.Receive()
	if err != nil {
		return fmt.Errorf("reading authentication result: %w", err)
	}
	switch m := msg.(type) {
	case *pgproto3.AuthenticationOk:
		return nil
	case *pgproto3.ErrorResponse:
		return fmt.Errorf("authentication failed: %s", m.Message)
	default:
		return fmt.Errorf("unexpected message %T waiting for authentication ok", m)
	}
}

// md5Password reproduces the teacher's computeMD5Password: "md5" followed by
// md5(md5(password+user) + salt) in hex.
func md5Password(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt[:]...))
	return "md5" + hex.EncodeToString(outer[:])
}

// drainToReady reads ParameterStatus/BackendKeyData/NoticeResponse messages
// until ReadyForQuery, matching the teacher's post-auth drain loop.
func (c *Conn) drainToReady(ctx context.Context) error {
	for {
		msg, err := c.fe.Receive()
		if err != nil {
			return fmt.Errorf("reading startup response: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.ParameterStatus, *pgproto3.NoticeResponse:
			continue
		case *pgproto3.BackendKeyData:
			c.processID = m.ProcessID
			c.secretKey = m.SecretKey
			continue
		case *pgproto3.ReadyForQuery:
			return nil
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("backend error during startup: %s", m.Message)
		default:
			continue
		}
	}
}
