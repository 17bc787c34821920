package pgwire

// SCRAM-SHA-256 client handshake, ported from the teacher's
// internal/pool/scram.go (there used to authenticate the proxy's backend
// connections; here driving the same exchange as the client of a hydrant
// target database).

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	"golang.org/x/crypto/pbkdf2"
)

const scramMechanism = "SCRAM-SHA-256"

func (c *Conn) authenticateSCRAM(ctx context.Context, tgt target, mechanisms []string) error {
	found := false
	for _, m := range mechanisms {
		if m == scramMechanism {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("backend offered no supported SASL mechanism (got %v)", mechanisms)
	}

	clientNonce := make([]byte, 18)
	if _, err := rand.Read(clientNonce); err != nil {
		return fmt.Errorf("generating client nonce: %w", err)
	}
	clientNonceB64 := base64.StdEncoding.EncodeToString(clientNonce)

	clientFirstBare := "n=,r=" + clientNonceB64
	clientFirst := "n,," + clientFirstBare

	c.fe.Send(&pgproto3.SASLInitialResponse{AuthMechanism: scramMechanism, Data: []byte(clientFirst)})
	if err := c.fe.Flush(); err != nil {
		return fmt.Errorf("sending SASL initial response: %w", err)
	}

	msg, err := c.fe.Receive()
	if err != nil {
		return fmt.Errorf("reading SASL continue: %w", err)
	}
	cont, ok := msg.(*pgproto3.AuthenticationSASLContinue)
	if !ok {
		if errResp, ok := msg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("backend rejected SASL: %s", errResp.Message)
		}
		return fmt.Errorf("unexpected message %T waiting for SASL continue", msg)
	}

	serverFirst := string(cont.Data)
	serverNonce, salt, iterCount, err := parseServerFirst(serverFirst)
	if err != nil {
		return fmt.Errorf("parsing SCRAM server-first message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonceB64) {
		return fmt.Errorf("SCRAM server nonce does not extend client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(tgt.password), salt, iterCount, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)

	clientFinalNoProof := "c=biws,r=" + serverNonce
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalNoProof

	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinal := clientFinalNoProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	c.fe.Send(&pgproto3.SASLResponse{Data: []byte(clientFinal)})
	if err := c.fe.Flush(); err != nil {
		return fmt.Errorf("sending SASL response: %w", err)
	}

	finalMsg, err := c.fe.Receive()
	if err != nil {
		return fmt.Errorf("reading SASL final: %w", err)
	}
	switch m := finalMsg.(type) {
	case *pgproto3.AuthenticationSASLFinal:
		// verify server signature for completeness; a mismatch means a MITM
		// or a buggy backend, either way authentication should not proceed.
		serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
		expected := hmacSHA256(serverKey, []byte(authMessage))
		got, err := parseServerFinal(string(m.Data))
		if err != nil {
			return fmt.Errorf("parsing SCRAM server-final message: %w", err)
		}
		if !hmac.Equal(expected, got) {
			return fmt.Errorf("SCRAM server signature mismatch")
		}
		return c.expectAuthOK()
	case *pgproto3.ErrorResponse:
		return fmt.Errorf("SCRAM authentication failed: %s", m.Message)
	default:
		return fmt.Errorf("unexpected message %T waiting for SASL final", m)
	}
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// parseServerFirst splits a SCRAM server-first message "r=...,s=...,i=..."
// into nonce, decoded salt, and iteration count.
func parseServerFirst(s string) (nonce string, salt []byte, iterCount int, err error) {
	for _, part := range strings.Split(s, ",") {
		if len(part) < 2 || part[1] != '=' {
			continue
		}
		switch part[0] {
		case 'r':
			nonce = part[2:]
		case 's':
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case 'i':
			iterCount, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("parsing iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterCount == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first message")
	}
	return nonce, salt, iterCount, nil
}

func parseServerFinal(s string) ([]byte, error) {
	for _, part := range strings.Split(s, ",") {
		if strings.HasPrefix(part, "v=") {
			return base64.StdEncoding.DecodeString(part[2:])
		}
	}
	return nil, fmt.Errorf("server-final message missing verifier")
}
