package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeHappyPath(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.Begin(ctx))
	require.NoError(t, f.Prepare(ctx, CopyStatementName, CopyStatement))
	require.NoError(t, f.CopyStart(ctx, CopyStatementName))

	assert.Equal(t, PutOK, f.CopyPut(ctx, []byte("hello")))
	assert.Equal(t, PutOK, f.CopyPut(ctx, []byte("world")))

	require.NoError(t, f.CopyEnd(ctx))
	require.NoError(t, f.Commit(ctx))

	assert.Equal(t, "helloworld", string(f.Written))
	assert.True(t, f.Committed)
	assert.False(t, f.RolledBack)
	assert.Equal(t, StatusOK, f.Status())
}

func TestFakeBackpressureThenAccept(t *testing.T) {
	f := NewFake()
	f.BlockCount = 3
	ctx := context.Background()

	require.NoError(t, f.Prepare(ctx, CopyStatementName, CopyStatement))
	require.NoError(t, f.CopyStart(ctx, CopyStatementName))

	for i := 0; i < 3; i++ {
		assert.Equal(t, PutWouldBlock, f.CopyPut(ctx, []byte("x")))
	}
	assert.Equal(t, PutOK, f.CopyPut(ctx, []byte("x")))
}

func TestFakeFailAtByte(t *testing.T) {
	f := NewFake()
	f.FailAtByte = 5
	ctx := context.Background()

	require.NoError(t, f.Prepare(ctx, CopyStatementName, CopyStatement))
	require.NoError(t, f.CopyStart(ctx, CopyStatementName))

	assert.Equal(t, PutOK, f.CopyPut(ctx, []byte("1234")))
	assert.Equal(t, PutError, f.CopyPut(ctx, []byte("56")))
	assert.Equal(t, StatusBad, f.Status())
	assert.NotEmpty(t, f.ErrorMessage())
}

func TestFakeDialerScriptedOutcomes(t *testing.T) {
	boom := assert.AnError
	d := &FakeDialer{Outcomes: []FakeDialOutcome{
		{Err: boom},
		{Err: boom},
		{SSL: true},
	}}

	_, err := d.Dial(context.Background(), "postgres://x", true)
	assert.ErrorIs(t, err, boom)

	_, err = d.Dial(context.Background(), "postgres://x", true)
	assert.ErrorIs(t, err, boom)

	conn, err := d.Dial(context.Background(), "postgres://x", true)
	require.NoError(t, err)
	assert.True(t, conn.SSLInUse())

	// outcomes queue is exhausted; further calls repeat the last entry.
	conn, err = d.Dial(context.Background(), "postgres://x", true)
	require.NoError(t, err)
	assert.True(t, conn.SSLInUse())
}

func TestNewErrorTruncates(t *testing.T) {
	long := make([]byte, maxErrorLength+500)
	for i := range long {
		long[i] = 'a'
	}
	e := NewError(string(long))
	assert.Len(t, e.Message, maxErrorLength)
}
