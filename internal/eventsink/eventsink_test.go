package eventsink

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleWritesOneJSONObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf))

	logger.Info("hello", "n", 1)
	logger.Warn("careful")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var obj map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &obj))
	assert.Equal(t, "INFO", obj["level"])
	assert.Contains(t, obj["message"], "hello")
	assert.Equal(t, "0", obj["thread"])

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &obj))
	assert.Equal(t, "WARN", obj["level"])
}

func TestThreadIDFlowsThroughContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf))

	id := NewThreadID()
	ctx := WithThreadID(context.Background(), id)
	logger.InfoContext(ctx, "tagged")

	var obj map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &obj))
	assert.Equal(t, id, obj["thread"])
}

func TestMessageEscaping(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf))

	logger.Info("line\nwith\tcontrol\"chars")

	var obj map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &obj))
	assert.Contains(t, obj["message"], "line\nwith\tcontrol\"chars")
}

func TestNewThreadIDIsUnique(t *testing.T) {
	a := NewThreadID()
	b := NewThreadID()
	assert.NotEqual(t, a, b)
}
