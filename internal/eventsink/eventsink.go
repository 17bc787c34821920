// Package eventsink implements the structured JSON event stream the hydrant
// core emits on stderr: one object per line, with timestamp, level, message,
// and a thread id identifying the emitting goroutine.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// threadIDKey is the context key under which a goroutine's hex thread id is
// stashed by WithThreadID. Each supervisor worker and each recovery attempt
// sets this once at start so every event it logs carries a stable
// identifier; events logged without such a context (the input loop among
// them) carry thread "0". This stands in for the OS thread
// id the original C implementation reads via pthread_self().
type threadIDKey struct{}

// WithThreadID attaches a short hex identifier to ctx for use by log calls
// made through it. Pass the result of NewThreadID for id.
func WithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadIDKey{}, id)
}

// NewThreadID generates a fresh thread identifier for a long-lived
// goroutine, standing in for the OS thread id the original reads via
// pthread_self(). The short form (first 8 hex characters of a random UUID)
// keeps log lines as compact as the original's integer thread ids while
// still being collision-safe across a long-running process.
func NewThreadID() string {
	return uuid.NewString()[:8]
}

// Handler is a slog.Handler that writes one JSON object per record to an
// underlying writer, serializing writes under a single mutex so concurrent
// emitters never interleave bytes within a record (the flush-under-lock
// requirement of spec.md §4.1).
type Handler struct {
	mu  *sync.Mutex
	out io.Writer
}

// NewHandler creates a Handler writing to out (typically os.Stderr).
func NewHandler(out io.Writer) *Handler {
	return &Handler{mu: &sync.Mutex{}, out: out}
}

func (h *Handler) Enabled(context.Context, slog.Level) bool { return true }
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler  { return h }
func (h *Handler) WithGroup(name string) slog.Handler        { return h }

// Handle formats r as a single JSON line. encoding/json escapes quote,
// backslash, newline, CR and tab, and writes the other control characters
// below 0x20 as \u00XX.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var msg strings.Builder
	msg.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&msg, " %s=%v", a.Key, a.Value.Any())
		return true
	})

	thread, _ := ctx.Value(threadIDKey{}).(string)
	if thread == "" {
		thread = "0"
	}

	rec, err := json.Marshal(struct {
		Timestamp string `json:"timestamp"`
		Level     string `json:"level"`
		Message   string `json:"message"`
		Thread    string `json:"thread"`
	}{r.Time.Format(time.RFC3339), levelName(r.Level), msg.String(), thread})
	if err != nil {
		return err
	}
	line := string(rec) + "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := io.WriteString(h.out, line); err != nil {
		return err
	}
	if f, ok := h.out.(*os.File); ok {
		_ = f.Sync()
	}
	return nil
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

var installOnce sync.Once

// Install makes Handler the process-wide default logger, lazily, exactly
// once. Safe to call from multiple goroutines; only the first call takes
// effect, matching the teacher's module-level singleton pattern for
// process-wide facilities (cf. the teacher's package-level metrics/log
// wiring in cmd/dbbouncer/main.go).
func Install(out io.Writer) {
	installOnce.Do(func() {
		slog.SetDefault(slog.New(NewHandler(out)))
	})
}
