// Package config loads and validates the hydrant configuration record.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	// MinBatchSize is the smallest batch_size accepted, in bytes.
	MinBatchSize = 64 * 1024
	// MaxBatchSize is the largest batch_size accepted, in bytes.
	MaxBatchSize = 10 * 1024 * 1024
	// DefaultBatchSize is used when batch_size is unset.
	DefaultBatchSize = 1 * 1024 * 1024

	// PoolSize is the compile-time-constant connection pool size (spec.md §3).
	PoolSize = 10
)

// Config is the immutable-after-load configuration record (spec.md §3).
type Config struct {
	DBConnString string `yaml:"db_conn_string"`
	BatchSize    int    `yaml:"batch_size"`
	MaxRetries   int    `yaml:"max_retries"`
	RetryDelayMS int    `yaml:"retry_delay_ms"`
	RequireSSL   bool   `yaml:"require_ssl"`
}

func clampBatchSize(n int) int {
	if n < MinBatchSize {
		return MinBatchSize
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

// FromEnv builds a Config from the environment: HYDRANT_DB_URL (required)
// and HYDRANT_BATCH_SIZE (optional, decimal bytes, clamped).
func FromEnv() (*Config, error) {
	dbURL, ok := os.LookupEnv("HYDRANT_DB_URL")
	if !ok || dbURL == "" {
		return nil, fmt.Errorf("HYDRANT_DB_URL is required")
	}

	cfg := &Config{
		DBConnString: dbURL,
		BatchSize:    DefaultBatchSize,
		MaxRetries:   3,
		RetryDelayMS: 100,
		RequireSSL:   true,
	}

	if raw, ok := os.LookupEnv("HYDRANT_BATCH_SIZE"); ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing HYDRANT_BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = clampBatchSize(n)
	}

	return cfg, nil
}

// Load reads and parses a YAML config file. Unrecognized keys are ignored.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		BatchSize:    DefaultBatchSize,
		MaxRetries:   3,
		RetryDelayMS: 100,
		RequireSSL:   true,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.DBConnString == "" {
		return nil, fmt.Errorf("db_conn_string is required")
	}
	cfg.BatchSize = clampBatchSizeReporting(cfg.BatchSize)

	return cfg, nil
}

// clampBatchSizeReporting clamps like clampBatchSize but warns when the
// configured value was out of range, matching init.c's two WARN branches
// rather than silently substituting the default.
func clampBatchSizeReporting(n int) int {
	if n == 0 {
		return DefaultBatchSize
	}
	if n < MinBatchSize {
		slog.Warn("batch size below minimum, clamping", "configured", n, "minimum", MinBatchSize)
		return MinBatchSize
	}
	if n > MaxBatchSize {
		slog.Warn("batch size above maximum, clamping", "configured", n, "maximum", MaxBatchSize)
		return MaxBatchSize
	}
	return n
}

// Watcher watches the config file on disk for changes after startup and
// emits a WARN event when it changes. Config is immutable after Load per
// spec.md §3, so the callback never replaces the live Config — this exists
// purely to surface operator confusion ("I edited the file and nothing
// happened") as a log line, reusing the teacher's fsnotify-based watcher
// machinery without its hot-reload-and-mutate behavior.
type Watcher struct {
	path    string
	onEdit  func(path string)
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	stopCh  chan struct{}
}

// NewWatcher starts watching path. onEdit is called whenever the file is
// written or recreated, debounced so a burst of events within 500ms
// produces one call.
func NewWatcher(path string, onEdit func(path string)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{path: path, onEdit: onEdit, watcher: w, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.mu.Lock()
					defer cw.mu.Unlock()
					cw.onEdit(cw.path)
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

// Stop stops the watcher. Safe to call once.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
