package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hydrant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, "db_conn_string: postgres://localhost/test\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.RequireSSL)
}

func TestLoadRequiresConnString(t *testing.T) {
	path := writeTemp(t, "batch_size: 1000\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadClampsBatchSize(t *testing.T) {
	path := writeTemp(t, "db_conn_string: postgres://localhost/test\nbatch_size: 10\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, MinBatchSize, cfg.BatchSize)

	path = writeTemp(t, "db_conn_string: postgres://localhost/test\nbatch_size: 999999999\n")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, MaxBatchSize, cfg.BatchSize)
}

func TestFromEnvRequiresDBURL(t *testing.T) {
	t.Setenv("HYDRANT_DB_URL", "")
	os.Unsetenv("HYDRANT_DB_URL")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestFromEnvReadsBatchSize(t *testing.T) {
	t.Setenv("HYDRANT_DB_URL", "postgres://localhost/test")
	t.Setenv("HYDRANT_BATCH_SIZE", "131072")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 131072, cfg.BatchSize)
}

func TestWatcherDoesNotMutateLiveConfig(t *testing.T) {
	path := writeTemp(t, "db_conn_string: postgres://localhost/test\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	edited := make(chan string, 1)
	w, err := NewWatcher(path, func(p string) { edited <- p })
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("db_conn_string: postgres://localhost/other\n"), 0o600))

	select {
	case <-edited:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never observed the edit")
	}

	// The in-memory Config must still reflect the value it was loaded with.
	assert.Equal(t, "postgres://localhost/test", cfg.DBConnString)
}
