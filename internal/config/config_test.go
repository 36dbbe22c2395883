package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, int64(50<<20), cfg.Fetch.MaxFileBytes)
	assert.Equal(t, 60, cfg.Fetch.TimeoutSec)
	assert.Equal(t, 200, cfg.Extract.TextThresholdChars)
	assert.Equal(t, 2.0, cfg.Extract.RenderScale)
	assert.Equal(t, "rus+eng", cfg.OCR.Languages)
	assert.Equal(t, 120, cfg.OCR.TimeoutSec)
	assert.Equal(t, 4, cfg.Pool.MaxWorkers)
	assert.Equal(t, 256, cfg.Pool.QueueCapacity)
	assert.Equal(t, 2, cfg.Pool.RetriesMax)
	assert.Equal(t, 384, cfg.Embeddings.Dim)
	assert.Equal(t, "etl_documents", cfg.Qdrant.Collection)
	assert.Equal(t, 6334, cfg.Qdrant.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "etl.yaml")
	content := []byte(`
fetch:
  max_file_bytes: 1048576
  timeout_sec: 5
pool:
  max_workers: 8
qdrant:
  collection: etl_test
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(1<<20), cfg.Fetch.MaxFileBytes)
	assert.Equal(t, 5, cfg.Fetch.TimeoutSec)
	assert.Equal(t, 8, cfg.Pool.MaxWorkers)
	assert.Equal(t, "etl_test", cfg.Qdrant.Collection)
	// Untouched sections keep defaults.
	assert.Equal(t, 200, cfg.Extract.TextThresholdChars)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FETCH_TIMEOUT_SEC", "7")
	t.Setenv("POOL_MAX_WORKERS", "2")
	t.Setenv("POSTGRES_DSN", "postgres://x:y@db:5432/etl")
	t.Setenv("FEED_AUTH", "secret-token")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Fetch.TimeoutSec)
	assert.Equal(t, 2, cfg.Pool.MaxWorkers)
	assert.Equal(t, "postgres://x:y@db:5432/etl", cfg.Postgres.DSN)
	assert.Equal(t, "secret-token", cfg.Feed.Auth)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/etl.yaml")
	assert.Error(t, err)
}

func TestTransformEnvKey(t *testing.T) {
	assert.Equal(t, "fetch.timeout_sec", transformEnvKey("FETCH_TIMEOUT_SEC"))
	assert.Equal(t, "fetch.max_file_bytes", transformEnvKey("FETCH_MAX_FILE_BYTES"))
	assert.Equal(t, "qdrant.collection", transformEnvKey("QDRANT_COLLECTION"))
	assert.Equal(t, "", transformEnvKey("PATH"))
	assert.Equal(t, "", transformEnvKey("HOME_DIR"))
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Pool.MaxWorkers = 0
	assert.Error(t, cfg.Validate())

	cfg.Pool.MaxWorkers = 4
	cfg.Extract.RenderScale = -1
	assert.Error(t, cfg.Validate())
}
