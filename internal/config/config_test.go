package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AWS_REGION", "ap-northeast-2")
	t.Setenv("RAW_BUCKET", "eventlog-raw")
	t.Setenv("REFDB_PATH", "/data/ref.db")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv(ConfigPathEnv, "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "drop_newest", cfg.SinkOverflow)
	assert.Equal(t, 10*time.Second, cfg.FlushInterval)
	assert.Equal(t, "eventlog-raw", cfg.RawBucket)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("BATCH_SIZE", "42")
	t.Setenv("FLUSH_INTERVAL", "250ms")
	t.Setenv("LOG_PRETTY", "true")
	t.Setenv("INSTANCE_ID", "ingest-7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 42, cfg.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.FlushInterval)
	assert.True(t, cfg.LogPretty)
	assert.Equal(t, "ingest-7", cfg.InstanceID)
}

func TestLoadFileThenEnv(t *testing.T) {
	setRequired(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := "http_addr: \":7070\"\nbatch_size: 10\nsink_overflow: drop_oldest\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv(ConfigPathEnv, path)
	t.Setenv("BATCH_SIZE", "20")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, 20, cfg.BatchSize, "env wins over file")
	assert.Equal(t, "drop_oldest", cfg.SinkOverflow)
}

func TestLoadRejectsInvalid(t *testing.T) {
	setRequired(t)
	t.Setenv("SINK_OVERFLOW", "spill")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateMissingBucket(t *testing.T) {
	cfg := defaults()
	cfg.AWSRegion = "us-east-1"
	cfg.RefDBPath = "ref.db"
	assert.Error(t, cfg.Validate())

	cfg.RawBucket = "b"
	assert.NoError(t, cfg.Validate())
}
