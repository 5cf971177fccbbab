package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ragd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, 1000, cfg.Chunking.ChunkSize)
	assert.Equal(t, 200, cfg.Chunking.ChunkOverlap)
	assert.Equal(t, 10, cfg.Search.DefaultLimit)
	assert.Equal(t, "X-User-ID", cfg.Auth.Header)
	assert.True(t, cfg.Scrubbing.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9191
chunking:
  chunk_size: 500
  chunk_overlap: 50
embeddings:
  provider: openai
  base_url: http://gateway:4000/v1
  api_key: sk-file-key
  call_timeout: 10s
vectorstore:
  provider: qdrant
  qdrant:
    host: qdrant.internal
    port: 6334
auth:
  skip_paths: [/health]
`, 0o600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Chunking.ChunkSize)
	assert.Equal(t, 50, cfg.Chunking.ChunkOverlap)
	assert.Equal(t, "openai", cfg.Embeddings.Provider)
	assert.Equal(t, 10*time.Second, cfg.Embeddings.CallTimeout)
	assert.Equal(t, "sk-file-key", cfg.Embeddings.APIKey.Value())
	assert.Equal(t, "sk-file-key", cfg.Embeddings.Client().APIKey)
	assert.Equal(t, "qdrant", cfg.VectorStore.Provider)
	assert.Equal(t, "qdrant.internal", cfg.VectorStore.Qdrant.Host)
	assert.Equal(t, []string{"/health"}, cfg.Auth.SkipPaths, "lists replace defaults")

	// untouched sections keep defaults
	assert.Equal(t, 384, cfg.Embeddings.Dimension)
	assert.Equal(t, Default().Search, cfg.Search)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9191\n", 0o600)
	t.Setenv("RAGD_SERVER_PORT", "7070")
	t.Setenv("RAGD_EMBEDDINGS_BASE_URL", "http://tei:8080")
	t.Setenv("RAGD_EMBEDDINGS_API_KEY", "env-key")
	t.Setenv("RAGD_VECTORSTORE_CHROMEM_PATH", "/var/lib/ragd/vectors")
	t.Setenv("RAGD_LOGGING_OUTPUT_STDOUT", "false")
	t.Setenv("RAGD_LOGGING_OUTPUT_OTEL", "true")
	t.Setenv("RAGD_SEARCH_DEDUP_THRESHOLD", "0.8")
	t.Setenv("RAGD_INGEST_STORE_BACKOFF", "1s")
	t.Setenv("RAGD_EVENTS_NATS_URL", "nats://localhost:4222")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "http://tei:8080", cfg.Embeddings.BaseURL)
	assert.Equal(t, "env-key", cfg.Embeddings.APIKey.Value())
	assert.Equal(t, "/var/lib/ragd/vectors", cfg.VectorStore.Chromem.Path)
	assert.False(t, cfg.Logging.Output.Stdout)
	assert.True(t, cfg.Logging.Output.OTEL)
	assert.InDelta(t, 0.8, cfg.Search.DedupThreshold, 1e-9)
	assert.Equal(t, time.Second, cfg.Ingest.StoreBackoff)
	assert.Equal(t, "nats://localhost:4222", cfg.Events.NATSURL)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorContains(t, err, "failed to open config file")
	})

	t.Run("world writable", func(t *testing.T) {
		path := writeConfig(t, "server:\n  port: 1\n", 0o666)
		_, err := Load(path)
		assert.ErrorContains(t, err, "insecure config file permissions")
	})

	t.Run("directory", func(t *testing.T) {
		_, err := Load(t.TempDir())
		assert.Error(t, err)
	})

	t.Run("too large", func(t *testing.T) {
		big := make([]byte, maxConfigFileSize+1)
		for i := range big {
			big[i] = '#'
		}
		path := writeConfig(t, string(big), 0o600)
		_, err := Load(path)
		assert.ErrorContains(t, err, "too large")
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := writeConfig(t, "server: [unclosed\n", 0o600)
		_, err := Load(path)
		assert.ErrorContains(t, err, "failed to parse config file")
	})

	t.Run("invalid values", func(t *testing.T) {
		path := writeConfig(t, "chunking:\n  chunk_size: 100\n  chunk_overlap: 100\nsearch:\n  overfetch: 0\n", 0o600)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "chunking:")
		assert.Contains(t, err.Error(), "search:")
	})

	t.Run("unknown scrubbing engine", func(t *testing.T) {
		t.Setenv("RAGD_SCRUBBING_ENGINE", "vault")
		_, err := Load("")
		assert.ErrorContains(t, err, "scrubbing: unknown engine")
	})
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"RAGD_SERVER_PORT", "server.port"},
		{"RAGD_EMBEDDINGS_MAX_BATCH_SIZE", "embeddings.max_batch_size"},
		{"RAGD_VECTORSTORE_QDRANT_API_KEY", "vectorstore.qdrant.api_key"},
		{"RAGD_VECTORSTORE_CALL_TIMEOUT", "vectorstore.call_timeout"},
		{"RAGD_TELEMETRY_METRICS_EXPORT_INTERVAL", "telemetry.metrics.export_interval"},
		{"RAGD_LOGGING_LEVEL", "logging.level"},
		{"RAGD_DEBUG", "debug"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			assert.Equal(t, tt.want, envKey(tt.env))
		})
	}
}

func TestSecret_Redacted(t *testing.T) {
	s := Secret("sk-live-123")

	assert.Equal(t, "sk-live-123", s.Value())
	assert.True(t, s.IsSet())
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "sk-live")

	out, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"[REDACTED]"}`, string(out))

	var empty Secret
	assert.False(t, empty.IsSet())
	assert.Equal(t, "", empty.String())
}
