// ABOUTME: Tests for configuration loading
// ABOUTME: Verifies YAML parsing, env expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Complete(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/parley.db"
model:
  provider: "anthropic"
  default_model: "claude-3-5-sonnet-20241022"
  temperature: 0.3
  max_tokens: 2048
retrieval:
  endpoint: "http://localhost:9090/search"
  top_k: 3
  timeout: "1500ms"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/parley.db", cfg.Database.Path)
	assert.Equal(t, "anthropic", cfg.Model.Provider)
	assert.Equal(t, 0.3, cfg.Model.Temperature)
	assert.Equal(t, 2048, cfg.Model.MaxTokens)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
	assert.Equal(t, 1500*time.Millisecond, cfg.Retrieval.Timeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/parley.db"
model:
  default_model: "gpt-4o-mini"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Model.Provider)
	assert.Equal(t, 0.7, cfg.Model.Temperature)
	assert.Equal(t, 1024, cfg.Model.MaxTokens)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 3*time.Second, cfg.Retrieval.Timeout)
	assert.Equal(t, time.Duration(0), cfg.Retrieval.CacheTTL)
}

func TestLoad_RetrievalCacheTTL(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/parley.db"
model:
  default_model: "gpt-4o-mini"
retrieval:
  endpoint: "http://localhost:9200/search"
  cache_ttl: "90s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Retrieval.CacheTTL)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("PARLEY_TEST_KEY", "sk-secret")

	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/parley.db"
model:
  default_model: "gpt-4o-mini"
  api_key: "${PARLEY_TEST_KEY}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", cfg.Model.APIKey)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http_addr",
			content: `
database:
  path: "/tmp/parley.db"
model:
  default_model: "gpt-4o-mini"
`,
			wantErr: "http_addr",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: "localhost:8080"
model:
  default_model: "gpt-4o-mini"
`,
			wantErr: "database.path",
		},
		{
			name: "unknown provider",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/parley.db"
model:
  provider: "llamacloud"
  default_model: "x"
`,
			wantErr: "model.provider",
		},
		{
			name: "missing default model",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/parley.db"
`,
			wantErr: "default_model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/parley.db"
model:
  default_model: "gpt-4o-mini"
retrieval:
  timeout: "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
