package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  host: 127.0.0.1
  port: 8080
completion:
  base_url: https://api.example.com/v1
  api_key: file-key
  chat_model: chat-1
  query_model: query-1
  timeout: 45s
backend:
  url: http://localhost:3000
  service_id: agent-gateway
  secret: file-secret
pipeline:
  context_ttl: 300s
  rate_limit_max: 10
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "query-1", cfg.Completion.QueryModel)
	assert.Equal(t, 45*time.Second, cfg.Completion.GetTimeout())
	assert.Equal(t, 300*time.Second, cfg.Pipeline.GetContextTTL())
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("COMPLETION_API_KEY", "env-key")
	t.Setenv("BACKEND_SECRET", "env-secret")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Completion.APIKey)
	assert.Equal(t, "env-secret", cfg.Backend.Secret)
}

func TestValidateMissingCredentials(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  port: 8080
completion:
  base_url: https://api.example.com/v1
backend:
  url: http://localhost:3000
`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completion.api_key")
}

func TestDurationDefaults(t *testing.T) {
	var p PipelineConfig
	assert.Equal(t, 600*time.Second, p.GetContextTTL())
	assert.Equal(t, time.Minute, p.GetRateLimitWindow())

	p.ContextTTL = "garbage"
	assert.Equal(t, 600*time.Second, p.GetContextTTL())
}
