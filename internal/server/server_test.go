package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easydatahq/agent-gateway/internal/config"
	"github.com/easydatahq/agent-gateway/internal/logging"
	"github.com/easydatahq/agent-gateway/internal/pipeline"
	"github.com/easydatahq/agent-gateway/internal/progress"
)

type fakeRunner struct {
	got    *pipeline.Request
	result *pipeline.Result
}

func (f *fakeRunner) Execute(ctx context.Context, req *pipeline.Request) *pipeline.Result {
	f.got = req
	return f.result
}

func newTestServer(apiKey string, runner Runner) *Server {
	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.APIKey = apiKey
	return New(cfg, runner, progress.NewHub(), logging.WithComponent("server"))
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer("", &fakeRunner{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestRunHandlerRequiresAuth(t *testing.T) {
	s := newTestServer("secret-key", &fakeRunner{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/run",
		strings.NewReader(`{"task":"hi","user_id":"user-1"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/run",
		strings.NewReader(`{"task":"hi","user_id":"user-1"}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRunHandlerExecutes(t *testing.T) {
	runner := &fakeRunner{result: &pipeline.Result{
		Success:      true,
		FinalOutput:  &pipeline.FinalOutput{Text: "Hello!"},
		AgentsCalled: []string{"intent", "chat"},
	}}
	s := newTestServer("secret-key", runner)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/run",
		strings.NewReader(`{"task":"hi","user_id":"user-1","visualize":true}`))
	req.Header.Set("Authorization", "Bearer secret-key")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, runner.got)
	assert.Equal(t, "hi", runner.got.Task)
	assert.True(t, runner.got.Visualize)

	var resp pipeline.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "Hello!", resp.FinalOutput.Text)
}

func TestRunHandlerRejectsMissingFields(t *testing.T) {
	s := newTestServer("", &fakeRunner{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/run", strings.NewReader(`{"task":""}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunHandlerMethodNotAllowed(t *testing.T) {
	s := newTestServer("", &fakeRunner{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/run", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
