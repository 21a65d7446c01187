package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easydatahq/agent-gateway/internal/config"
	"github.com/easydatahq/agent-gateway/internal/retry"
)

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewHTTPClient(&config.CompletionConfig{
		BaseURL:   srv.URL,
		APIKey:    "test-key",
		ChatModel: "gpt-4o-mini",
	}, testPolicy())
	require.NoError(t, err)
	return client, srv
}

func completionBody(content string) map[string]any {
	return map[string]any{
		"id":    "cmpl-1",
		"model": "gpt-4o-mini",
		"choices": []map[string]any{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": content}},
		},
		"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19},
	}
}

func TestCompleteReturnsContentAndUsage(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req["model"])

		json.NewEncoder(w).Encode(completionBody("SELECT 1"))
	})

	resp, err := client.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "hello"}},
		Caller:   "test",
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", resp.Content)
	assert.Equal(t, 19, resp.Usage.TotalTokens)
}

func TestCompleteRetriesRateLimit(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(completionBody("ok"))
	})

	resp, err := client.Complete(context.Background(), &Request{Caller: "test"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, calls)
}

func TestCompleteDoesNotRetryAuthRejection(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Complete(context.Background(), &Request{Caller: "test"})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	})

	_, err := client.Complete(context.Background(), &Request{Caller: "test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}
