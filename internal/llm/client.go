// Package llm is the completion-service client. The wire contract is
// OpenAI-compatible chat completions; callers must assume the returned
// text is occasionally malformed even when JSON output was requested.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/easydatahq/agent-gateway/internal/config"
	"github.com/easydatahq/agent-gateway/internal/metrics"
	"github.com/easydatahq/agent-gateway/internal/retry"
)

// Client is the interface stage adapters depend on.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request represents a completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int

	// Caller tags token-usage metrics with the requesting component.
	Caller string
}

// Usage represents token usage counters.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response represents a completion response.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// HTTPClient talks to an OpenAI-compatible chat-completions endpoint
// with bounded retry on transient failures.
type HTTPClient struct {
	baseURL      string
	apiKey       string
	defaultModel string
	httpClient   *http.Client
	policy       retry.Policy
}

// NewHTTPClient creates a completion client from config.
func NewHTTPClient(cfg *config.CompletionConfig, policy retry.Policy) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	return &HTTPClient{
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		defaultModel: cfg.ChatModel,
		httpClient: &http.Client{
			Timeout: cfg.GetTimeout(),
		},
		policy: policy,
	}, nil
}

type wireRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int     `json:"index"`
		Message Message `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Complete sends a chat-completion request, retrying transient failures.
func (c *HTTPClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	body, err := json.Marshal(wireRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var out *Response
	err = c.policy.Do(ctx, "completion", func(ctx context.Context) error {
		started := time.Now()
		resp, err := c.doRequest(ctx, body)
		metrics.CompletionLatency.Observe(time.Since(started).Seconds())
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TrackTokens(req.Caller, out.Usage.PromptTokens, out.Usage.CompletionTokens)
	return out, nil
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte) (*Response, error) {
	url := fmt.Sprintf("%s/chat/completions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &retry.StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &Response{
		Content: wire.Choices[0].Message.Content,
		Model:   wire.Model,
		Usage:   wire.Usage,
	}, nil
}
