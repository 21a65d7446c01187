// Package bridge is the client for the platform execution backend. The
// backend owns user credentials and runs the actual queries; this
// service only hands it validated query text.
package bridge

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/easydatahq/agent-gateway/internal/config"
	"github.com/easydatahq/agent-gateway/internal/dbadapter"
	"github.com/easydatahq/agent-gateway/internal/retry"
)

// Client talks to the execution backend with service-to-service auth.
type Client struct {
	baseURL    string
	serviceID  string
	secret     string
	agentID    string
	httpClient *http.Client
	policy     retry.Policy

	now func() time.Time
}

// NewClient creates a backend bridge client.
func NewClient(cfg *config.BackendConfig, policy retry.Policy) *Client {
	return &Client{
		baseURL:   cfg.URL,
		serviceID: cfg.ServiceID,
		secret:    cfg.Secret,
		agentID:   cfg.AgentID,
		httpClient: &http.Client{
			Timeout: cfg.GetTimeout(),
		},
		policy: policy,
		now:    time.Now,
	}
}

// ExecuteRequest is the query execution payload.
type ExecuteRequest struct {
	Query  string             `json:"query"`
	DBInfo dbadapter.ConnInfo `json:"db_info"`
	UserID string             `json:"user_id"`
	DBID   string             `json:"dbId"`
}

// ExecuteResponse is the backend's execution result.
type ExecuteResponse struct {
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"rowCount"`
	Error    string           `json:"error,omitempty"`
}

// ExecuteQuery runs a validated query through the backend.
func (c *Client) ExecuteQuery(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	var out ExecuteResponse
	err := c.postJSON(ctx, "/api/query/execute", req, &out)
	if err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("backend execution error: %s", out.Error)
	}
	return &out, nil
}

// SchemaResponse is the backend's schema payload for a user database.
type SchemaResponse struct {
	Tables  []string                      `json:"tables"`
	Columns map[string][]dbadapter.Column `json:"columns"`
	DBType  string                        `json:"db_type"`
}

// FetchSchema retrieves schema metadata for a user database.
func (c *Client) FetchSchema(ctx context.Context, dbInfo dbadapter.ConnInfo, userID string) (*SchemaResponse, error) {
	payload := map[string]any{"db_info": dbInfo, "user_id": userID}
	var out SchemaResponse
	if err := c.postJSON(ctx, "/api/query/schema/fetch", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConversationRecord is one finished exchange persisted to the backend.
type ConversationRecord struct {
	UserID   string `json:"user_id"`
	Task     string `json:"task"`
	Query    string `json:"query,omitempty"`
	Response string `json:"response"`
}

// StoreConversation persists a finished exchange. Best effort; callers
// treat failures as non-fatal.
func (c *Client) StoreConversation(ctx context.Context, rec *ConversationRecord) error {
	return c.postJSON(ctx, "/api/query/conversation/store", rec, nil)
}

// RegisterAgent announces this gateway instance to the backend.
func (c *Client) RegisterAgent(ctx context.Context) error {
	payload := map[string]any{
		"agent_id":     c.agentID,
		"capabilities": []string{"query_generation", "schema_analysis", "visualization"},
		"status":       "online",
	}
	return c.postJSON(ctx, "/api/auth/agent/register", payload, nil)
}

// Health checks backend availability.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &retry.StatusError{StatusCode: resp.StatusCode, Body: "health check"}
	}
	return nil
}

// postJSON performs an authenticated POST with retry on transient
// failures, decoding into out when non-nil.
func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	return c.policy.Do(ctx, "backend"+path, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &retry.StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.signedToken())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "EasyData-Agent-Gateway/1.0")
}

// signedToken builds a time-based HMAC token: base64 payload plus a
// SHA-256 signature over it, valid for one hour.
func (c *Client) signedToken() string {
	now := c.now().Unix()
	payload, _ := json.Marshal(map[string]any{
		"service_id": c.serviceID,
		"timestamp":  now,
		"exp":        now + 3600,
	})
	encoded := base64.StdEncoding.EncodeToString(payload)

	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(encoded))
	signature := hex.EncodeToString(mac.Sum(nil))

	return encoded + "." + signature
}
