package progress

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Consume the connection_established handshake.
	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "connection_established", hello["type"])
	return conn
}

func waitForConnections(t *testing.T, h *Hub, userID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ConnectionCount(userID) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d connections", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishFansOutToAllUserConnections(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(h)
	defer srv.Close()

	c1 := dialHub(t, srv, "u1")
	c2 := dialHub(t, srv, "u1")
	other := dialHub(t, srv, "u2")
	waitForConnections(t, h, "u1", 2)

	h.Publish("u1", NewEvent(EventAgentThinking, map[string]any{"agent": "schema"}))

	for _, conn := range []*websocket.Conn{c1, c2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "agent_thinking", msg["type"])
		assert.Equal(t, "schema", msg["agent"])
		assert.NotEmpty(t, msg["timestamp"])
	}

	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray map[string]any
	err := other.ReadJSON(&stray)
	assert.Error(t, err, "events must not leak across users")
}

func TestPublishToUserWithoutConnectionsDoesNotBlock(t *testing.T) {
	h := NewHub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish("ghost", NewEvent(EventPipelineStart, nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no connections")
	}
}

func TestPublishDuringDisconnectDoesNotPanic(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(h)
	defer srv.Close()

	stop := make(chan struct{})
	published := make(chan struct{})
	go func() {
		defer close(published)
		for {
			select {
			case <-stop:
				return
			default:
				h.Publish("u1", NewEvent(EventAgentThinking, map[string]any{"agent": "schema"}))
			}
		}
	}()

	// Churn connections while the publisher hammers the hub; a client
	// torn down mid-publish must be skipped, not panicked on.
	for i := 0; i < 200; i++ {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user_id=u1"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		conn.Close()
	}

	close(stop)
	select {
	case <-published:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher did not finish")
	}
}

func TestCancelCommandInvokesHandler(t *testing.T) {
	h := NewHub()
	cancelled := make(chan string, 1)
	h.SetCancelHandler(func(userID string) { cancelled <- userID })

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialHub(t, srv, "u1")
	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":    "client_command",
		"command": "cancel",
	}))

	select {
	case got := <-cancelled:
		assert.Equal(t, "u1", got)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel handler was not invoked")
	}
}

func TestPingPong(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialHub(t, srv, "u1")
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg["type"])
}

func TestEventMarshalShape(t *testing.T) {
	e := NewEvent(EventQueryExecution, map[string]any{"query": "SELECT 1"})
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "query_execution", out["type"])
	assert.Equal(t, "SELECT 1", out["query"])
	_, err = time.Parse(time.RFC3339, out["timestamp"].(string))
	assert.NoError(t, err)
}
