package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chain-registry-go/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, origins ...string) (*Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(origins)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var event map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &event))
	return event
}

func TestNotifier_BroadcastsProblem(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url, nil)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	n := NewNotifier(hub)
	n.NotifyChainSyncProblem(models.SyncIssue{ChainID: "kusama", ChainName: "Kusama", Type: models.NetworkIssueNode})

	event := readEvent(t, conn)
	var eventType, id string
	require.NoError(t, json.Unmarshal(event["type"], &eventType))
	require.NoError(t, json.Unmarshal(event["id"], &id))
	assert.Equal(t, EventChainSyncProblem, eventType)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)

	var issue models.SyncIssue
	require.NoError(t, json.Unmarshal(event["data"], &issue))
	assert.Equal(t, "kusama", issue.ChainID)
	assert.Equal(t, models.NetworkIssueNode, issue.Type)

	n.NotifyChainSyncSuccess("kusama")
	event = readEvent(t, conn)
	require.NoError(t, json.Unmarshal(event["type"], &eventType))
	assert.Equal(t, EventChainSyncSuccess, eventType)
	assert.JSONEq(t, `{"chainId":"kusama"}`, string(event["data"]))
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url, nil)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_ChecksOrigin(t *testing.T) {
	_, url := startHub(t, "admin.example.org")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	dial(t, url, http.Header{"Origin": []string{"https://admin.example.org"}})
}

func TestNewEvent_UniqueIDs(t *testing.T) {
	a := NewEvent("x", nil)
	b := NewEvent("x", nil)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestHub_StopClosesSubscribersAndRefusesNewOnes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn := dial(t, url, nil)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-stopped
	assert.Zero(t, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived, websocket.CloseNormalClosure), "%v", err)

	late := dial(t, url, nil)
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "%v", err)

	// 停止后广播不会阻塞
	hub.Broadcast(NewEvent("x", nil))
}
