package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialStream(t *testing.T, srv *httptest.Server, orderID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/orders/" + orderID + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

func TestOrderStream(t *testing.T) {
	store := newFakeStore()
	seedOrder(t, store, "o-ws")

	registry := NewPushRegistry(testLogger(), testMetrics())
	h := NewHandler(store, &fakeBackend{}, registry, testLogger(), testMetrics())
	mux := http.NewServeMux()
	h.registerRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialStream(t, srv, "o-ws")

	connected := readFrame(t, conn)
	assert.Equal(t, "connected", connected["type"])
	assert.Equal(t, "o-ws", connected["orderId"])

	// The deferred snapshot replays the persisted pending row.
	snapshot := readFrame(t, conn)
	assert.Equal(t, "o-ws", snapshot["orderId"])
	assert.Equal(t, "pending", snapshot["status"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	pong := readFrame(t, conn)
	assert.Equal(t, "pong", pong["type"])

	delivered := registry.Emit("o-ws", &StatusEvent{
		OrderID:   "o-ws",
		Status:    StatusRouting,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	assert.Equal(t, 1, delivered)

	event := readFrame(t, conn)
	assert.Equal(t, "o-ws", event["orderId"])
	assert.Equal(t, "routing", event["status"])

	conn.Close()
	require.Eventually(t, func() bool {
		return registry.Subscribers("o-ws") == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestConnectedFrameAlwaysFirst(t *testing.T) {
	store := newFakeStore()
	seedOrder(t, store, "o-first")

	registry := NewPushRegistry(testLogger(), testMetrics())
	h := NewHandler(store, &fakeBackend{}, registry, testLogger(), testMetrics())
	mux := http.NewServeMux()
	h.registerRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialStream(t, srv, "o-first")

	// Emit the instant the subscriber becomes visible; the connected frame
	// was enqueued before registration, so it still arrives first.
	require.Eventually(t, func() bool {
		return registry.Subscribers("o-first") == 1
	}, 2*time.Second, time.Millisecond)
	registry.Emit("o-first", &StatusEvent{OrderID: "o-first", Status: StatusRouting})

	first := readFrame(t, conn)
	assert.Equal(t, "connected", first["type"])

	second := readFrame(t, conn)
	assert.Equal(t, "routing", second["status"])
}

func TestOrderStreamUnknownOrderAttaches(t *testing.T) {
	registry := NewPushRegistry(testLogger(), testMetrics())
	h := NewHandler(newFakeStore(), &fakeBackend{}, registry, testLogger(), testMetrics())
	mux := http.NewServeMux()
	h.registerRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialStream(t, srv, "nope")

	connected := readFrame(t, conn)
	assert.Equal(t, "connected", connected["type"])
	assert.Equal(t, "nope", connected["orderId"])

	require.Eventually(t, func() bool {
		return registry.Subscribers("nope") == 1
	}, time.Second, 10*time.Millisecond)
}
