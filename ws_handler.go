package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsPongTimeout    = 60 * time.Second
	wsPingInterval   = 30 * time.Second
	wsSendBufferSize = 64
	wsReadLimit      = 4 * 1024

	// Grace period before the initial snapshot so the pending write from
	// order creation is visible to the read.
	snapshotDelay = 300 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The REST surface is already open CORS-wise; the stream matches it
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient adapts one WebSocket connection to the PushChannel interface.
// All writes flow through the buffered send channel and a single writer
// pump, which keeps frame order and keeps concurrent emitters off the
// connection.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
		done: make(chan struct{}),
	}
}

// TrySend enqueues a frame without blocking. A full buffer means the client
// cannot keep up and is treated as dead.
func (c *wsClient) TrySend(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the pumps and closes the connection. Idempotent.
func (c *wsClient) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump drains the send buffer onto the connection and keeps the
// connection alive with control pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleOrderStream upgrades GET /api/orders/{orderID}/stream to a
// persistent frame channel: a connected frame on open, a deferred snapshot
// of the persisted row, then one frame per transition. Unknown order ids
// attach silently and only ever receive frames if the order appears.
func (h *handler) handleOrderStream(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			slog.String("order_id", orderID),
			slog.Any("error", err),
		)
		return
	}

	client := newWSClient(conn)
	go client.writePump()

	// Enqueue the connected frame before the client is visible to the
	// delivery workers, so it is always first on the wire.
	h.sendFrame(client, connectedFrame{
		Type:      "connected",
		OrderID:   orderID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	h.pushRegistry.Register(orderID, client)

	// Replay the persisted state once the creation write settles
	snapshot := time.AfterFunc(snapshotDelay, func() {
		order, err := h.store.Get(r.Context(), orderID)
		if err != nil {
			return
		}
		frame, err := json.Marshal(eventFromOrder(order))
		if err != nil {
			return
		}
		client.TrySend(frame)
	})

	h.readLoop(client, orderID)

	snapshot.Stop()
	h.pushRegistry.Unregister(client)
	client.Close()
}

// readLoop consumes inbound frames until the peer goes away. The only
// understood message is {"type":"ping"}.
func (h *handler) readLoop(client *wsClient, orderID string) {
	conn := client.conn
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("stream closed unexpectedly",
					slog.String("order_id", orderID),
					slog.Any("error", err),
				)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			h.sendFrame(client, pongFrame{
				Type:      "pong",
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
		}
	}
}

func (h *handler) sendFrame(client *wsClient, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal frame", slog.Any("error", err))
		return
	}
	client.TrySend(data)
}
