package tracking

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/totoapp/delivery-core/internal/logger"
	"github.com/totoapp/delivery-core/internal/metrics"
	"github.com/totoapp/delivery-core/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Client is one websocket connection. Only readPump touches conn reads and
// only writePump touches conn writes; the hub talks to the client through
// the send channel.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	actorID string
	role    model.ActorRole

	// rooms is owned by the hub and guarded by its mutex.
	rooms map[string]struct{}

	// mu guards dropped and orders sends on the channel against its close.
	// Once dropped, send is closed and no goroutine may write to it again.
	mu      sync.Mutex
	dropped bool
}

func newClient(hub *Hub, conn *websocket.Conn, actorID string, role model.ActorRole) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		actorID: actorID,
		role:    role,
		rooms:   make(map[string]struct{}),
	}
}

func (c *Client) readPump(h *Handler) {
	defer func() {
		c.hub.Disconnect(c)
		c.conn.Close()
		metrics.TrackingConnections.Dec()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("tracking connection closed unexpectedly", map[string]interface{}{
					"actor_id": c.actorID,
					"error":    err.Error(),
				})
			}
			return
		}
		h.handleMessage(c, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues the payload without blocking. It reports false when the
// client was dropped or its buffer is full.
func (c *Client) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// drop closes the send channel. Safe to call more than once.
func (c *Client) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return
	}
	c.dropped = true
	close(c.send)
}

// reply sends an event to this client only. The event is discarded when the
// client's buffer is full or the client has been dropped.
func (c *Client) reply(event Event) {
	payload, err := marshalEvent(event)
	if err != nil {
		return
	}
	c.trySend(payload)
}
