package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/common/constants"
	"github.com/denecity/TaaS/internal/common/logger"
)

const (
	// Maximum message size allowed from a dashboard peer
	maxMessageSize = 64 * 1024

	// Dashboard clients get a generous pong window; they are browsers.
	dashboardPongWait   = 60 * time.Second
	dashboardPingPeriod = (dashboardPongWait * 9) / 10

	// Outbound event buffer per dashboard client
	clientSendBuffer = 256
)

// Client represents a single dashboard WebSocket connection. The server
// only pushes; inbound frames are read and discarded to service control
// messages.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// sendMu guards send against a close racing a concurrent enqueue.
	sendMu sync.RWMutex
	closed bool

	logger *logger.Logger
}

// NewClient creates a new dashboard client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, clientSendBuffer),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// enqueue offers one event to the client. It gives the send buffer a short
// grace window; false means the client is too slow and should be evicted.
func (c *Client) enqueue(data []byte) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
	}
	timer := time.NewTimer(constants.EventEnqueueDeadline)
	defer timer.Stop()
	select {
	case c.send <- data:
		return true
	case <-timer.C:
		return false
	}
}

// closeSend closes the outbound channel exactly once.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump drains inbound frames until the connection dies. Payloads are
// ignored; the read loop exists to process close frames and pongs.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(dashboardPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(dashboardPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug("dashboard read error", zap.Error(err))
			}
			return
		}
	}
}

// WritePump pushes queued events to the connection and keeps it alive
// with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(dashboardPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One event per frame so browser clients can JSON.parse each
			// message directly.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
