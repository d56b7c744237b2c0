package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/common/constants"
	"github.com/denecity/TaaS/internal/common/logger"
	"github.com/denecity/TaaS/internal/turtle"
	"github.com/denecity/TaaS/internal/turtle/state"
	"github.com/denecity/TaaS/pkg/protocol"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Turtles and dashboards connect from arbitrary origins.
		return true
	},
}

// Handler owns both WebSocket surfaces: /ws for turtle firmware and
// /events for dashboards.
type Handler struct {
	registry *Registry
	store    *state.Store
	hub      *Hub
	logger   *logger.Logger
}

// NewHandler creates the gateway handler.
func NewHandler(registry *Registry, store *state.Store, hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		hub:      hub,
		logger:   log.WithFields(zap.String("component", "gateway")),
	}
}

// turtleConn serializes writes to one turtle socket. Command sends and
// keepalive pings come from different goroutines.
type turtleConn struct {
	mu   sync.Mutex
	conn *gorillaws.Conn
}

func (tc *turtleConn) writeText(data []byte) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.conn.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
	return tc.conn.WriteMessage(gorillaws.TextMessage, data)
}

func (tc *turtleConn) writePing() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.conn.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
	return tc.conn.WriteMessage(gorillaws.PingMessage, nil)
}

func (tc *turtleConn) writeClose(code int, reason string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.conn.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
	tc.conn.WriteMessage(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(code, reason))
}

// HandleTurtle upgrades a firmware connection and runs its lifetime: hello
// handshake, registration, read loop, teardown.
func (h *Handler) HandleTurtle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade turtle connection", zap.Error(err))
		return
	}
	tc := &turtleConn{conn: conn}

	hello, err := h.awaitHello(conn)
	if err != nil {
		h.logger.Warn("rejecting connection with invalid hello",
			zap.String("remote_addr", c.Request.RemoteAddr), zap.Error(err))
		tc.writeClose(gorillaws.CloseProtocolError, "invalid hello")
		conn.Close()
		return
	}

	turtleID := *hello.ComputerID
	t := turtle.New(turtleID, tc.writeText, h.store, h.logger)

	if prev := h.registry.register(t); prev != nil {
		h.logger.Info("replacing previous connection",
			zap.Int("turtle_id", turtleID))
		prev.ConnectionLost()
	}
	h.logger.Sugar().Infof("Turtle %d connected", turtleID)

	for _, cb := range h.registry.connectCallbacks() {
		if err := cb(t); err != nil {
			h.logger.Warn("connect callback failed",
				zap.Int("turtle_id", turtleID), zap.Error(err))
		}
	}

	stopPing := make(chan struct{})
	go h.pingLoop(tc, stopPing)

	h.readLoop(conn, t)

	close(stopPing)
	t.ConnectionLost()
	conn.Close()

	if h.registry.unregister(t) {
		h.logger.Sugar().Infof("Turtle %d disconnected", turtleID)
		for _, cb := range h.registry.disconnectCallbacks() {
			if err := cb(turtleID); err != nil {
				h.logger.Warn("disconnect callback failed",
					zap.Int("turtle_id", turtleID), zap.Error(err))
			}
		}
	}
}

// awaitHello reads the first frame and validates it as a hello.
func (h *Handler) awaitHello(conn *gorillaws.Conn) (*protocol.Hello, error) {
	conn.SetReadDeadline(time.Now().Add(constants.HelloTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.ParseHello(data)
}

// readLoop feeds inbound frames to the turtle until the socket dies.
// Any traffic resets the keepalive deadline, pongs included.
func (h *Handler) readLoop(conn *gorillaws.Conn, t *turtle.Turtle) {
	conn.SetReadDeadline(time.Now().Add(constants.ReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(constants.ReadDeadline))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseNormalClosure) {
				h.logger.Debug("turtle read error",
					zap.Int("turtle_id", t.ID), zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(constants.ReadDeadline))
		t.HandleFrame(data)
	}
}

func (h *Handler) pingLoop(tc *turtleConn, stop <-chan struct{}) {
	ticker := time.NewTicker(constants.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := tc.writePing(); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// HandleEvents upgrades a dashboard connection and streams events to it.
func (h *Handler) HandleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade event connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}
