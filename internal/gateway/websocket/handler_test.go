package websocket

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denecity/TaaS/internal/common/logger"
	"github.com/denecity/TaaS/internal/db"
	"github.com/denecity/TaaS/internal/events/bus"
	"github.com/denecity/TaaS/internal/turtle"
	"github.com/denecity/TaaS/internal/turtle/state"
)

type gatewayFixture struct {
	registry *Registry
	store    *state.Store
	hub      *Hub
	server   *httptest.Server
	wsURL    string
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool, err := db.OpenSQLite(filepath.Join(t.TempDir(), "turtles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := state.New(pool, logger.Default())
	require.NoError(t, err)

	registry := NewRegistry()
	hub := NewHub(bus.NewMemoryEventBus(logger.Default()), logger.Default())
	handler := NewHandler(registry, store, hub, logger.Default())

	router := gin.New()
	router.GET("/ws", handler.HandleTurtle)
	router.GET("/events", handler.HandleEvents)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &gatewayFixture{
		registry: registry,
		store:    store,
		hub:      hub,
		server:   server,
		wsURL:    "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func dialTurtle(t *testing.T, fx *gatewayFixture) *gorillaws.Conn {
	t.Helper()
	conn, _, err := gorillaws.DefaultDialer.Dial(fx.wsURL+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestInvalidHelloClosedWithProtocolError(t *testing.T) {
	fx := newGatewayFixture(t)

	cases := []struct {
		name  string
		frame string
	}{
		{"missing id", `{"type":"hello"}`},
		{"wrong type", `{"type":"greeting","computer_id":5}`},
		{"not json", `hello there`},
		{"non-integer id", `{"type":"hello","computer_id":"five"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := dialTurtle(t, fx)
			require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte(tc.frame)))

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err := conn.ReadMessage()
			closeErr, ok := err.(*gorillaws.CloseError)
			require.True(t, ok, "expected close frame, got %v", err)
			assert.Equal(t, gorillaws.CloseProtocolError, closeErr.Code)
			assert.Equal(t, "invalid hello", closeErr.Text)

			assert.Empty(t, fx.registry.List())
		})
	}
}

func TestValidHelloRegistersTurtle(t *testing.T) {
	fx := newGatewayFixture(t)

	conn := dialTurtle(t, fx)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage,
		[]byte(`{"type":"hello","computer_id":5}`)))

	waitFor(t, func() bool {
		_, ok := fx.registry.Get(5)
		return ok
	}, "turtle 5 never registered")

	tr, _ := fx.registry.Get(5)
	assert.True(t, tr.Alive())
	assert.Equal(t, []int{5}, fx.registry.List())

	conn.Close()
	waitFor(t, func() bool {
		_, ok := fx.registry.Get(5)
		return !ok
	}, "turtle 5 never unregistered")
	assert.False(t, tr.Alive())
}

func TestConnectAndDisconnectCallbacks(t *testing.T) {
	fx := newGatewayFixture(t)

	var connected, disconnected atomic.Int32
	fx.registry.OnConnect(func(_ *turtle.Turtle) error {
		connected.Add(1)
		return assert.AnError // errors are swallowed
	})
	fx.registry.OnDisconnect(func(id int) error {
		if id == 12 {
			disconnected.Add(1)
		}
		return nil
	})

	conn := dialTurtle(t, fx)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage,
		[]byte(`{"type":"hello","computer_id":12}`)))

	waitFor(t, func() bool { return connected.Load() == 1 }, "connect callback never ran")

	conn.Close()
	waitFor(t, func() bool { return disconnected.Load() == 1 }, "disconnect callback never ran")
}

func TestReconnectReplacesPreviousSession(t *testing.T) {
	fx := newGatewayFixture(t)

	first := dialTurtle(t, fx)
	require.NoError(t, first.WriteMessage(gorillaws.TextMessage,
		[]byte(`{"type":"hello","computer_id":8}`)))
	waitFor(t, func() bool {
		_, ok := fx.registry.Get(8)
		return ok
	}, "first connection never registered")
	old, _ := fx.registry.Get(8)

	second := dialTurtle(t, fx)
	require.NoError(t, second.WriteMessage(gorillaws.TextMessage,
		[]byte(`{"type":"hello","computer_id":8}`)))
	waitFor(t, func() bool {
		current, ok := fx.registry.Get(8)
		return ok && current != old
	}, "second connection never replaced the first")

	assert.False(t, old.Alive())

	// The replaced connection closing must not evict the replacement.
	first.Close()
	time.Sleep(100 * time.Millisecond)
	current, ok := fx.registry.Get(8)
	require.True(t, ok)
	assert.True(t, current.Alive())
	assert.Equal(t, []int{8}, fx.registry.List())
}

func TestTurtleReceivesCommandFrames(t *testing.T) {
	fx := newGatewayFixture(t)

	conn := dialTurtle(t, fx)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage,
		[]byte(`{"type":"hello","computer_id":3}`)))
	waitFor(t, func() bool {
		_, ok := fx.registry.Get(3)
		return ok
	}, "turtle never registered")

	tr, _ := fx.registry.Get(3)
	sess, err := tr.TrySession()
	require.NoError(t, err)
	defer sess.Close()

	done := make(chan bool, 1)
	go func() {
		done <- sess.SendCommand(context.Background(), "turtle.turnRight()")
	}()

	// Firmware side: read the command frame, echo a success reply.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var cmd struct {
		ID      string `json:"id"`
		Command string `json:"command"`
	}
	require.NoError(t, conn.ReadJSON(&cmd))
	assert.Equal(t, "turtle.turnRight()", cmd.Command)
	assert.True(t, strings.HasPrefix(cmd.ID, "s_"))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"in_reply_to": cmd.ID,
		"ok":          true,
		"value":       true,
	}))

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("command round trip never completed")
	}
}
