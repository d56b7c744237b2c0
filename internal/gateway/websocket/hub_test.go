package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denecity/TaaS/internal/common/logger"
	"github.com/denecity/TaaS/internal/events"
	"github.com/denecity/TaaS/internal/events/bus"
)

func TestHubForwardsBusEvents(t *testing.T) {
	memBus := bus.NewMemoryEventBus(logger.Default())
	hub := NewHub(memBus, logger.Default())
	require.NoError(t, hub.Start())
	defer hub.Stop()

	client := NewClient("c1", nil, hub, logger.Default())
	hub.Register(client)

	payload := events.RoutineEventData(events.RoutineStarted, 4, "mine_ore_vein")
	err := memBus.Publish(context.Background(), events.RoutineStarted,
		bus.NewEvent(events.RoutineStarted, events.Source, payload))
	require.NoError(t, err)

	select {
	case data := <-client.send:
		assert.Contains(t, string(data), `"routine_started"`)
		assert.Contains(t, string(data), `"mine_ore_vein"`)
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the client")
	}
}

func TestSlowClientEvicted(t *testing.T) {
	hub := NewHub(bus.NewMemoryEventBus(logger.Default()), logger.Default())

	slow := NewClient("slow", nil, hub, logger.Default())
	hub.Register(slow)
	require.Equal(t, 1, hub.ClientCount())

	// Nothing drains the send buffer; once it is full the enqueue deadline
	// expires and the client is evicted.
	payload := []byte(`{"type":"state_updated"}`)
	for i := 0; i < clientSendBuffer+1; i++ {
		hub.Broadcast(payload)
	}

	assert.Equal(t, 0, hub.ClientCount())

	// The queue is closed exactly once; a second unregister is a no-op.
	hub.Unregister(slow)
}

func TestBroadcastSkipsEvictedClients(t *testing.T) {
	hub := NewHub(bus.NewMemoryEventBus(logger.Default()), logger.Default())

	healthy := NewClient("healthy", nil, hub, logger.Default())
	hub.Register(healthy)

	hub.Broadcast([]byte(`{"type":"connected"}`))
	require.Len(t, healthy.send, 1)

	hub.Unregister(healthy)
	// Closed channel: broadcasting again must not panic or redeliver.
	hub.Broadcast([]byte(`{"type":"connected"}`))
	assert.Equal(t, 0, hub.ClientCount())
}
