// Package websocket provides the WebSocket gateway: the turtle command
// socket and the dashboard event stream.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/common/logger"
	"github.com/denecity/TaaS/internal/events"
	"github.com/denecity/TaaS/internal/events/bus"
)

// Hub fans bus events out to dashboard WebSocket clients. Clients that
// cannot keep up are evicted so publishing never blocks.
type Hub struct {
	bus bus.EventBus

	mu      sync.RWMutex
	clients map[*Client]bool
	subs    []bus.Subscription

	logger *logger.Logger
}

// NewHub creates a hub over the given event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:     eventBus,
		clients: make(map[*Client]bool),
		logger:  log.WithFields(zap.String("component", "event_hub")),
	}
}

// Start subscribes to the turtle and routine subject families.
func (h *Hub) Start() error {
	for _, subject := range []string{events.TurtleSubjects, events.RoutineSubjects} {
		sub, err := h.bus.Subscribe(subject, h.handleEvent)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		h.mu.Lock()
		h.subs = append(h.subs, sub)
		h.mu.Unlock()
	}
	h.logger.Info("event hub started")
	return nil
}

// Stop unsubscribes and disconnects all clients.
func (h *Hub) Stop() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	for _, client := range clients {
		client.closeSend()
	}
	h.logger.Info("event hub stopped")
}

// handleEvent forwards one bus event to every client. The event's data
// payload is what dashboards see; the envelope stays internal.
func (h *Hub) handleEvent(ctx context.Context, event *bus.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		h.logger.Error("failed to marshal event payload",
			zap.String("subject", event.Type), zap.Error(err))
		return nil
	}
	h.Broadcast(data)
	return nil
}

// Broadcast pushes one encoded payload to all clients, evicting the slow.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if !client.enqueue(data) {
			h.logger.Warn("evicting slow event client",
				zap.String("client_id", client.ID))
			h.Unregister(client)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.logger.Debug("event client registered", zap.String("client_id", client.ID))
}

// Unregister removes a client and closes its queue. Idempotent; the read
// pump and the eviction path can both land here.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, present := h.clients[client]
	if present {
		delete(h.clients, client)
	}
	h.mu.Unlock()

	if present {
		client.closeSend()
		h.logger.Debug("event client unregistered", zap.String("client_id", client.ID))
	}
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
