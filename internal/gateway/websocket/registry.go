package websocket

import (
	"sort"
	"sync"

	"github.com/denecity/TaaS/internal/turtle"
)

// ConnectCallback runs after a turtle finishes its handshake. Errors are
// logged and swallowed; they never tear down the connection.
type ConnectCallback func(t *turtle.Turtle) error

// DisconnectCallback runs after a turtle's socket closes.
type DisconnectCallback func(turtleID int) error

// Registry maps turtle ids to their live sessions. A reconnect under the
// same id replaces the previous entry.
type Registry struct {
	mu           sync.RWMutex
	turtles      map[int]*turtle.Turtle
	onConnect    []ConnectCallback
	onDisconnect []DisconnectCallback
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{turtles: make(map[int]*turtle.Turtle)}
}

// Get returns the live turtle for an id.
func (r *Registry) Get(turtleID int) (*turtle.Turtle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.turtles[turtleID]
	return t, ok
}

// List returns the connected turtle ids, ascending.
func (r *Registry) List() []int {
	r.mu.RLock()
	ids := make([]int, 0, len(r.turtles))
	for id := range r.turtles {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

// OnConnect registers a callback for completed handshakes.
func (r *Registry) OnConnect(cb ConnectCallback) {
	r.mu.Lock()
	r.onConnect = append(r.onConnect, cb)
	r.mu.Unlock()
}

// OnDisconnect registers a callback for closed connections.
func (r *Registry) OnDisconnect(cb DisconnectCallback) {
	r.mu.Lock()
	r.onDisconnect = append(r.onDisconnect, cb)
	r.mu.Unlock()
}

// register installs a turtle, returning the replaced entry if any.
func (r *Registry) register(t *turtle.Turtle) *turtle.Turtle {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.turtles[t.ID]
	r.turtles[t.ID] = t
	return prev
}

// unregister removes the mapping only while it still points at t; a
// replacement registered by a reconnect stays untouched.
func (r *Registry) unregister(t *turtle.Turtle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.turtles[t.ID] == t {
		delete(r.turtles, t.ID)
		return true
	}
	return false
}

func (r *Registry) connectCallbacks() []ConnectCallback {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ConnectCallback(nil), r.onConnect...)
}

func (r *Registry) disconnectCallbacks() []DisconnectCallback {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]DisconnectCallback(nil), r.onDisconnect...)
}
