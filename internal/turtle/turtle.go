// Package turtle holds the per-connection command multiplexer and the
// exclusive session through which routines drive a turtle.
package turtle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/common/logger"
	"github.com/denecity/TaaS/internal/turtle/state"
	"github.com/denecity/TaaS/pkg/protocol"
)

// ErrSessionBusy is returned by TrySession when another holder is active.
var ErrSessionBusy = errors.New("session already in use")

// SendFunc writes one frame to the turtle's socket. The gateway supplies
// this; tests supply scripted stand-ins.
type SendFunc func(data []byte) error

// Turtle is one connected agent. The gateway owns the socket and feeds
// inbound frames through HandleFrame; routines interact through an
// exclusive Session.
type Turtle struct {
	ID int

	send   SendFunc
	store  *state.Store
	logger *logger.Logger

	mu      sync.Mutex
	pending map[string]chan *protocol.Reply
	alive   bool

	// Buffered-1 semaphore guarding session exclusivity.
	sem chan struct{}
}

// New constructs a turtle around a live connection's send function.
func New(id int, send SendFunc, store *state.Store, log *logger.Logger) *Turtle {
	return &Turtle{
		ID:      id,
		send:    send,
		store:   store,
		logger:  log.WithTurtleID(id),
		pending: make(map[string]chan *protocol.Reply),
		alive:   true,
		sem:     make(chan struct{}, 1),
	}
}

// Alive reports whether the connection behind this turtle is still up.
func (t *Turtle) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

// HandleFrame processes one inbound frame from the socket read loop.
// Unparseable frames and replies to unknown request ids are dropped.
func (t *Turtle) HandleFrame(data []byte) {
	var reply protocol.Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return
	}
	reqID := reply.CorrelationID()
	if reqID == "" {
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[reqID]
	if ok {
		delete(t.pending, reqID)
	}
	t.mu.Unlock()

	if ok {
		ch <- &reply
	}
}

// ConnectionLost marks the turtle dead and fails every in-flight command
// with the disconnected result. Safe to call more than once.
func (t *Turtle) ConnectionLost() {
	t.mu.Lock()
	if !t.alive {
		t.mu.Unlock()
		return
	}
	t.alive = false
	pending := t.pending
	t.pending = make(map[string]chan *protocol.Reply)
	t.mu.Unlock()

	// Closed channel reads as the disconnected result on the waiter side.
	for _, ch := range pending {
		close(ch)
	}
	if n := len(pending); n > 0 {
		t.logger.Warn("failed pending commands on disconnect", zap.Int("count", n))
	}
}

// register parks a reply channel under a request id. The channel is
// buffered so HandleFrame never blocks on a waiter that already gave up.
func (t *Turtle) register(reqID string) (chan *protocol.Reply, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.alive {
		return nil, false
	}
	ch := make(chan *protocol.Reply, 1)
	t.pending[reqID] = ch
	return ch, true
}

func (t *Turtle) unregister(reqID string) {
	t.mu.Lock()
	delete(t.pending, reqID)
	t.mu.Unlock()
}

// Session acquires the exclusive command session, blocking until the
// current holder releases it or ctx is done. Callers must Close the
// returned session.
func (t *Turtle) Session(ctx context.Context) (*Session, error) {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t.logger.Debug("session acquired")
	return &Session{turtle: t}, nil
}

// TrySession acquires the session without blocking.
func (t *Turtle) TrySession() (*Session, error) {
	select {
	case t.sem <- struct{}{}:
		t.logger.Debug("session acquired")
		return &Session{turtle: t}, nil
	default:
		return nil, ErrSessionBusy
	}
}
