// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// HelloTimeout is the maximum time a freshly upgraded connection may
	// take to send its hello frame before the socket is closed.
	HelloTimeout = 10 * time.Second

	// ReplyTimeout is the maximum time to wait for a turtle to answer a
	// command frame.
	ReplyTimeout = 30 * time.Second

	// PingInterval is how often the server pings a turtle connection.
	PingInterval = 20 * time.Second

	// ReadDeadline is the idle window after which a turtle connection is
	// considered dead. Pongs and data frames both reset it.
	ReadDeadline = 40 * time.Second

	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout = 10 * time.Second

	// EventEnqueueDeadline is how long a dashboard event delivery may wait
	// for a client's send buffer before the client is evicted.
	EventEnqueueDeadline = 200 * time.Millisecond

	// ShutdownTimeout is the grace period for draining on SIGINT/SIGTERM.
	ShutdownTimeout = 30 * time.Second
)
