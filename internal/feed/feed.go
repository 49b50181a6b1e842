// Package feed defines the transport boundary for Canopy's realtime event
// feed. The connection monitor dials a Conn through a Dialer; the
// subscription manager attaches topics and consumes Events. Two transports
// implement this today: the hosted Pulse websocket service (internal/pulse)
// and Redis pub/sub for self-hosted deployments (internal/redisfeed).
package feed

import (
	"context"
	"encoding/json"
)

// Event types carried on conversation topics.
const (
	EventMessageCreated    = "message_created"
	EventReadCursorUpdated = "read_cursor_updated"
	EventPresence          = "presence" // reserved, not consumed by the core
)

// Event is one message received from the feed.
type Event struct {
	Topic   string          // topic the event arrived on
	Event   string          // event type, e.g. "message_created"
	Payload json.RawMessage // event-specific payload
	Err     error           // non-nil on read error or disconnect
}

// Conn is one live connection to the event feed. Implementations own a
// single underlying transport connection carrying all attached topics.
type Conn interface {
	// Attach subscribes the connection to a topic. Attaching an
	// already-attached topic is a no-op.
	Attach(ctx context.Context, topic string) error

	// Detach unsubscribes from a topic. Detaching an unknown topic is a
	// no-op.
	Detach(ctx context.Context, topic string) error

	// Probe sends a liveness probe and blocks until it is acknowledged or
	// ctx expires. An error means the probe counts as a miss.
	Probe(ctx context.Context) error

	// Events returns the event stream. The channel closes when the
	// connection drops; the final event before close carries Err.
	Events() <-chan Event

	// Close tears down the connection. The Events channel closes shortly
	// after.
	Close() error
}

// Dialer establishes connections to the feed. The connection monitor calls
// Dial for the initial connect and for every reconnection attempt.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}
