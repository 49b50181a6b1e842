// Package pulse is a websocket client for Canopy's Pulse realtime service.
//
// Pulse is a topic-based pub/sub feed: one connection carries any number of
// topic subscriptions. Frames are JSON with the subprotocol
// "canopy-pulse-v1". The client implements feed.Conn and feed.Dialer so the
// connection monitor and subscription manager never see websocket details.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/canopyhq/canopy-cli/internal/feed"
)

// DefaultReadTimeout is how long we wait without receiving any frame
// (including server pings) before treating the connection as dead. The
// monitor's probe/ack heartbeat is the primary liveness detector; this is a
// backstop for half-dead sockets.
var DefaultReadTimeout = 90 * time.Second

// ErrReadTimeout is returned when no frames are received within the read timeout.
var ErrReadTimeout = errors.New("read timeout: no frames received")

// ErrClosed is returned for operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// maxFrameSize caps websocket frames at 1 MB. Pulse payloads are small JSON;
// anything larger is likely malformed.
const maxFrameSize = 1 << 20

// frame is a raw Pulse JSON frame.
type frame struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Reconnect *bool           `json:"reconnect,omitempty"`
}

// Dialer dials Pulse connections. It implements feed.Dialer.
type Dialer struct {
	// URL is the Pulse websocket endpoint, e.g. wss://host/pulse?token=...
	URL string

	// ReadTimeout overrides DefaultReadTimeout when > 0.
	ReadTimeout time.Duration
}

// Dial connects and waits for the welcome frame.
func (d *Dialer) Dial(ctx context.Context) (feed.Conn, error) {
	return Connect(ctx, d.URL, d.ReadTimeout)
}

// Conn is one Pulse connection. Safe for concurrent use.
type Conn struct {
	ws          *websocket.Conn
	readTimeout time.Duration

	events chan feed.Event

	mu       sync.Mutex
	attached map[string]bool
	topicWtr map[string]chan error    // pending subscribe confirmations
	ackWtr   map[uint64]chan struct{} // pending probe acks
	seq      uint64
	closed   bool

	readDone chan struct{}
}

var _ feed.Conn = (*Conn)(nil)

// Connect dials the Pulse endpoint, waits for the welcome frame, and starts
// the read loop. readTimeout <= 0 uses DefaultReadTimeout.
func Connect(ctx context.Context, url string, readTimeout time.Duration) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"canopy-pulse-v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ws.SetReadLimit(maxFrameSize)

	_, data, err := ws.Read(ctx)
	if err != nil {
		_ = ws.CloseNow()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		_ = ws.CloseNow()
		return nil, fmt.Errorf("parse welcome: %w", err)
	}
	if f.Type != "welcome" {
		_ = ws.CloseNow()
		return nil, fmt.Errorf("expected welcome, got %q (reason: %s)", f.Type, f.Reason)
	}

	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	c := &Conn{
		ws:          ws,
		readTimeout: readTimeout,
		events:      make(chan feed.Event, 64),
		attached:    make(map[string]bool),
		topicWtr:    make(map[string]chan error),
		ackWtr:      make(map[uint64]chan struct{}),
		readDone:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close gracefully closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close(websocket.StatusNormalClosure, "bye")
}

// Events returns the event stream. Closed when the connection drops.
func (c *Conn) Events() <-chan feed.Event {
	return c.events
}

// Attach subscribes to a topic and waits for the server's confirmation.
// Attaching an already-attached topic is a no-op.
func (c *Conn) Attach(ctx context.Context, topic string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.attached[topic] {
		c.mu.Unlock()
		return nil
	}
	if _, pending := c.topicWtr[topic]; pending {
		c.mu.Unlock()
		return fmt.Errorf("attach already in flight for topic %q", topic)
	}
	wait := make(chan error, 1)
	c.topicWtr[topic] = wait
	c.mu.Unlock()

	if err := c.write(ctx, frame{Type: "subscribe", Topic: topic}); err != nil {
		c.dropTopicWaiter(topic)
		return fmt.Errorf("write subscribe: %w", err)
	}

	select {
	case err := <-wait:
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.attached[topic] = true
		c.mu.Unlock()
		return nil
	case <-c.readDone:
		return ErrClosed
	case <-ctx.Done():
		c.dropTopicWaiter(topic)
		return ctx.Err()
	}
}

// Detach unsubscribes from a topic. Unknown topics are a no-op.
func (c *Conn) Detach(ctx context.Context, topic string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	known := c.attached[topic]
	delete(c.attached, topic)
	c.mu.Unlock()
	if !known {
		return nil
	}
	if err := c.write(ctx, frame{Type: "unsubscribe", Topic: topic}); err != nil {
		return fmt.Errorf("write unsubscribe: %w", err)
	}
	return nil
}

// Probe sends a liveness probe and blocks until the matching ack arrives or
// ctx expires.
func (c *Conn) Probe(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.seq++
	seq := c.seq
	wait := make(chan struct{})
	c.ackWtr[seq] = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.ackWtr, seq)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, frame{Type: "probe", Seq: seq}); err != nil {
		return fmt.Errorf("write probe: %w", err)
	}

	select {
	case <-wait:
		return nil
	case <-c.readDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) write(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *Conn) dropTopicWaiter(topic string) {
	c.mu.Lock()
	delete(c.topicWtr, topic)
	c.mu.Unlock()
}

// readLoop routes incoming frames: confirmations and acks to their waiters,
// events to the events channel. Exits (closing both the events channel and
// readDone) when the connection drops or the read timeout fires.
func (c *Conn) readLoop() {
	defer close(c.readDone)
	defer close(c.events)

	for {
		// Per-read deadline so half-dead connections (no FIN/RST, just
		// silence) get detected even if the caller never probes.
		readCtx, cancel := context.WithTimeout(context.Background(), c.readTimeout)
		_, data, err := c.ws.Read(readCtx)
		cancel()

		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.closed = true
			c.mu.Unlock()
			if readCtx.Err() != nil {
				err = ErrReadTimeout
			}
			if !closed {
				c.events <- feed.Event{Err: err}
			}
			_ = c.ws.CloseNow()
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue // skip malformed frames
		}

		switch f.Type {
		case "ping":
			continue
		case "ack":
			c.mu.Lock()
			if wait, ok := c.ackWtr[f.Seq]; ok {
				close(wait)
				delete(c.ackWtr, f.Seq)
			}
			c.mu.Unlock()
		case "confirm_subscription":
			c.mu.Lock()
			if wait, ok := c.topicWtr[f.Topic]; ok {
				wait <- nil
				delete(c.topicWtr, f.Topic)
			}
			c.mu.Unlock()
		case "reject_subscription":
			c.mu.Lock()
			if wait, ok := c.topicWtr[f.Topic]; ok {
				wait <- fmt.Errorf("subscription rejected for topic %q (reason: %s)", f.Topic, f.Reason)
				delete(c.topicWtr, f.Topic)
			}
			c.mu.Unlock()
		case "disconnect":
			reconnect := f.Reconnect != nil && *f.Reconnect
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			c.events <- feed.Event{Err: fmt.Errorf("server disconnect (reason=%s, reconnect=%v)", f.Reason, reconnect)}
			_ = c.ws.CloseNow()
			return
		case "event":
			c.events <- feed.Event{Topic: f.Topic, Event: f.Event, Payload: f.Payload}
		}
	}
}
