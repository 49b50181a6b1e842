// Package redisfeed implements the realtime feed over Redis pub/sub, for
// self-hosted Canopy deployments that fan events out through Redis instead
// of the hosted Pulse service.
//
// Topics map to Redis channels with a "pulse:" prefix and carry the same
// JSON envelope as Pulse event frames, so the rest of the client cannot
// tell the transports apart.
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/canopyhq/canopy-cli/internal/feed"
)

const channelPrefix = "pulse:"

// envelope is the JSON payload published on a topic channel.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Dialer connects to the Redis feed. It implements feed.Dialer.
type Dialer struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects, verifies the server with a ping, and opens the pub/sub
// subscription.
func (d *Dialer) Dial(ctx context.Context) (feed.Conn, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     d.Addr,
		Password: d.Password,
		DB:       d.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	c := &Conn{
		client: client,
		pubsub: client.Subscribe(ctx),
		events: make(chan feed.Event, 64),
	}
	go c.pump()
	return c, nil
}

// Conn is one Redis-backed feed connection.
type Conn struct {
	client *redis.Client
	pubsub *redis.PubSub
	events chan feed.Event

	mu     sync.Mutex
	closed bool
}

var _ feed.Conn = (*Conn)(nil)

// Attach subscribes to a topic's Redis channel.
func (c *Conn) Attach(ctx context.Context, topic string) error {
	if err := c.pubsub.Subscribe(ctx, channelPrefix+topic); err != nil {
		return fmt.Errorf("subscribe %q: %w", topic, err)
	}
	return nil
}

// Detach unsubscribes from a topic's Redis channel.
func (c *Conn) Detach(ctx context.Context, topic string) error {
	if err := c.pubsub.Unsubscribe(ctx, channelPrefix+topic); err != nil {
		return fmt.Errorf("unsubscribe %q: %w", topic, err)
	}
	return nil
}

// Probe pings the server. A failed ping counts as a heartbeat miss.
func (c *Conn) Probe(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Events returns the event stream. Closed when the connection is closed.
func (c *Conn) Events() <-chan feed.Event {
	return c.events
}

// Close tears down the pub/sub subscription and the client.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.pubsub.Close()
	if cerr := c.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// pump converts Redis messages into feed events until the subscription
// closes.
func (c *Conn) pump() {
	defer close(c.events)
	for msg := range c.pubsub.Channel() {
		topic, ok := cutPrefix(msg.Channel)
		if !ok {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			continue // skip malformed envelopes
		}
		c.events <- feed.Event{Topic: topic, Event: env.Event, Payload: env.Payload}
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.events <- feed.Event{Err: fmt.Errorf("redis subscription closed")}
	}
}

func cutPrefix(channel string) (string, bool) {
	if len(channel) < len(channelPrefix) || channel[:len(channelPrefix)] != channelPrefix {
		return "", false
	}
	return channel[len(channelPrefix):], true
}
