package subs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/canopyhq/canopy-cli/internal/feed"
)

// recordConn records attach/detach calls.
type recordConn struct {
	mu       sync.Mutex
	attached []string
	detached []string
	events   chan feed.Event
}

func newRecordConn() *recordConn {
	return &recordConn{events: make(chan feed.Event)}
}

func (c *recordConn) Attach(_ context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = append(c.attached, topic)
	return nil
}

func (c *recordConn) Detach(_ context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = append(c.detached, topic)
	return nil
}

func (c *recordConn) Probe(context.Context) error { return nil }
func (c *recordConn) Events() <-chan feed.Event   { return c.events }
func (c *recordConn) Close() error                { return nil }

func (c *recordConn) attachCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attached)
}

// fakeSource serves a swappable connection, like the monitor does.
type fakeSource struct {
	mu   sync.Mutex
	conn feed.Conn
}

func (s *fakeSource) Conn() feed.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *fakeSource) set(c feed.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTopicRoundTrip(t *testing.T) {
	topic := TopicFor("42")
	if topic != "conversation:42" {
		t.Fatalf("TopicFor = %q, want %q", topic, "conversation:42")
	}
	id, ok := ConversationFor(topic)
	if !ok || id != "42" {
		t.Fatalf("ConversationFor(%q) = %q, %v", topic, id, ok)
	}
	if _, ok := ConversationFor("presence:42"); ok {
		t.Fatal("ConversationFor accepted a non-conversation topic")
	}
}

func TestSubscribe_AttachesOnce(t *testing.T) {
	conn := newRecordConn()
	src := &fakeSource{conn: conn}
	m := NewManager(src)

	h1 := m.Subscribe("7")
	h2 := m.Subscribe("7")
	if h1 != h2 {
		t.Fatal("second Subscribe returned a different handle")
	}
	waitFor(t, "attach", func() bool { return conn.attachCount() == 1 })
	if !m.Subscribed("7") {
		t.Fatal("Subscribed(7) = false after Subscribe")
	}
}

func TestSubscribe_PendingWhileDisconnected(t *testing.T) {
	src := &fakeSource{} // no live connection
	m := NewManager(src)

	h := m.Subscribe("7")
	if h == nil {
		t.Fatal("Subscribe returned nil while disconnected")
	}

	// Connection comes back; Resubscribe attaches the pending handle.
	conn := newRecordConn()
	src.set(conn)
	if err := m.Resubscribe(context.Background()); err != nil {
		t.Fatalf("Resubscribe: %v", err)
	}
	if got := conn.attachCount(); got != 1 {
		t.Fatalf("attach count = %d, want 1", got)
	}
}

func TestUnsubscribe_DetachesAndCancelsContext(t *testing.T) {
	conn := newRecordConn()
	src := &fakeSource{conn: conn}
	m := NewManager(src)

	h := m.Subscribe("7")
	waitFor(t, "attach", func() bool { return conn.attachCount() == 1 })

	m.Unsubscribe(context.Background(), "7")

	select {
	case <-h.Context().Done():
	default:
		t.Fatal("handle context not cancelled on unsubscribe")
	}
	conn.mu.Lock()
	detached := len(conn.detached)
	conn.mu.Unlock()
	if detached != 1 {
		t.Fatalf("detach count = %d, want 1", detached)
	}
	if m.Subscribed("7") {
		t.Fatal("Subscribed(7) = true after Unsubscribe")
	}

	// Unsubscribing again, or a never-subscribed conversation, is a no-op.
	m.Unsubscribe(context.Background(), "7")
	m.Unsubscribe(context.Background(), "nope")
}

func TestDispatch_RoutesByTopic(t *testing.T) {
	conn := newRecordConn()
	m := NewManager(&fakeSource{conn: conn})

	h := m.Subscribe("7")
	var mu sync.Mutex
	var got []feed.Event
	unregister := h.On(feed.EventMessageCreated, func(ev feed.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	m.Dispatch(feed.Event{Topic: "conversation:7", Event: feed.EventMessageCreated})
	m.Dispatch(feed.Event{Topic: "conversation:8", Event: feed.EventMessageCreated}) // unknown topic
	m.Dispatch(feed.Event{Topic: "conversation:7", Event: feed.EventPresence})       // unregistered type

	mu.Lock()
	n := len(got)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("callback fired %d times, want 1", n)
	}

	unregister()
	m.Dispatch(feed.Event{Topic: "conversation:7", Event: feed.EventMessageCreated})
	mu.Lock()
	n = len(got)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("callback fired after unregister")
	}
}

func TestDispatch_DroppedAfterUnsubscribe(t *testing.T) {
	conn := newRecordConn()
	m := NewManager(&fakeSource{conn: conn})

	h := m.Subscribe("7")
	fired := false
	h.On(feed.EventMessageCreated, func(feed.Event) { fired = true })

	m.Unsubscribe(context.Background(), "7")
	m.Dispatch(feed.Event{Topic: "conversation:7", Event: feed.EventMessageCreated})

	if fired {
		t.Fatal("event delivered after unsubscribe")
	}
}

func TestResubscribe_ReattachesAllHandles(t *testing.T) {
	conn := newRecordConn()
	src := &fakeSource{conn: conn}
	m := NewManager(src)

	m.Subscribe("1")
	m.Subscribe("2")
	m.Subscribe("3")
	waitFor(t, "initial attaches", func() bool { return conn.attachCount() == 3 })

	// Simulate a reconnect with a fresh connection.
	fresh := newRecordConn()
	src.set(fresh)
	if err := m.Resubscribe(context.Background()); err != nil {
		t.Fatalf("Resubscribe: %v", err)
	}

	fresh.mu.Lock()
	topics := make(map[string]bool, len(fresh.attached))
	for _, topic := range fresh.attached {
		topics[topic] = true
	}
	fresh.mu.Unlock()
	for _, want := range []string{"conversation:1", "conversation:2", "conversation:3"} {
		if !topics[want] {
			t.Errorf("Resubscribe did not attach %s", want)
		}
	}
}

func TestResubscribe_PropagatesAttachError(t *testing.T) {
	conn := newRecordConn()
	src := &fakeSource{conn: &failConn{recordConn: conn}}
	m := NewManager(src)

	m.Subscribe("1")
	waitFor(t, "initial attach attempt", func() bool { return conn.attachCount() >= 1 })

	if err := m.Resubscribe(context.Background()); err == nil {
		t.Fatal("Resubscribe did not propagate attach error")
	}
}

func TestResubscribe_NoConnIsNoOp(t *testing.T) {
	m := NewManager(&fakeSource{})
	m.Subscribe("1")
	if err := m.Resubscribe(context.Background()); err != nil {
		t.Fatalf("Resubscribe without a connection: %v", err)
	}
}

type failConn struct {
	*recordConn
}

func (c *failConn) Attach(ctx context.Context, topic string) error {
	_ = c.recordConn.Attach(ctx, topic)
	return errors.New("subscription rejected")
}
