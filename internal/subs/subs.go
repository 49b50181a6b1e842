// Package subs maps open conversations to live feed topics and keeps those
// subscriptions alive across reconnections.
package subs

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/canopyhq/canopy-cli/internal/feed"
)

const topicPrefix = "conversation:"

// TopicFor returns the feed topic carrying a conversation's events.
func TopicFor(conversationID string) string {
	return topicPrefix + conversationID
}

// ConversationFor is the inverse of TopicFor. ok is false for non-conversation
// topics.
func ConversationFor(topic string) (string, bool) {
	if !strings.HasPrefix(topic, topicPrefix) {
		return "", false
	}
	return strings.TrimPrefix(topic, topicPrefix), true
}

// ConnSource provides the current live connection. nil while disconnected.
type ConnSource interface {
	Conn() feed.Conn
}

type attachState int

const (
	statePending attachState = iota
	stateAttached
	stateClosed
)

// Handle represents one subscription to a conversation's topic. Handles are
// owned exclusively by the Manager; at most one live handle exists per topic.
// Callbacks may be registered before the attach completes and are not
// dropped.
type Handle struct {
	conversationID string
	topic          string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     attachState
	callbacks map[string]map[int]func(feed.Event)
	nextID    int
}

func newHandle(conversationID string) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		conversationID: conversationID,
		topic:          TopicFor(conversationID),
		ctx:            ctx,
		cancel:         cancel,
		callbacks:      make(map[string]map[int]func(feed.Event)),
	}
}

// ConversationID returns the conversation this handle subscribes to.
func (h *Handle) ConversationID() string { return h.conversationID }

// Topic returns the feed topic name.
func (h *Handle) Topic() string { return h.topic }

// Context is cancelled when the handle is unsubscribed. In-flight catch-up
// fetches for the conversation run under this context so late results are
// discarded.
func (h *Handle) Context() context.Context { return h.ctx }

// On registers a callback for one event type and returns its unregister
// function.
func (h *Handle) On(eventType string, fn func(feed.Event)) (unregister func()) {
	h.mu.Lock()
	byID, ok := h.callbacks[eventType]
	if !ok {
		byID = make(map[int]func(feed.Event))
		h.callbacks[eventType] = byID
	}
	id := h.nextID
	h.nextID++
	byID[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.callbacks[eventType], id)
		h.mu.Unlock()
	}
}

func (h *Handle) dispatch(ev feed.Event) {
	h.mu.Lock()
	if h.state == stateClosed {
		h.mu.Unlock()
		return
	}
	fns := make([]func(feed.Event), 0, len(h.callbacks[ev.Event]))
	for _, fn := range h.callbacks[ev.Event] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (h *Handle) setState(s attachState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Manager owns the topic registry (conversation id -> handle). Only the
// Manager mutates it; other components read conversation state through the
// synchronizer and the tracker, never through the registry.
type Manager struct {
	src ConnSource
	log *slog.Logger

	mu  sync.Mutex
	reg map[string]*Handle
}

// NewManager creates a subscription manager over a connection source
// (normally the connection monitor).
func NewManager(src ConnSource) *Manager {
	return &Manager{
		src: src,
		log: slog.Default(),
		reg: make(map[string]*Handle),
	}
}

// Subscribe returns the handle for a conversation, creating and attaching
// one on first use. A second Subscribe before the first attach completes
// resolves to the same handle with no duplicate attach attempt; attaching is
// asynchronous and survives reconnections via Resubscribe.
func (m *Manager) Subscribe(conversationID string) *Handle {
	m.mu.Lock()
	if h, ok := m.reg[conversationID]; ok {
		m.mu.Unlock()
		return h
	}
	h := newHandle(conversationID)
	m.reg[conversationID] = h
	m.mu.Unlock()

	go m.attach(h)
	return h
}

// Unsubscribe detaches a conversation and removes it from the registry.
// Safe to call for a conversation that was never subscribed.
func (m *Manager) Unsubscribe(ctx context.Context, conversationID string) {
	m.mu.Lock()
	h, ok := m.reg[conversationID]
	if ok {
		delete(m.reg, conversationID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	h.cancel()
	h.setState(stateClosed)
	if conn := m.src.Conn(); conn != nil {
		if err := conn.Detach(ctx, h.topic); err != nil {
			m.log.Debug("detach failed", "topic", h.topic, "error", err)
		}
	}
}

// Subscribed reports whether a conversation is currently in the registry.
func (m *Manager) Subscribed(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reg[conversationID]
	return ok
}

// Handles returns a snapshot of all registered handles.
func (m *Manager) Handles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.reg))
	for _, h := range m.reg {
		out = append(out, h)
	}
	return out
}

// Resubscribe re-attaches every registered handle, in unspecified order.
// Invoked on the Connected transition after an outage; messages missed
// during the outage are backfilled by the synchronizer's catch-up query,
// since topics provide no backlog.
func (m *Manager) Resubscribe(ctx context.Context) error {
	conn := m.src.Conn()
	if conn == nil {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, h := range m.Handles() {
		g.Go(func() error {
			if err := conn.Attach(ctx, h.topic); err != nil {
				return err
			}
			h.setState(stateAttached)
			return nil
		})
	}
	return g.Wait()
}

// Dispatch routes one feed event to its conversation's handle. Events for
// unknown topics are dropped.
func (m *Manager) Dispatch(ev feed.Event) {
	conversationID, ok := ConversationFor(ev.Topic)
	if !ok {
		return
	}
	m.mu.Lock()
	h, ok := m.reg[conversationID]
	m.mu.Unlock()
	if !ok {
		return
	}
	h.dispatch(ev)
}

// attach performs the initial asynchronous attach for a new handle. When no
// connection is live the handle stays pending; Resubscribe attaches it once
// the link comes back.
func (m *Manager) attach(h *Handle) {
	conn := m.src.Conn()
	if conn == nil {
		return
	}
	if err := conn.Attach(h.ctx, h.topic); err != nil {
		m.log.Debug("attach failed, will retry on reconnect", "topic", h.topic, "error", err)
		return
	}
	h.setState(stateAttached)
}
