// Package session wires the store client, realtime feed, connection
// monitor, subscription manager, message synchronizer, and read-receipt
// tracker into one client session: the surface a UI shell consumes.
//
// Sessions carry no package-level state; tests run several side by side.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/canopyhq/canopy-cli/internal/api"
	"github.com/canopyhq/canopy-cli/internal/conn"
	"github.com/canopyhq/canopy-cli/internal/feed"
	"github.com/canopyhq/canopy-cli/internal/msgsync"
	"github.com/canopyhq/canopy-cli/internal/receipts"
	"github.com/canopyhq/canopy-cli/internal/subs"
)

// Options configures a session.
type Options struct {
	Store  *api.Client
	Dialer feed.Dialer
	SelfID string

	// Monitor overrides conn.DefaultConfig when non-zero.
	Monitor conn.Config
}

// MessageView is a message with its displayed status, derived from the
// message's own delivery state plus the recipients' read cursors.
type MessageView struct {
	msgsync.Message
	DisplayStatus msgsync.Status
}

// Session is one client session: a single connection state, a topic
// registry, and per-conversation message and cursor state.
type Session struct {
	store    *api.Client
	selfID   string
	monitor  *conn.Monitor
	subs     *subs.Manager
	messages *msgsync.Synchronizer
	cursors  *receipts.Tracker
	log      *slog.Logger

	mu      sync.Mutex
	opened  map[string]bool // conversations with callbacks registered
	started bool

	pumpDone   chan struct{}
	unregister func()
}

// New builds a session. Call Start to connect.
func New(opts Options) *Session {
	cfg := opts.Monitor
	if cfg.HeartbeatInterval <= 0 {
		cfg = conn.DefaultConfig()
	}
	s := &Session{
		store:    opts.Store,
		selfID:   opts.SelfID,
		monitor:  conn.New(opts.Dialer, cfg),
		messages: msgsync.New(opts.Store, opts.SelfID),
		cursors:  receipts.New(opts.Store, opts.SelfID),
		log:      slog.Default(),
		opened:   make(map[string]bool),
		pumpDone: make(chan struct{}),
	}
	s.subs = subs.NewManager(s.monitor)
	return s
}

// Start connects to the feed and begins dispatching events. Idempotent.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.unregister = s.monitor.OnStatusChange(func(_, to conn.State) {
		// Re-establish subscriptions on every connect: handles opened
		// while offline attach for the first time, and after an outage
		// the catch-up query backfills anything the topics missed.
		if to == conn.StateConnected {
			go s.recover()
		}
	})
	s.monitor.Start()
	go s.pump()
}

// Stop tears down the connection and all subscriptions.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if s.unregister != nil {
		s.unregister()
	}
	s.monitor.Stop()
	<-s.pumpDone
}

func (s *Session) pump() {
	defer close(s.pumpDone)
	for ev := range s.monitor.Events() {
		s.subs.Dispatch(ev)
	}
}

// recover runs on every reconnection: re-attach all topics, then catch up
// each open conversation from its watermark.
func (s *Session) recover() {
	ctx := context.Background()
	if err := s.subs.Resubscribe(ctx); err != nil {
		s.log.Debug("resubscribe failed", "error", err)
	}
	for _, h := range s.subs.Handles() {
		conversationID := h.ConversationID()
		since := s.messages.LatestServerTime(conversationID)
		if err := s.messages.CatchUp(h.Context(), conversationID, since); err != nil {
			s.log.Debug("catch-up failed", "conversation", conversationID, "error", err)
		}
	}
}

// Open subscribes to a conversation and loads its history and read cursors.
// Opening an already-open conversation is a no-op beyond a refresh of the
// catch-up query. The initial fetches run under the handle's context, so
// closing the conversation discards any late results.
func (s *Session) Open(conversationID string) error {
	h := s.subs.Subscribe(conversationID)

	s.mu.Lock()
	first := !s.opened[conversationID]
	s.opened[conversationID] = true
	s.mu.Unlock()

	if first {
		h.On(feed.EventMessageCreated, func(ev feed.Event) {
			var rec api.MessageRecord
			if err := json.Unmarshal(ev.Payload, &rec); err != nil {
				return
			}
			s.messages.ApplyRemote(conversationID, rec)
		})
		h.On(feed.EventReadCursorUpdated, func(ev feed.Event) {
			var cur api.ReadCursor
			if err := json.Unmarshal(ev.Payload, &cur); err != nil {
				return
			}
			s.cursors.OnRemoteCursorUpdate(conversationID, cur.ParticipantID, cur.LastReadAt)
		})
	}

	ctx := h.Context()
	if cursors, err := s.store.ListReadCursors(ctx, conversationID); err == nil {
		seed := make(map[string]time.Time, len(cursors))
		for _, c := range cursors {
			seed[c.ParticipantID] = c.LastReadAt
		}
		s.cursors.Seed(conversationID, seed)
	}
	return s.messages.CatchUp(ctx, conversationID, s.messages.LatestServerTime(conversationID))
}

// Close unsubscribes from a conversation and drops its local state.
func (s *Session) Close(ctx context.Context, conversationID string) {
	s.subs.Unsubscribe(ctx, conversationID)
	s.messages.Forget(conversationID)
	s.cursors.Forget(conversationID)
	s.mu.Lock()
	delete(s.opened, conversationID)
	s.mu.Unlock()
}

// Messages returns the ordered message list for a conversation with
// per-message display status.
func (s *Session) Messages(conversationID string) []MessageView {
	msgs := s.messages.Messages(conversationID)
	cursors := s.cursors.Cursors(conversationID)
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageView{
			Message:       m,
			DisplayStatus: receipts.StatusFor(m, cursors),
		})
	}
	return out
}

// SendMessage optimistically inserts and asynchronously writes a message.
func (s *Session) SendMessage(ctx context.Context, conversationID, body string) (msgsync.Message, error) {
	return s.messages.Send(ctx, conversationID, body)
}

// RetrySend re-issues the write for a Failed message.
func (s *Session) RetrySend(ctx context.Context, conversationID, tempID string) bool {
	return s.messages.Retry(ctx, conversationID, tempID)
}

// MarkRead schedules a read commit for a conversation after the dwell delay.
func (s *Session) MarkRead(ctx context.Context, conversationID string) {
	s.cursors.MarkRead(ctx, conversationID)
}

// ConnectionStatus returns the current link state.
func (s *Session) ConnectionStatus() conn.State {
	return s.monitor.State()
}

// OnStatusChange registers a connection-state listener (for the UI's
// connection banner) and returns its unregister function.
func (s *Session) OnStatusChange(fn conn.Listener) (unregister func()) {
	return s.monitor.OnStatusChange(fn)
}

// ForceReconnect resets the backoff and retries immediately; the manual
// "Retry" action when the connection is errored.
func (s *Session) ForceReconnect() {
	s.monitor.ForceReconnect()
}

// OnChange registers a callback invoked whenever a conversation's merged
// view changes (new messages, status transitions, cursor updates).
func (s *Session) OnChange(fn func(conversationID string)) {
	s.messages.OnChange(fn)
	s.cursors.OnChange(fn)
}
