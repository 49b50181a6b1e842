// Package msgsync produces a single, deduplicated, time-ordered view of
// messages per conversation, reconciling three sources: optimistic local
// sends, channel-pushed events, and catch-up queries after reconnection.
package msgsync

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/canopyhq/canopy-cli/internal/api"
	"github.com/canopyhq/canopy-cli/internal/validation"
)

// Store is the slice of the persistent store the synchronizer writes to and
// catches up from.
type Store interface {
	InsertMessage(ctx context.Context, conversationID, body string) (api.MessageRecord, error)
	ListMessages(ctx context.Context, conversationID string, since time.Time) ([]api.MessageRecord, error)
}

// Synchronizer merges the three message sources into one ordered view per
// conversation. All mutation happens under one mutex; snapshots returned by
// Messages are copies.
type Synchronizer struct {
	store  Store
	selfID string

	mu    sync.Mutex
	convs map[string][]Message

	onChange func(conversationID string)

	// newTempID is a test seam; production uses random hex ids.
	newTempID func() string
}

// New creates a synchronizer. selfID is the authenticated participant id,
// used as the sender of optimistic messages.
func New(store Store, selfID string) *Synchronizer {
	return &Synchronizer{
		store:     store,
		selfID:    selfID,
		convs:     make(map[string][]Message),
		newTempID: randomTempID,
	}
}

func randomTempID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "tmp-" + hex.EncodeToString(b[:])
}

// OnChange registers a callback invoked (on whichever goroutine caused the
// mutation) after a conversation's view changes.
func (s *Synchronizer) OnChange(fn func(conversationID string)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Messages returns the merged, ordered view for a conversation.
func (s *Synchronizer) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.convs[conversationID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// LatestServerTime returns the created-at of the newest server-confirmed
// message in a conversation, for use as a catch-up watermark. Zero when
// nothing confirmed is known.
func (s *Synchronizer) LatestServerTime(conversationID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	for _, m := range s.convs[conversationID] {
		if m.ID != "" && m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
	}
	return latest
}

// Forget drops all local state for a conversation. Called on unsubscribe.
func (s *Synchronizer) Forget(conversationID string) {
	s.mu.Lock()
	delete(s.convs, conversationID)
	s.mu.Unlock()
}

// Send inserts an optimistic Pending message and returns it immediately; the
// store write runs asynchronously. On write success the temp id is replaced
// by the server id and the status becomes Sent; on failure the entry is
// marked Failed and stays visible for retry. A failed send never blocks
// further sends.
func (s *Synchronizer) Send(ctx context.Context, conversationID, body string) (Message, error) {
	if err := validation.ValidateBody(body); err != nil {
		return Message{}, err
	}

	m := Message{
		TempID:         s.newTempID(),
		ConversationID: conversationID,
		SenderID:       s.selfID,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
		Status:         StatusPending,
	}

	s.mu.Lock()
	s.convs[conversationID] = Merge(s.convs[conversationID], m)
	s.mu.Unlock()
	s.notify(conversationID)

	go s.write(ctx, conversationID, m.TempID, body)
	return m, nil
}

// Retry re-issues the store write for a Failed message. No-op for unknown
// temp ids or messages that are not Failed.
func (s *Synchronizer) Retry(ctx context.Context, conversationID, tempID string) bool {
	s.mu.Lock()
	var body string
	found := false
	msgs := s.convs[conversationID]
	for i, m := range msgs {
		if m.TempID == tempID && m.Status == StatusFailed {
			msgs[i].Status = StatusPending
			body = m.Body
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return false
	}
	s.notify(conversationID)
	go s.write(ctx, conversationID, tempID, body)
	return true
}

// write performs the asynchronous store insert for one optimistic message
// and reconciles the outcome.
func (s *Synchronizer) write(ctx context.Context, conversationID, tempID, body string) {
	rec, err := s.store.InsertMessage(ctx, conversationID, body)

	s.mu.Lock()
	msgs := s.convs[conversationID]
	idx := -1
	for i, m := range msgs {
		if m.TempID == tempID {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Conversation was forgotten while the write was in flight.
		s.mu.Unlock()
		return
	}

	if err != nil {
		msgs[idx].Status = StatusFailed
		s.mu.Unlock()
		slog.Debug("message write failed", "conversation", conversationID, "temp_id", tempID, "error", err)
		s.notify(conversationID)
		return
	}

	// If the channel echo beat the write response, the server copy is
	// already present under its server id; drop the temp entry rather than
	// creating a duplicate.
	dup := false
	for i, m := range msgs {
		if i != idx && m.ID == rec.ID {
			dup = true
			break
		}
	}
	if dup {
		s.convs[conversationID] = append(msgs[:idx], msgs[idx+1:]...)
	} else {
		msgs[idx].ID = rec.ID
		msgs[idx].CreatedAt = rec.CreatedAt
		msgs[idx].Status = StatusSent
		sortMessages(msgs)
	}
	s.mu.Unlock()
	s.notify(conversationID)
}

// ApplyRemote merges one server-confirmed message pushed over the channel.
// If the message is our own optimistic send being echoed back it merges in
// place; otherwise it is inserted as Delivered. Idempotent by server id.
func (s *Synchronizer) ApplyRemote(conversationID string, rec api.MessageRecord) {
	if rec.ID == "" {
		return
	}
	s.mu.Lock()
	s.convs[conversationID] = Merge(s.convs[conversationID], Message{
		ID:             rec.ID,
		ConversationID: conversationID,
		SenderID:       rec.SenderID,
		Body:           rec.Body,
		CreatedAt:      rec.CreatedAt,
		Status:         StatusDelivered,
	})
	s.mu.Unlock()
	s.notify(conversationID)
}

// CatchUp fetches all messages after since and merges them. Invoked on
// conversation open and after every reconnection; re-running with the same
// watermark is a no-op. The caller cancels ctx when the conversation is
// unsubscribed, discarding late results.
func (s *Synchronizer) CatchUp(ctx context.Context, conversationID string, since time.Time) error {
	recs, err := s.store.ListMessages(ctx, conversationID, since)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	msgs := s.convs[conversationID]
	for _, rec := range recs {
		if rec.ID == "" {
			continue
		}
		msgs = Merge(msgs, Message{
			ID:             rec.ID,
			ConversationID: conversationID,
			SenderID:       rec.SenderID,
			Body:           rec.Body,
			CreatedAt:      rec.CreatedAt,
			Status:         StatusDelivered,
		})
	}
	s.convs[conversationID] = msgs
	s.mu.Unlock()
	s.notify(conversationID)
	return nil
}

func (s *Synchronizer) notify(conversationID string) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(conversationID)
	}
}
