// Package receipts tracks per-participant read cursors and derives
// per-message delivery status from them.
package receipts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/canopyhq/canopy-cli/internal/msgsync"
)

// DefaultDwell is how long the UI must dwell on a conversation before a
// read is committed, so transient focus does not mark a conversation read.
const DefaultDwell = 500 * time.Millisecond

// DefaultRetryDelay is the delay before the single retry of a failed
// cursor write.
const DefaultRetryDelay = 2 * time.Second

// CursorStore is the slice of the persistent store that records the
// caller's read cursor.
type CursorStore interface {
	UpsertReadCursor(ctx context.Context, conversationID string, lastReadAt time.Time) error
}

// Tracker maintains the last-read timestamp per (conversation, participant)
// and publishes local read events upstream. Cursors are monotonically
// non-decreasing per participant.
type Tracker struct {
	store  CursorStore
	selfID string
	dwell  time.Duration
	retry  time.Duration

	mu       sync.Mutex
	cursors  map[string]map[string]time.Time // conversation -> participant -> last read
	pending  map[string]*time.Timer          // dwell timers per conversation
	onChange func(conversationID string)

	// test seams; production uses time.Now / time.AfterFunc.
	now       func() time.Time
	afterFunc func(d time.Duration, fn func()) *time.Timer
}

// New creates a tracker. selfID is the authenticated participant.
func New(store CursorStore, selfID string) *Tracker {
	return &Tracker{
		store:     store,
		selfID:    selfID,
		dwell:     DefaultDwell,
		retry:     DefaultRetryDelay,
		cursors:   make(map[string]map[string]time.Time),
		pending:   make(map[string]*time.Timer),
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
}

// OnChange registers a callback invoked after any cursor changes.
func (t *Tracker) OnChange(fn func(conversationID string)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Cursor returns a participant's last-read timestamp for a conversation.
func (t *Tracker) Cursor(conversationID, participantID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.cursors[conversationID][participantID]
	return ts, ok
}

// Cursors returns a copy of all participants' cursors for a conversation.
func (t *Tracker) Cursors(conversationID string) map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Time, len(t.cursors[conversationID]))
	for pid, ts := range t.cursors[conversationID] {
		out[pid] = ts
	}
	return out
}

// OnRemoteCursorUpdate applies a cursor event from the channel. Stale
// timestamps arriving out of order never decrease a cursor.
func (t *Tracker) OnRemoteCursorUpdate(conversationID, participantID string, ts time.Time) {
	t.mu.Lock()
	changed := t.advanceLocked(conversationID, participantID, ts)
	t.mu.Unlock()
	if changed {
		t.notify(conversationID)
	}
}

// MarkRead schedules a read commit after the dwell delay. Calling it again
// within the dwell window restarts the delay; CancelMarkRead drops it. The
// commit optimistically bumps the local cursor, then writes upstream; on
// write failure the cursor is rolled back and the write retried once.
func (t *Tracker) MarkRead(ctx context.Context, conversationID string) {
	t.mu.Lock()
	if timer, ok := t.pending[conversationID]; ok {
		timer.Stop()
	}
	t.pending[conversationID] = t.afterFunc(t.dwell, func() {
		t.mu.Lock()
		delete(t.pending, conversationID)
		t.mu.Unlock()
		t.commit(ctx, conversationID)
	})
	t.mu.Unlock()
}

// CancelMarkRead drops a pending dwell timer, e.g. when the conversation
// loses focus before the dwell elapses.
func (t *Tracker) CancelMarkRead(conversationID string) {
	t.mu.Lock()
	if timer, ok := t.pending[conversationID]; ok {
		timer.Stop()
		delete(t.pending, conversationID)
	}
	t.mu.Unlock()
}

func (t *Tracker) commit(ctx context.Context, conversationID string) {
	ts := t.now().UTC()

	t.mu.Lock()
	prev, hadPrev := t.cursors[conversationID][t.selfID]
	if !t.advanceLocked(conversationID, t.selfID, ts) {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.notify(conversationID)

	go t.writeCursor(ctx, conversationID, ts, prev, hadPrev, true)
}

// writeCursor performs the asynchronous upstream write. On failure the local
// cursor is rolled back and exactly one retry is scheduled.
func (t *Tracker) writeCursor(ctx context.Context, conversationID string, ts, prev time.Time, hadPrev, mayRetry bool) {
	err := t.store.UpsertReadCursor(ctx, conversationID, ts)
	if err == nil {
		return
	}
	slog.Debug("read cursor write failed", "conversation", conversationID, "error", err)

	t.mu.Lock()
	byParticipant, ok := t.cursors[conversationID]
	if !ok {
		// conversation was forgotten while the write was in flight
		t.mu.Unlock()
		return
	}
	rolledBack := false
	if curr, ok := byParticipant[t.selfID]; ok && curr.Equal(ts) {
		// only undo our own bump; a remote event may have advanced past it
		if hadPrev {
			byParticipant[t.selfID] = prev
		} else {
			delete(byParticipant, t.selfID)
		}
		rolledBack = true
	}
	t.mu.Unlock()
	if rolledBack {
		t.notify(conversationID)
	}

	if !mayRetry {
		return
	}
	t.afterFunc(t.retry, func() {
		if ctx.Err() != nil {
			return
		}
		t.mu.Lock()
		if _, ok := t.cursors[conversationID]; !ok {
			t.mu.Unlock()
			return
		}
		if !t.advanceLocked(conversationID, t.selfID, ts) {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
		t.notify(conversationID)
		t.writeCursor(ctx, conversationID, ts, prev, hadPrev, false)
	})
}

// Seed loads initial cursors fetched from the store, preserving
// monotonicity against anything already applied from the channel.
func (t *Tracker) Seed(conversationID string, cursors map[string]time.Time) {
	t.mu.Lock()
	changed := false
	for pid, ts := range cursors {
		if t.advanceLocked(conversationID, pid, ts) {
			changed = true
		}
	}
	t.mu.Unlock()
	if changed {
		t.notify(conversationID)
	}
}

// Forget drops all cursor state for a conversation.
func (t *Tracker) Forget(conversationID string) {
	t.mu.Lock()
	if timer, ok := t.pending[conversationID]; ok {
		timer.Stop()
		delete(t.pending, conversationID)
	}
	delete(t.cursors, conversationID)
	t.mu.Unlock()
}

func (t *Tracker) advanceLocked(conversationID, participantID string, ts time.Time) bool {
	byParticipant, ok := t.cursors[conversationID]
	if !ok {
		byParticipant = make(map[string]time.Time)
		t.cursors[conversationID] = byParticipant
	}
	if curr, ok := byParticipant[participantID]; ok && !ts.After(curr) {
		return false
	}
	byParticipant[participantID] = ts
	return true
}

func (t *Tracker) notify(conversationID string) {
	t.mu.Lock()
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn(conversationID)
	}
}

// StatusFor derives a message's displayed status from its own delivery
// status plus the other participants' read cursors. Read is only reachable
// from Delivered: a Pending, Sent, or Failed message is never reported Read.
func StatusFor(m msgsync.Message, cursors map[string]time.Time) msgsync.Status {
	if m.Status != msgsync.StatusDelivered {
		return m.Status
	}
	for participantID, ts := range cursors {
		if participantID == m.SenderID {
			continue
		}
		if !ts.Before(m.CreatedAt) {
			return msgsync.StatusRead
		}
	}
	return msgsync.StatusDelivered
}
