package receipts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/canopyhq/canopy-cli/internal/msgsync"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeCursorStore struct {
	mu    sync.Mutex
	errs  []error // consumed in order; empty means success
	calls []time.Time
}

func (f *fakeCursorStore) UpsertReadCursor(_ context.Context, _ string, lastReadAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, lastReadAt)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeCursorStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// gatedCursorStore signals on entered when a write starts and holds it
// until gate is closed, so tests can act while a write is in flight.
type gatedCursorStore struct {
	fakeCursorStore
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedCursorStore) UpsertReadCursor(ctx context.Context, conversationID string, lastReadAt time.Time) error {
	g.entered <- struct{}{}
	<-g.gate
	return g.fakeCursorStore.UpsertReadCursor(ctx, conversationID, lastReadAt)
}

// timerCtl captures afterFunc callbacks so tests control when timers fire.
type timerCtl struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (c *timerCtl) afterFunc(d time.Duration, fn func()) *time.Timer {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return timer
}

// fireLast runs the most recently scheduled callback.
func (c *timerCtl) fireLast(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	if len(c.fns) == 0 {
		c.mu.Unlock()
		t.Fatal("no timer scheduled")
	}
	fn := c.fns[len(c.fns)-1]
	c.mu.Unlock()
	fn()
}

func (c *timerCtl) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fns)
}

func newTestTracker(store *fakeCursorStore) (*Tracker, *timerCtl) {
	tr := New(store, "me")
	ctl := &timerCtl{}
	tr.afterFunc = ctl.afterFunc
	tr.now = func() time.Time { return t0 }
	return tr, ctl
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

func TestMarkRead_CommitsAfterDwell(t *testing.T) {
	store := &fakeCursorStore{}
	tr, ctl := newTestTracker(store)

	tr.MarkRead(context.Background(), "c1")

	if got := ctl.delays[0]; got != DefaultDwell {
		t.Fatalf("dwell delay = %v, want %v", got, DefaultDwell)
	}
	if _, ok := tr.Cursor("c1", "me"); ok {
		t.Fatal("cursor set before dwell elapsed")
	}

	ctl.fireLast(t)

	ts, ok := tr.Cursor("c1", "me")
	if !ok || !ts.Equal(t0) {
		t.Fatalf("cursor = %v, %v; want %v", ts, ok, t0)
	}
	waitFor(t, "cursor write", func() bool { return store.callCount() == 1 })
}

func TestMarkRead_RestartsDwell(t *testing.T) {
	store := &fakeCursorStore{}
	tr, ctl := newTestTracker(store)

	tr.MarkRead(context.Background(), "c1")
	tr.MarkRead(context.Background(), "c1")

	if got := ctl.count(); got != 2 {
		t.Fatalf("scheduled %d timers, want 2 (second call restarts the dwell)", got)
	}

	// Only the second timer is live; the first was stopped.
	ctl.fireLast(t)
	waitFor(t, "cursor write", func() bool { return store.callCount() == 1 })
}

func TestCancelMarkRead_DropsPendingCommit(t *testing.T) {
	store := &fakeCursorStore{}
	tr, ctl := newTestTracker(store)

	tr.MarkRead(context.Background(), "c1")
	tr.CancelMarkRead("c1")

	if got := ctl.count(); got != 1 {
		t.Fatalf("scheduled %d timers, want 1", got)
	}
	if _, ok := tr.Cursor("c1", "me"); ok {
		t.Fatal("cursor set despite cancelled mark-read")
	}
	if store.callCount() != 0 {
		t.Fatal("store written despite cancelled mark-read")
	}
}

func TestCommit_RollbackAndSingleRetryOnFailure(t *testing.T) {
	store := &fakeCursorStore{errs: []error{
		errors.New("store unavailable"),
		errors.New("store unavailable"),
	}}
	tr, ctl := newTestTracker(store)

	tr.MarkRead(context.Background(), "c1")
	ctl.fireLast(t) // dwell elapses; optimistic bump, async write fails

	waitFor(t, "rollback after failed write", func() bool {
		_, ok := tr.Cursor("c1", "me")
		return store.callCount() == 1 && !ok
	})

	// Exactly one retry is scheduled.
	waitFor(t, "retry timer", func() bool { return ctl.count() == 2 })
	if got := ctl.delays[1]; got != DefaultRetryDelay {
		t.Fatalf("retry delay = %v, want %v", got, DefaultRetryDelay)
	}

	ctl.fireLast(t) // retry also fails
	waitFor(t, "second rollback", func() bool {
		_, ok := tr.Cursor("c1", "me")
		return store.callCount() == 2 && !ok
	})

	// No further retries.
	time.Sleep(10 * time.Millisecond)
	if got := ctl.count(); got != 2 {
		t.Fatalf("scheduled %d timers, want 2 (dwell + one retry)", got)
	}
}

func TestCommit_RetrySucceeds(t *testing.T) {
	store := &fakeCursorStore{errs: []error{errors.New("store unavailable")}}
	tr, ctl := newTestTracker(store)

	tr.MarkRead(context.Background(), "c1")
	ctl.fireLast(t)

	waitFor(t, "retry timer", func() bool { return ctl.count() == 2 })
	ctl.fireLast(t)

	waitFor(t, "retried write to land", func() bool {
		ts, ok := tr.Cursor("c1", "me")
		return store.callCount() == 2 && ok && ts.Equal(t0)
	})
}

func TestCommit_RollbackRestoresPreviousCursor(t *testing.T) {
	store := &fakeCursorStore{errs: []error{
		errors.New("store unavailable"),
		errors.New("store unavailable"),
	}}
	tr, ctl := newTestTracker(store)
	tr.Seed("c1", map[string]time.Time{"me": t0.Add(-time.Hour)})

	tr.MarkRead(context.Background(), "c1")
	ctl.fireLast(t)

	waitFor(t, "rollback to previous cursor", func() bool {
		ts, ok := tr.Cursor("c1", "me")
		return store.callCount() == 1 && ok && ts.Equal(t0.Add(-time.Hour))
	})
}

func TestForget_DuringInFlightWriteSkipsRollback(t *testing.T) {
	store := &gatedCursorStore{
		fakeCursorStore: fakeCursorStore{errs: []error{errors.New("store unavailable")}},
		entered:         make(chan struct{}, 2),
		gate:            make(chan struct{}),
	}
	tr := New(store, "me")
	ctl := &timerCtl{}
	tr.afterFunc = ctl.afterFunc
	tr.now = func() time.Time { return t0 }
	tr.Seed("c1", map[string]time.Time{"me": t0.Add(-time.Hour)})

	tr.MarkRead(context.Background(), "c1")
	ctl.fireLast(t) // dwell elapses; write goroutine blocks in the store

	<-store.entered
	tr.Forget("c1")
	close(store.gate) // write now fails against a forgotten conversation

	waitFor(t, "failed write to return", func() bool { return store.callCount() == 1 })
	if _, ok := tr.Cursor("c1", "me"); ok {
		t.Fatal("rollback resurrected cursor state for a forgotten conversation")
	}

	// No retry for a conversation that no longer exists.
	time.Sleep(10 * time.Millisecond)
	if got := ctl.count(); got != 1 {
		t.Fatalf("scheduled %d timers, want 1 (dwell only)", got)
	}
}

func TestCommit_RetrySkippedAfterForget(t *testing.T) {
	store := &fakeCursorStore{errs: []error{errors.New("store unavailable")}}
	tr, ctl := newTestTracker(store)

	tr.MarkRead(context.Background(), "c1")
	ctl.fireLast(t)

	waitFor(t, "retry timer", func() bool { return ctl.count() == 2 })
	tr.Forget("c1")
	ctl.fireLast(t) // retry fires after the conversation was closed

	time.Sleep(10 * time.Millisecond)
	if store.callCount() != 1 {
		t.Fatalf("store written %d times, want 1 (retry skipped)", store.callCount())
	}
	if _, ok := tr.Cursor("c1", "me"); ok {
		t.Fatal("retry resurrected cursor state for a forgotten conversation")
	}
}

func TestCommit_RollbackKeepsRemoteAdvance(t *testing.T) {
	store := &gatedCursorStore{
		fakeCursorStore: fakeCursorStore{errs: []error{errors.New("store unavailable")}},
		entered:         make(chan struct{}, 2),
		gate:            make(chan struct{}),
	}
	tr := New(store, "me")
	ctl := &timerCtl{}
	tr.afterFunc = ctl.afterFunc
	tr.now = func() time.Time { return t0 }

	tr.MarkRead(context.Background(), "c1")
	ctl.fireLast(t)
	<-store.entered

	// Another device advances our cursor while the write is in flight.
	tr.OnRemoteCursorUpdate("c1", "me", t0.Add(time.Minute))
	close(store.gate)

	waitFor(t, "failed write to return", func() bool { return store.callCount() == 1 })
	if ts, _ := tr.Cursor("c1", "me"); !ts.Equal(t0.Add(time.Minute)) {
		t.Fatalf("rollback regressed cursor to %v, want %v", ts, t0.Add(time.Minute))
	}

	// The retry's timestamp is stale against the advanced cursor.
	waitFor(t, "retry timer", func() bool { return ctl.count() == 2 })
	ctl.fireLast(t)
	time.Sleep(10 * time.Millisecond)
	if store.callCount() != 1 {
		t.Fatalf("store written %d times, want 1 (stale retry skipped)", store.callCount())
	}
	if ts, _ := tr.Cursor("c1", "me"); !ts.Equal(t0.Add(time.Minute)) {
		t.Fatalf("retry regressed cursor to %v", ts)
	}
}

func TestOnRemoteCursorUpdate_Monotonic(t *testing.T) {
	tr, _ := newTestTracker(&fakeCursorStore{})

	tr.OnRemoteCursorUpdate("c1", "u2", t0)
	tr.OnRemoteCursorUpdate("c1", "u2", t0.Add(-time.Minute)) // stale, out of order
	if ts, _ := tr.Cursor("c1", "u2"); !ts.Equal(t0) {
		t.Fatalf("cursor regressed to %v, want %v", ts, t0)
	}

	tr.OnRemoteCursorUpdate("c1", "u2", t0) // equal timestamp is a no-op
	if ts, _ := tr.Cursor("c1", "u2"); !ts.Equal(t0) {
		t.Fatalf("cursor = %v, want %v", ts, t0)
	}

	tr.OnRemoteCursorUpdate("c1", "u2", t0.Add(time.Minute))
	if ts, _ := tr.Cursor("c1", "u2"); !ts.Equal(t0.Add(time.Minute)) {
		t.Fatalf("cursor = %v, want %v", ts, t0.Add(time.Minute))
	}
}

func TestSeed_NeverRegresses(t *testing.T) {
	tr, _ := newTestTracker(&fakeCursorStore{})

	// A channel event landed before the seed fetch returned.
	tr.OnRemoteCursorUpdate("c1", "u2", t0.Add(time.Minute))
	tr.Seed("c1", map[string]time.Time{
		"u2": t0, // older snapshot
		"u3": t0,
	})

	if ts, _ := tr.Cursor("c1", "u2"); !ts.Equal(t0.Add(time.Minute)) {
		t.Fatalf("seed regressed u2 to %v", ts)
	}
	if ts, _ := tr.Cursor("c1", "u3"); !ts.Equal(t0) {
		t.Fatalf("u3 cursor = %v, want %v", ts, t0)
	}
}

func TestForget_DropsCursorsAndTimers(t *testing.T) {
	store := &fakeCursorStore{}
	tr, _ := newTestTracker(store)

	tr.OnRemoteCursorUpdate("c1", "u2", t0)
	tr.MarkRead(context.Background(), "c1")
	tr.Forget("c1")

	if _, ok := tr.Cursor("c1", "u2"); ok {
		t.Fatal("cursor survived Forget")
	}
}

func TestStatusFor(t *testing.T) {
	base := msgsync.Message{
		ID:        "m1",
		SenderID:  "me",
		CreatedAt: t0,
		Status:    msgsync.StatusDelivered,
	}
	readAt := map[string]time.Time{"u2": t0}

	cases := []struct {
		name    string
		m       msgsync.Message
		cursors map[string]time.Time
		want    msgsync.Status
	}{
		{"read at exactly created-at", base, readAt, msgsync.StatusRead},
		{"read after created-at", withCreatedAt(base, t0.Add(-time.Second)), readAt, msgsync.StatusRead},
		{"created after cursor", withCreatedAt(base, t0.Add(time.Second)), readAt, msgsync.StatusDelivered},
		{"own cursor does not mark own message read", base, map[string]time.Time{"me": t0.Add(time.Hour)}, msgsync.StatusDelivered},
		{"no cursors", base, nil, msgsync.StatusDelivered},
		{"pending never read", withStatus(base, msgsync.StatusPending), readAt, msgsync.StatusPending},
		{"sent never read", withStatus(base, msgsync.StatusSent), readAt, msgsync.StatusSent},
		{"failed never read", withStatus(base, msgsync.StatusFailed), readAt, msgsync.StatusFailed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := StatusFor(c.m, c.cursors); got != c.want {
				t.Fatalf("StatusFor = %v, want %v", got, c.want)
			}
		})
	}
}

func withCreatedAt(m msgsync.Message, at time.Time) msgsync.Message {
	m.CreatedAt = at
	return m
}

func withStatus(m msgsync.Message, s msgsync.Status) msgsync.Message {
	m.Status = s
	return m
}
