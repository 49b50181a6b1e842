package redisfeed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/canopyhq/canopy-cli/internal/feed"
)

func dialTest(t *testing.T) (*miniredis.Miniredis, feed.Conn) {
	t.Helper()
	mr := miniredis.RunT(t)

	d := &Dialer{Addr: mr.Addr()}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return mr, conn
}

func TestDial_FailsWhenServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	d := &Dialer{Addr: addr}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := d.Dial(ctx); err == nil {
		t.Fatal("expected dial error against a closed server")
	}
}

func TestAttachDeliversEvents(t *testing.T) {
	mr, conn := dialTest(t)
	ctx := context.Background()

	if err := conn.Attach(ctx, "conversation:7"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	mr.Publish("pulse:conversation:7",
		`{"event":"message_created","payload":{"id":"m1","body":"hi"}}`)

	select {
	case ev := <-conn.Events():
		if ev.Err != nil {
			t.Fatalf("event error: %v", ev.Err)
		}
		if ev.Topic != "conversation:7" || ev.Event != feed.EventMessageCreated {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestDetachStopsDelivery(t *testing.T) {
	mr, conn := dialTest(t)
	ctx := context.Background()

	if err := conn.Attach(ctx, "conversation:7"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := conn.Detach(ctx, "conversation:7"); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	mr.Publish("pulse:conversation:7", `{"event":"message_created","payload":{}}`)

	select {
	case ev := <-conn.Events():
		t.Fatalf("unexpected event after detach: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMalformedEnvelopeSkipped(t *testing.T) {
	mr, conn := dialTest(t)
	ctx := context.Background()

	if err := conn.Attach(ctx, "conversation:7"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	mr.Publish("pulse:conversation:7", `not json`)
	mr.Publish("pulse:conversation:7", `{"event":"read_cursor_updated","payload":{}}`)

	select {
	case ev := <-conn.Events():
		if ev.Event != feed.EventReadCursorUpdated {
			t.Fatalf("event = %+v, want the well-formed envelope only", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestProbe(t *testing.T) {
	_, conn := dialTest(t)
	if err := conn.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
}

func TestClose_ClosesEventsWithoutError(t *testing.T) {
	_, conn := dialTest(t)
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case ev, ok := <-conn.Events():
		if ok && ev.Err != nil {
			t.Fatalf("unexpected error event on graceful close: %v", ev.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events channel to close")
	}
	// Double close is a no-op.
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
