package ws_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/fleetwatch/core/internal/store"
	ws "github.com/fleetwatch/core/internal/ws"
)

func newTestBroadcaster() *ws.Broadcaster {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return ws.NewBroadcaster(logger, 16)
}

func TestBroadcasterRegisterUnregister(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients after init, got %d", got)
	}

	c1 := bc.Register("c1", "org-1")
	c2 := bc.Register("c2", "org-1")
	if got := bc.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}
	if c1.ID() != "c1" {
		t.Errorf("client ID mismatch: got %q, want %q", c1.ID(), "c1")
	}

	bc.Unregister("c1")
	if got := bc.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	select {
	case _, ok := <-c1.Send():
		if ok {
			t.Error("expected send channel to be closed after Unregister")
		}
	default:
		t.Error("expected send channel to be closed (readable), not blocked")
	}

	bc.Unregister("c2")
	_ = c2
	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestBroadcasterPublishScopedToOrganization(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	inOrg := bc.Register("c1", "org-1")
	otherOrg := bc.Register("c2", "org-2")
	defer bc.Unregister("c1")
	defer bc.Unregister("c2")

	bc.Publish(ws.EventActivated, store.Alert{
		AlertID:        "alert-1",
		OrganizationID: "org-1",
		Scope:          store.ScopeMachine,
		MachineID:      "machine-1",
		Kind:           store.AlertIdleMachine,
	})

	deadline := time.After(100 * time.Millisecond)
	select {
	case raw, ok := <-inOrg.Send():
		if !ok {
			t.Fatal("send channel closed unexpectedly")
		}
		var evt ws.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Type != ws.EventActivated {
			t.Errorf("got type %q, want %q", evt.Type, ws.EventActivated)
		}
		if evt.Data.AlertID != "alert-1" {
			t.Errorf("got alert_id %q, want %q", evt.Data.AlertID, "alert-1")
		}
	case <-deadline:
		t.Fatal("timeout waiting for published event")
	}

	select {
	case <-otherOrg.Send():
		t.Fatal("client in a different organization must not receive the event")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestBroadcasterDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bc := ws.NewBroadcaster(logger, 2) // tiny buffer

	c := bc.Register("slow-client", "org-1")
	defer bc.Unregister("slow-client")

	a := store.Alert{AlertID: "x", OrganizationID: "org-1"}
	bc.Publish(ws.EventActivated, a)
	bc.Publish(ws.EventActivated, a)
	bc.Publish(ws.EventActivated, a) // should be dropped

	if got := c.Dropped.Load(); got < 1 {
		t.Errorf("expected at least 1 drop, got %d", got)
	}
}

func TestBroadcasterUnregisterNonexistent(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	bc.Unregister("does-not-exist")
}

func TestBroadcastEmptyRoom(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	bc.Publish(ws.EventActivated, store.Alert{AlertID: "x", OrganizationID: "org-1"})
}
