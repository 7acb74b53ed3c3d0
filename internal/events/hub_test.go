package events

import (
	"encoding/json"
	"log/slog"
	"testing"
)

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(slog.Default())
	c := &Client{hub: hub, send: make(chan []byte, 1)}

	hub.Register(c)
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(c)
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", hub.ClientCount())
	}

	// The send channel must be closed so the write pump exits.
	if _, ok := <-c.send; ok {
		t.Error("send channel still open after unregister")
	}

	// Unregistering twice must not close the channel again.
	hub.Unregister(c)
}

func TestBroadcastDeliversToAllClients(t *testing.T) {
	hub := NewHub(slog.Default())
	a := &Client{hub: hub, send: make(chan []byte, 1)}
	b := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.Register(a)
	hub.Register(b)

	evt := New(KindBackupCompleted, map[string]any{"backupId": "backup-x"})
	hub.Broadcast(evt)

	for name, c := range map[string]*Client{"a": a, "b": b} {
		select {
		case data := <-c.send:
			var got Event
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("client %s received invalid JSON: %v", name, err)
			}
			if got.Kind != KindBackupCompleted {
				t.Errorf("client %s Kind = %s", name, got.Kind)
			}
			if got.ID == "" {
				t.Errorf("client %s event has no id", name)
			}
			if got.Payload["backupId"] != "backup-x" {
				t.Errorf("client %s payload = %v", name, got.Payload)
			}
		default:
			t.Errorf("client %s received nothing", name)
		}
	}
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(slog.Default())
	c := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.Register(c)

	hub.Broadcast(New(KindBackupCompleted, nil))
	// The buffer is full; this must not block.
	hub.Broadcast(New(KindBackupFailed, nil))

	if len(c.send) != 1 {
		t.Errorf("buffered = %d, want 1", len(c.send))
	}
}

func TestBroadcastNoClients(t *testing.T) {
	hub := NewHub(slog.Default())
	// Must not panic or block.
	hub.Broadcast(New(KindSettingsUpdated, nil))
}

func TestNewEventFields(t *testing.T) {
	a := New(KindRestoreStaged, map[string]any{"backupId": "backup-1"})
	b := New(KindRestoreStaged, nil)

	if a.ID == "" || b.ID == "" {
		t.Error("events missing ids")
	}
	if a.ID == b.ID {
		t.Error("events share an id")
	}
	if a.At.IsZero() {
		t.Error("event has zero timestamp")
	}
}
