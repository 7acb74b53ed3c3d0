package events

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds emitted by the backup subsystem.
const (
	KindBackupCompleted  = "backup_completed"
	KindBackupFailed     = "backup_failed"
	KindRestoreStaged    = "restore_staged"
	KindRestoreCompleted = "restore_completed"
	KindRestoreFailed    = "restore_failed"
	KindSettingsUpdated  = "settings_updated"
)

// Event is a domain notification broadcast to UI observers.
type Event struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// New creates an Event with a fresh id and the current time.
func New(kind string, payload map[string]any) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		At:      time.Now().UTC(),
		Payload: payload,
	}
}
