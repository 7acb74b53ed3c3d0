package catalog

import (
	"errors"
	"time"
)

// SchemaVersion is the current sidecar document version. Older versions are
// mapped to this layout once at load time (see decodeRecord).
const SchemaVersion = 2

// Kind distinguishes user-requested backups from scheduled ones.
type Kind string

const (
	KindManual    Kind = "manual"
	KindAutomatic Kind = "automatic"
)

// Record is the metadata sidecar for one backup artifact. Persisted as
// {id}.meta.json next to the artifact so it survives replacement of the
// database it describes.
type Record struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	SourceFile string    `json:"source_file"`
	SizeBytes  int64     `json:"size_bytes"`
	Digest     string    `json:"digest"`
	CreatedAt  time.Time `json:"created_at"`
	Kind       Kind      `json:"kind"`
	Local      bool      `json:"is_local"`
	Remote     bool      `json:"is_remote"`
	RemoteID   string    `json:"remote_id,omitempty"`
	Version    int       `json:"version"`
}

var (
	// ErrInvalidRecord marks records that must not be listed: neither local
	// nor remote, or remote without a remote object id.
	ErrInvalidRecord = errors.New("invalid backup record")

	// ErrNotFound is returned when no sidecar exists for an id.
	ErrNotFound = errors.New("backup record not found")
)

// Validate enforces the record invariants.
func (r *Record) Validate() error {
	if r.ID == "" {
		return errors.Join(ErrInvalidRecord, errors.New("missing id"))
	}
	if !r.Local && !r.Remote {
		return errors.Join(ErrInvalidRecord, errors.New("record is neither local nor remote"))
	}
	if r.Remote && r.RemoteID == "" {
		return errors.Join(ErrInvalidRecord, errors.New("remote record missing remote id"))
	}
	return nil
}
