// Package catalog persists backup metadata as one JSON sidecar per artifact.
// The backup directory, not the business database, is the source of truth:
// metadata written next to the artifact stays readable while the database
// itself is being replaced during a restore.
package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const sidecarSuffix = ".meta.json"

// Catalog reads and writes sidecar metadata files in a backup directory.
type Catalog struct {
	dir    string
	logger *slog.Logger
}

// New creates a Catalog over dir, creating the directory if needed.
func New(dir string, logger *slog.Logger) (*Catalog, error) {
	// The original data layout sometimes left a plain file where the backup
	// directory belongs; clear it rather than failing every backup after.
	if fi, err := os.Stat(dir); err == nil && !fi.IsDir() {
		if err := os.Remove(dir); err != nil {
			return nil, fmt.Errorf("remove file blocking backup dir: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &Catalog{dir: dir, logger: logger}, nil
}

// Dir returns the backup directory.
func (c *Catalog) Dir() string { return c.dir }

// ArtifactPath returns the on-disk path for a record's artifact.
func (c *Catalog) ArtifactPath(rec *Record) string {
	return filepath.Join(c.dir, rec.Filename)
}

func (c *Catalog) sidecarPath(id string) string {
	return filepath.Join(c.dir, id+sidecarSuffix)
}

// Save validates the record and writes its sidecar with temp-then-rename.
func (c *Catalog) Save(rec *Record) error {
	rec.Version = SchemaVersion
	if err := rec.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}

	path := c.sidecarPath(rec.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace record %s: %w", rec.ID, err)
	}
	return nil
}

// Get loads a single record by id.
func (c *Catalog) Get(id string) (*Record, error) {
	data, err := os.ReadFile(c.sidecarPath(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}
	return decodeRecord(data)
}

// List returns all valid records, newest first. Sidecars that fail to decode
// or violate record invariants are logged and skipped, never surfaced.
func (c *Catalog) List() ([]Record, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sidecarSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			c.logger.Warn("skipping unreadable sidecar", "file", entry.Name(), "error", err)
			continue
		}
		rec, err := decodeRecord(data)
		if err != nil {
			c.logger.Warn("skipping invalid sidecar", "file", entry.Name(), "error", err)
			continue
		}
		records = append(records, *rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Delete removes a record's sidecar. Missing sidecars are not an error.
func (c *Catalog) Delete(id string) error {
	if err := os.Remove(c.sidecarPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

// legacyRecord is the pre-versioning sidecar layout. Older documents carried
// different field names and a unix-seconds timestamp; they are mapped to the
// current layout once here rather than probed per read.
type legacyRecord struct {
	ID        string `json:"id"`
	FileName  string `json:"file_name"`
	Source    string `json:"source"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"`
	Created   int64  `json:"created"`
	Type      string `json:"type"`
	S3Key     string `json:"s3_key"`
	LocalCopy *bool  `json:"local_copy"`
}

// decodeRecord is the versioned-record adapter: it inspects the declared
// schema version and maps legacy layouts to the current Record exactly once.
func decodeRecord(data []byte) (*Record, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode sidecar: %w", err)
	}

	if probe.Version >= SchemaVersion {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode sidecar: %w", err)
		}
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		return &rec, nil
	}

	var old legacyRecord
	if err := json.Unmarshal(data, &old); err != nil {
		return nil, fmt.Errorf("decode legacy sidecar: %w", err)
	}

	rec := &Record{
		ID:         old.ID,
		Filename:   old.FileName,
		SourceFile: old.Source,
		SizeBytes:  old.Size,
		Digest:     old.Checksum,
		CreatedAt:  time.Unix(old.Created, 0).UTC(),
		Kind:       Kind(old.Type),
		Remote:     old.S3Key != "",
		RemoteID:   old.S3Key,
		Version:    SchemaVersion,
	}
	// Legacy documents predate the locality flags: every record described a
	// local artifact unless explicitly marked otherwise.
	if old.LocalCopy != nil {
		rec.Local = *old.LocalCopy
	} else {
		rec.Local = true
	}
	if rec.Kind != KindManual && rec.Kind != KindAutomatic {
		rec.Kind = KindManual
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}
