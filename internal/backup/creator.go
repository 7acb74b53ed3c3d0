// Package backup produces crash-consistent snapshots of the live database,
// replicates them to the remote store, prunes history, and reports subsystem
// health.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nholden/storekeeper/internal/catalog"
	"github.com/nholden/storekeeper/internal/config"
	"github.com/nholden/storekeeper/internal/events"
	"github.com/nholden/storekeeper/internal/integrity"
	"github.com/nholden/storekeeper/internal/remote"
)

// Snapshotter is the engine's online hot-backup primitive. A byte copy of a
// live database can capture a torn state; a copy made by the engine itself
// cannot.
type Snapshotter interface {
	Snapshot(ctx context.Context, dest string) (int64, error)
}

// Result reports one backup attempt.
type Result struct {
	BackupID  string        `json:"backup_id"`
	SizeBytes int64         `json:"size_bytes"`
	Digest    string        `json:"digest"`
	Duration  time.Duration `json:"duration"`
	Warning   string        `json:"warning,omitempty"` // non-fatal remote replication problem
}

// Creator produces backups: snapshot, digest, metadata sidecar, optional
// remote replication, then retention pruning.
type Creator struct {
	mu        sync.Mutex
	engine    Snapshotter
	catalog   *catalog.Catalog
	replica   remote.Replica // nil when remote replication is unavailable
	cfg       *config.Store
	retention *Retention
	notify    func(events.Event)
	logger    *slog.Logger
	now       func() time.Time
}

// NewCreator wires a Creator. replica may be nil; notify may be nil.
func NewCreator(engine Snapshotter, cat *catalog.Catalog, replica remote.Replica, cfg *config.Store, notify func(events.Event), logger *slog.Logger) *Creator {
	return &Creator{
		engine:    engine,
		catalog:   cat,
		replica:   replica,
		cfg:       cfg,
		retention: NewRetention(cat, logger),
		notify:    notify,
		logger:    logger,
		now:       time.Now,
	}
}

// SetReplica swaps the remote replica after a credentials update.
func (c *Creator) SetReplica(r remote.Replica) {
	c.mu.Lock()
	c.replica = r
	c.mu.Unlock()
}

func (c *Creator) emit(kind string, payload map[string]any) {
	if c.notify != nil {
		c.notify(events.New(kind, payload))
	}
}

// Create runs one backup of the given kind. Remote upload failure is
// non-fatal: the local backup stands alone and the failure is surfaced as a
// warning. Metadata persistence failure is fatal and removes the orphaned
// artifact.
func (c *Creator) Create(ctx context.Context, kind catalog.Kind) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.now()
	stamp := start.UTC().Format("20060102T150405Z")
	id := fmt.Sprintf("backup-%s-%s", stamp, kind)
	// The timestamp has second resolution; a second backup inside the same
	// second must not overwrite the first's artifact and sidecar.
	for n := 2; ; n++ {
		if _, err := c.catalog.Get(id); errors.Is(err, catalog.ErrNotFound) {
			break
		}
		id = fmt.Sprintf("backup-%s-%s-%d", stamp, kind, n)
	}
	filename := id + ".db"
	dest := filepath.Join(c.catalog.Dir(), filename)

	fail := func(err error) (*Result, error) {
		c.emit(events.KindBackupFailed, map[string]any{
			"backupId": id,
			"duration": c.now().Sub(start).Milliseconds(),
			"success":  false,
			"error":    err.Error(),
		})
		return nil, err
	}

	size, err := c.engine.Snapshot(ctx, dest)
	if err != nil {
		return fail(fmt.Errorf("snapshot: %w", err))
	}

	digest, err := integrity.DigestFile(dest)
	if err != nil {
		os.Remove(dest)
		return fail(fmt.Errorf("digest snapshot: %w", err))
	}

	cfg := c.cfg.Get()
	rec := &catalog.Record{
		ID:         id,
		Filename:   filename,
		SourceFile: filepath.Base(cfg.DatabasePath()),
		SizeBytes:  size,
		Digest:     digest,
		CreatedAt:  start.UTC(),
		Kind:       kind,
		Local:      true,
	}
	if err := c.catalog.Save(rec); err != nil {
		// An artifact without metadata is invisible to listing; don't leave it behind.
		os.Remove(dest)
		return fail(fmt.Errorf("persist metadata: %w", err))
	}

	result := &Result{
		BackupID:  id,
		SizeBytes: size,
		Digest:    digest,
	}

	if cfg.Remote.Enabled && c.replica != nil {
		if warning := c.replicate(ctx, rec, dest, cfg.Remote.Passphrase); warning != "" {
			result.Warning = warning
		}
	}

	if _, err := c.retention.Prune(cfg.Retention.MaxLocalCount); err != nil {
		c.logger.Warn("retention prune failed", "error", err)
	}

	result.Duration = c.now().Sub(start)
	c.logger.Info("backup created", "id", id, "kind", kind, "size", size, "duration", result.Duration)
	c.emit(events.KindBackupCompleted, map[string]any{
		"backupId": id,
		"duration": result.Duration.Milliseconds(),
		"success":  true,
	})
	return result, nil
}

// replicate uploads the artifact and updates the record's remote fields.
// Returns a warning message on failure; never an error.
func (c *Creator) replicate(ctx context.Context, rec *catalog.Record, artifactPath, passphrase string) string {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		c.logger.Warn("read artifact for upload", "id", rec.ID, "error", err)
		return fmt.Sprintf("remote replication skipped: %v", err)
	}

	name := rec.Filename
	if passphrase != "" {
		sealed, err := Seal(data, passphrase)
		if err != nil {
			c.logger.Warn("seal artifact", "id", rec.ID, "error", err)
			return fmt.Sprintf("remote replication skipped: %v", err)
		}
		data = sealed
		name += ".enc"
	}

	remoteID, err := c.replica.Upload(ctx, name, bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		if errors.Is(err, remote.ErrNotAuthenticated) {
			c.logger.Warn("remote not authenticated, backup kept local-only", "id", rec.ID)
			return "remote replication skipped: not authenticated"
		}
		c.logger.Warn("upload failed, backup kept local-only", "id", rec.ID, "error", err)
		return fmt.Sprintf("remote replication failed: %v", err)
	}

	rec.Remote = true
	rec.RemoteID = remoteID
	if err := c.catalog.Save(rec); err != nil {
		c.logger.Warn("update record after upload", "id", rec.ID, "error", err)
		return fmt.Sprintf("uploaded, but metadata update failed: %v", err)
	}
	return ""
}

// List merges catalog records with remote-only artifacts that have no local
// metadata (uploads from a previous installation, for example).
func (c *Creator) List(ctx context.Context) ([]catalog.Record, error) {
	records, err := c.catalog.List()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	replica := c.replica
	c.mu.Unlock()

	cfg := c.cfg.Get()
	if !cfg.Remote.Enabled || replica == nil {
		return records, nil
	}

	artifacts, err := replica.List(ctx)
	if err != nil {
		// Remote listing is best-effort; local records are still authoritative.
		c.logger.Warn("list remote artifacts", "error", err)
		return records, nil
	}

	known := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.RemoteID != "" {
			known[rec.RemoteID] = struct{}{}
		}
	}

	for _, a := range artifacts {
		if _, ok := known[a.ID]; ok {
			continue
		}
		name := strings.TrimSuffix(strings.TrimSuffix(a.Name, ".enc"), ".db")
		records = append(records, catalog.Record{
			ID:        name,
			Filename:  a.Name,
			SizeBytes: a.Size,
			CreatedAt: a.CreatedAt,
			Kind:      catalog.KindManual,
			Remote:    true,
			RemoteID:  a.ID,
			Version:   catalog.SchemaVersion,
		})
	}
	return records, nil
}

// Quota reports remote usage against the advisory limit.
func (c *Creator) Quota(ctx context.Context) (remote.Usage, error) {
	c.mu.Lock()
	replica := c.replica
	c.mu.Unlock()
	if replica == nil {
		return remote.Usage{}, remote.ErrNotAuthenticated
	}
	return replica.Quota(ctx)
}

// Delete removes a backup: local artifact, metadata sidecar, and (best
// effort) the remote copy.
func (c *Creator) Delete(ctx context.Context, id string) error {
	rec, err := c.catalog.Get(id)
	if err != nil {
		return err
	}

	if rec.Local {
		if err := os.Remove(c.catalog.ArtifactPath(rec)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete artifact: %w", err)
		}
	}
	if err := c.catalog.Delete(id); err != nil {
		// The artifact is already gone; a dangling sidecar is a health issue,
		// not a resurrection of the backup.
		c.logger.Warn("delete sidecar", "id", id, "error", err)
	}

	c.mu.Lock()
	replica := c.replica
	c.mu.Unlock()

	if rec.Remote && replica != nil {
		if err := replica.Delete(ctx, rec.RemoteID); err != nil {
			c.logger.Warn("delete remote copy", "id", id, "error", err)
		}
	}
	return nil
}
