// Package restore implements the staged-restore state machine. A restore is
// never applied to a running process: Stage materializes the payload and a
// durable command on disk and asks the host to shut down, and RecoverOnBoot
// executes the swap at the start of the next process lifetime, before any
// database connection exists. The filesystem is the only synchronization
// medium between the two process instances; deleting the command file before
// the swap is the sole mutual-exclusion mechanism.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nholden/storekeeper/internal/catalog"
	"github.com/nholden/storekeeper/internal/events"
	"github.com/nholden/storekeeper/internal/integrity"
	"github.com/nholden/storekeeper/internal/remote"
)

// Outcome summarizes one RecoverOnBoot run.
type Outcome int

const (
	// OutcomeNone means no restore was pending — the normal boot path.
	OutcomeNone Outcome = iota
	// OutcomeExpired means a command was found but abandoned (TTL or attempt
	// ceiling) and cleaned up without touching the live database.
	OutcomeExpired
	// OutcomeCompleted means the swap ran and verified.
	OutcomeCompleted
	// OutcomeFailed means the swap was attempted (or aborted) and will not be
	// retried; the live database is in its old state or restored from the
	// safety copy.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeExpired:
		return "expired"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// sideFileSuffixes are the engine's auxiliary log files that may accompany a
// payload and must be swapped with the same discipline as the database.
var sideFileSuffixes = []string{"-wal", "-shm"}

// Coordinator stages restores and executes them at boot.
type Coordinator struct {
	dbPath      string
	commandPath string
	stagingPath string
	catalog     *catalog.Catalog
	verify      bool

	mu      sync.Mutex
	replica remote.Replica // nil when remote restores are unavailable

	// decrypt opens artifacts that were sealed before upload. nil when
	// remote payloads arrive plaintext. Guarded by mu alongside replica:
	// both change together on a credentials update.
	decrypt func([]byte) ([]byte, error)

	requestShutdown func()
	notify          func(events.Event)
	logger          *slog.Logger
	now             func() time.Time
}

// Options wires a Coordinator.
type Options struct {
	DBPath          string
	CommandPath     string
	StagingPath     string
	Catalog         *catalog.Catalog
	Replica         remote.Replica
	VerifyIntegrity bool
	Decrypt         func([]byte) ([]byte, error)
	RequestShutdown func()
	Notify          func(events.Event)
	Logger          *slog.Logger
}

// NewCoordinator creates the restore coordinator.
func NewCoordinator(opts Options) *Coordinator {
	return &Coordinator{
		dbPath:          opts.DBPath,
		commandPath:     opts.CommandPath,
		stagingPath:     opts.StagingPath,
		catalog:         opts.Catalog,
		replica:         opts.Replica,
		verify:          opts.VerifyIntegrity,
		decrypt:         opts.Decrypt,
		requestShutdown: opts.RequestShutdown,
		notify:          opts.Notify,
		logger:          opts.Logger,
		now:             time.Now,
	}
}

// SetReplica swaps the remote replica and the artifact decryptor after a
// credentials update, so a restore staged later in the same session uses the
// new credentials rather than whatever existed at boot.
func (c *Coordinator) SetReplica(r remote.Replica, decrypt func([]byte) ([]byte, error)) {
	c.mu.Lock()
	c.replica = r
	c.decrypt = decrypt
	c.mu.Unlock()
}

// Pending reports whether a restore command is staged on disk.
func (c *Coordinator) Pending() bool {
	_, err := os.Stat(c.commandPath)
	return err == nil
}

// ClearPending removes a stuck command and payload. Exposed for the explicit
// cleanup action the health monitor recommends; never called automatically.
func (c *Coordinator) ClearPending() error {
	if err := os.Remove(c.commandPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove restore command: %w", err)
	}
	c.removeStaged()
	return nil
}

func (c *Coordinator) emit(kind string, payload map[string]any) {
	if c.notify != nil {
		c.notify(events.New(kind, payload))
	}
}

// Stage resolves the backup's bytes, verifies them, writes the staged
// payload and command, and requests process termination. No destructive
// action happens here: failure at any step leaves the live database and any
// previously staged restore untouched until the final writes.
func (c *Coordinator) Stage(ctx context.Context, backupID string, source Source) error {
	var (
		data     []byte
		digest   string
		remoteID string
	)

	rec, err := c.catalog.Get(backupID)
	switch {
	case err == nil:
		digest = rec.Digest
		remoteID = rec.RemoteID
	case errors.Is(err, catalog.ErrNotFound) && source == SourceRemote:
		// Remote-only artifact with no local metadata: the listing uses the
		// object key as the id. No digest is available at stage time.
		remoteID = backupID
	default:
		return fmt.Errorf("resolve backup %s: %w", backupID, err)
	}

	switch source {
	case SourceLocal:
		if rec == nil || !rec.Local {
			return fmt.Errorf("backup %s has no local artifact", backupID)
		}
		data, err = os.ReadFile(c.catalog.ArtifactPath(rec))
		if err != nil {
			return fmt.Errorf("read local artifact: %w", err)
		}
	case SourceRemote:
		c.mu.Lock()
		replica, decrypt := c.replica, c.decrypt
		c.mu.Unlock()
		if replica == nil {
			return fmt.Errorf("stage remote restore: %w", remote.ErrNotAuthenticated)
		}
		if remoteID == "" {
			return fmt.Errorf("backup %s has no remote copy", backupID)
		}
		data, err = replica.Download(ctx, remoteID, nil)
		if err != nil {
			return fmt.Errorf("download backup %s: %w", backupID, err)
		}
		if decrypt != nil && strings.HasSuffix(remoteID, ".enc") {
			// Decrypt now so the boot-time swap depends only on local disk.
			plain, err := decrypt(data)
			if err != nil {
				return fmt.Errorf("decrypt backup %s: %w", backupID, err)
			}
			data = plain
		}
	default:
		return fmt.Errorf("invalid restore source %q", source)
	}

	if c.verify && digest != "" {
		if err := integrity.Verify(integrity.DigestBytes(data), digest); err != nil {
			return fmt.Errorf("stage backup %s: %w", backupID, err)
		}
	}

	if err := writeAtomic(c.stagingPath, data); err != nil {
		return fmt.Errorf("write staged payload: %w", err)
	}

	cmd := &Command{
		Action:    "restore",
		BackupID:  backupID,
		Source:    source,
		RemoteID:  remoteID,
		Digest:    digest,
		CreatedAt: c.now().UTC(),
		ExpiresAt: c.now().UTC().Add(CommandTTL),
		Attempts:  0,
	}
	if err := writeCommand(c.commandPath, cmd); err != nil {
		c.removeStaged()
		return err
	}

	c.logger.Info("restore staged, requesting shutdown", "id", backupID, "source", source)
	c.emit(events.KindRestoreStaged, map[string]any{"backupId": backupID, "source": string(source)})

	if c.requestShutdown != nil {
		// Fire-and-forget; the host owns the actual shutdown signal.
		go c.requestShutdown()
	}
	return nil
}

// RecoverOnBoot detects and executes a pending restore. It must run before
// any connection to the business database is opened: replacing the file is
// only safe while no handle exists. The command file is deleted before the
// swap begins, so the restore is attempted at most once per stage event even
// if the process crashes mid-swap.
func (c *Coordinator) RecoverOnBoot() (Outcome, error) {
	cmd, err := readCommand(c.commandPath)
	if errors.Is(err, os.ErrNotExist) {
		return OutcomeNone, nil
	}
	if err != nil {
		// An unreadable command can never become executable; clean it up
		// rather than blocking every future boot.
		c.logger.Error("unreadable restore command, abandoning", "error", err)
		if rmErr := os.Remove(c.commandPath); rmErr != nil {
			return OutcomeFailed, fmt.Errorf("remove unreadable command: %w", rmErr)
		}
		c.removeStaged()
		return OutcomeExpired, nil
	}

	now := c.now()
	if cmd.Expired(now) || cmd.Attempts >= MaxAttempts {
		c.logger.Warn("abandoning staged restore",
			"id", cmd.BackupID, "expired", cmd.Expired(now), "attempts", cmd.Attempts)
		if err := os.Remove(c.commandPath); err != nil && !os.IsNotExist(err) {
			return OutcomeFailed, fmt.Errorf("remove expired command: %w", err)
		}
		c.removeStaged()
		return OutcomeExpired, nil
	}

	// Delete the command before touching any byte of the live database. If
	// the delete itself fails, abort without the swap: retrying against a
	// permanently failing delete would loop on every boot.
	if err := os.Remove(c.commandPath); err != nil {
		return OutcomeFailed, fmt.Errorf("remove command before execution: %w", err)
	}

	outcome, err := c.execute(cmd)
	success := outcome == OutcomeCompleted
	payload := map[string]any{"backupId": cmd.BackupID, "success": success}
	kind := events.KindRestoreCompleted
	if !success {
		kind = events.KindRestoreFailed
		if err != nil {
			payload["error"] = err.Error()
		}
	}
	c.emit(kind, payload)
	return outcome, err
}

// execute performs the swap. The command file is already gone; nothing in
// here may re-queue the restore.
func (c *Coordinator) execute(cmd *Command) (Outcome, error) {
	if _, err := os.Stat(c.stagingPath); err != nil {
		return OutcomeFailed, fmt.Errorf("staged payload missing: %w", err)
	}

	// Corruption check before anything destructive: a bad payload must leave
	// the live database untouched.
	if cmd.Digest != "" {
		got, err := integrity.DigestFile(c.stagingPath)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("digest staged payload: %w", err)
		}
		if err := integrity.Verify(got, cmd.Digest); err != nil {
			c.removeStaged()
			return OutcomeFailed, fmt.Errorf("staged payload for %s: %w", cmd.BackupID, err)
		}
	}

	safetyPath := c.dbPath + ".pre-restore"
	haveSafety := false
	if _, err := os.Stat(c.dbPath); err == nil {
		if err := copyFile(c.dbPath, safetyPath); err != nil {
			return OutcomeFailed, fmt.Errorf("create safety copy: %w", err)
		}
		haveSafety = true
	}

	// Temp-then-rename within the database's own directory: an interruption
	// leaves either the old file or the new one, never a half-written mix.
	if err := replaceFile(c.stagingPath, c.dbPath); err != nil {
		return OutcomeFailed, fmt.Errorf("replace database: %w", err)
	}

	// The engine's auxiliary log files must match the restored database.
	// Stale ones describe the old file; staged ones belong to the payload.
	for _, suffix := range sideFileSuffixes {
		if err := os.Remove(c.dbPath + suffix); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("remove stale side file", "suffix", suffix, "error", err)
		}
		staged := c.stagingPath + suffix
		if _, err := os.Stat(staged); err == nil {
			if err := replaceFile(staged, c.dbPath+suffix); err != nil {
				c.logger.Warn("restore side file", "suffix", suffix, "error", err)
			}
		}
	}

	if cmd.Digest != "" {
		got, err := integrity.DigestFile(c.dbPath)
		if err == nil {
			err = integrity.Verify(got, cmd.Digest)
		}
		if err != nil {
			// The swap produced a bad live file; fall back to the safety copy
			// so the database is never left in an ambiguous state.
			if rbErr := c.rollback(safetyPath, haveSafety); rbErr != nil {
				c.removeStaged()
				return OutcomeFailed, fmt.Errorf("verify restored database: %v (rollback also failed: %w)", err, rbErr)
			}
			c.removeStaged()
			return OutcomeFailed, fmt.Errorf("verify restored database: %w", err)
		}
	}

	c.removeStaged()
	c.logger.Info("restore completed", "id", cmd.BackupID, "source", cmd.Source)
	return OutcomeCompleted, nil
}

// rollback undoes a swap that failed verification: the side files the
// rejected payload brought in are removed, then the pre-swap database is
// restored from the safety copy. Nothing of the rejected restore may remain
// next to the rolled-back file.
func (c *Coordinator) rollback(safetyPath string, haveSafety bool) error {
	for _, suffix := range sideFileSuffixes {
		if err := os.Remove(c.dbPath + suffix); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("remove side file during rollback", "suffix", suffix, "error", err)
		}
	}
	if !haveSafety {
		return nil
	}
	return copyFile(safetyPath, c.dbPath)
}

// removeStaged deletes the staging payload and its side files, best effort.
func (c *Coordinator) removeStaged() {
	os.Remove(c.stagingPath)
	for _, suffix := range sideFileSuffixes {
		os.Remove(c.stagingPath + suffix)
	}
}

// replaceFile moves src over dst via a temp file in dst's directory, so the
// final step is a single rename.
func replaceFile(src, dst string) error {
	tmp := dst + ".restore.tmp"
	if err := copyFile(src, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
