// Package database owns the embedded SQLite engine: opening the live
// database with WAL pragmas and migrations, and the narrow primitives the
// backup subsystem depends on (online snapshot, checkpoint, close). These are
// explicit seams injected into callers rather than methods patched onto a
// shared service object at runtime.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrLocked reports that the engine could not release or acquire its file
// handle in time. Restores that hit it should go through the staged-restart
// path instead of an in-place replacement.
var ErrLocked = errors.New("database file is locked")

// Engine wraps the live database connection and its on-disk path.
type Engine struct {
	db   *sql.DB
	path string
}

// Open opens the SQLite database at path, applies pragmas and migrations,
// and returns the engine. Must only be called after any pending staged
// restore has been resolved: an open handle here blocks file replacement on
// locking operating systems.
func Open(path string) (*Engine, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, wrapLocked(fmt.Errorf("ping db: %w", err))
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Engine{db: db, path: path}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	return nil
}

// DB exposes the underlying handle for the business-data layer.
func (e *Engine) DB() *sql.DB { return e.db }

// Path returns the live database file path.
func (e *Engine) Path() string { return e.path }

// Checkpoint merges the write-ahead log into the main database file. Run
// before any byte-level read of the file so the snapshot sees all commits.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return wrapLocked(fmt.Errorf("wal checkpoint: %w", err))
	}
	return nil
}

// Snapshot produces a crash-consistent copy of the live database at dest
// using the engine's online backup primitive (VACUUM INTO). A raw byte copy
// without engine cooperation can capture a torn state; this cannot. Returns
// the snapshot size in bytes.
func (e *Engine) Snapshot(ctx context.Context, dest string) (int64, error) {
	if err := e.Checkpoint(ctx); err != nil {
		return 0, err
	}

	// VACUUM INTO refuses to overwrite an existing file.
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("clear snapshot destination: %w", err)
	}

	if _, err := e.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return 0, wrapLocked(fmt.Errorf("vacuum into: %w", err))
	}

	fi, err := os.Stat(dest)
	if err != nil {
		return 0, fmt.Errorf("stat snapshot: %w", err)
	}
	if fi.Size() == 0 {
		return 0, fmt.Errorf("snapshot at %s is empty", dest)
	}
	return fi.Size(), nil
}

// Close releases all connections. Called on shutdown, including the shutdown
// a staged restore requests.
func (e *Engine) Close() error {
	return e.db.Close()
}

func wrapLocked(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %v", ErrLocked, err)
	}
	return err
}
