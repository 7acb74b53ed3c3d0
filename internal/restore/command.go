package restore

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Source says where the staged payload came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

const (
	// CommandTTL bounds how long a staged restore stays executable.
	CommandTTL = 24 * time.Hour

	// MaxAttempts is the execution-attempt ceiling. With delete-before-execute
	// a command never survives an attempt, so this guards only foreign or
	// hand-edited command files.
	MaxAttempts = 3
)

// Command is the durable restore token. At most one exists on disk at a
// time; its presence is the sole signal that a restore is pending.
type Command struct {
	Action    string    `json:"action"` // always "restore"
	BackupID  string    `json:"backup_id"`
	Source    Source    `json:"source"`
	RemoteID  string    `json:"remote_id,omitempty"`
	Digest    string    `json:"digest,omitempty"` // expected payload digest; empty when unknown
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
}

// Expired reports whether the command outlived its TTL at the given instant.
func (c *Command) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// writeCommand persists the command with temp-then-rename. A new command
// always replaces any previous one; the file is a singleton.
func writeCommand(path string, cmd *Command) error {
	data, err := json.MarshalIndent(cmd, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal restore command: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write restore command: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace restore command: %w", err)
	}
	return nil
}

// readCommand loads the pending command. Returns os.ErrNotExist when none is
// staged.
func readCommand(path string) (*Command, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("decode restore command: %w", err)
	}
	return &cmd, nil
}
