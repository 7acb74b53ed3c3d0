// Package config manages the process-wide backup configuration document.
// Values are layered at load time (struct defaults, then the JSON config
// file, then STOREKEEPER_ environment variables) and the document is written
// back to disk after every mutation so schedule and credential changes
// survive a restart.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before they are mapped
// onto config keys. A double underscore separates nesting levels, e.g.
// STOREKEEPER_REMOTE__BUCKET sets remote.bucket.
const EnvPrefix = "STOREKEEPER_"

// ConfigFileName is the name of the persisted document inside the data directory.
const ConfigFileName = "config.json"

// ScheduleConfig controls automatic backups.
type ScheduleConfig struct {
	Enabled   bool   `koanf:"enabled" json:"enabled"`
	Frequency string `koanf:"frequency" json:"frequency"` // "daily" or "weekly"
	Time      string `koanf:"time" json:"time"`           // "HH:MM", 24-hour clock
	Weekday   int    `koanf:"weekday" json:"weekday"`     // 0=Sunday, weekly only
}

// RemoteConfig holds credentials for the S3-compatible replica.
type RemoteConfig struct {
	Enabled    bool   `koanf:"enabled" json:"enabled"`
	Endpoint   string `koanf:"endpoint" json:"endpoint"`
	Bucket     string `koanf:"bucket" json:"bucket"`
	Region     string `koanf:"region" json:"region"`
	AccessKey  string `koanf:"access_key" json:"access_key"`
	SecretKey  string `koanf:"secret_key" json:"secret_key"`
	Passphrase string `koanf:"passphrase" json:"passphrase,omitempty"` // optional artifact encryption
	QuotaBytes int64  `koanf:"quota_bytes" json:"quota_bytes"`         // advisory only
}

// RetentionConfig bounds how many backups are kept on local disk.
type RetentionConfig struct {
	MaxLocalCount int `koanf:"max_local_count" json:"max_local_count"`
}

// Config is the full configuration document.
type Config struct {
	DataDir         string          `koanf:"data_dir" json:"data_dir"`
	Port            string          `koanf:"port" json:"port"`
	LogLevel        string          `koanf:"log_level" json:"log_level"`
	LogFormat       string          `koanf:"log_format" json:"log_format"`
	VerifyIntegrity bool            `koanf:"verify_integrity" json:"verify_integrity"`
	StaleAfterDays  int             `koanf:"stale_after_days" json:"stale_after_days"`
	Schedule        ScheduleConfig  `koanf:"schedule" json:"schedule"`
	Remote          RemoteConfig    `koanf:"remote" json:"remote"`
	Retention       RetentionConfig `koanf:"retention" json:"retention"`
}

// DatabasePath is the live business database file.
func (c Config) DatabasePath() string { return filepath.Join(c.DataDir, "store.db") }

// BackupDir holds backup artifacts and their metadata sidecars.
func (c Config) BackupDir() string { return filepath.Join(c.DataDir, "backups") }

// CommandPath is the singleton pending-restore command file. Its presence is
// the sole signal that a restore is staged.
func (c Config) CommandPath() string { return filepath.Join(c.DataDir, "pending-restore.json") }

// StagingPath is the singleton staged-restore payload file.
func (c Config) StagingPath() string { return filepath.Join(c.DataDir, "restore-staging.db") }

// ConfigPath is the persisted configuration document.
func (c Config) ConfigPath() string { return filepath.Join(c.DataDir, ConfigFileName) }

func defaults() Config {
	return Config{
		DataDir:         defaultDataDir(),
		Port:            "8321",
		LogLevel:        "info",
		LogFormat:       "text",
		VerifyIntegrity: true,
		StaleAfterDays:  7,
		Schedule: ScheduleConfig{
			Enabled:   false,
			Frequency: "daily",
			Time:      "02:00",
			Weekday:   0,
		},
		Remote: RemoteConfig{
			Region: "auto",
		},
		Retention: RetentionConfig{
			MaxLocalCount: 10,
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv(EnvPrefix + "DATA_DIR"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "storekeeper")
}

// Store owns the loaded configuration and persists mutations back to disk.
type Store struct {
	mu   sync.RWMutex
	cfg  Config
	path string
}

// Load builds the configuration from defaults, the config file in the data
// directory (if present), and environment variables, then returns a Store
// bound to that file. The data directory is created if missing.
func Load() (*Store, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path := filepath.Join(defaultDataDir(), ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// Mutations persist to the file this load actually read. When the
	// document relocates data_dir, the bootstrap file stays where the next
	// Load will look for it.
	return &Store{cfg: cfg, path: path}, nil
}

func validate(cfg Config) error {
	switch cfg.Schedule.Frequency {
	case "daily", "weekly":
	default:
		return fmt.Errorf("invalid schedule frequency %q", cfg.Schedule.Frequency)
	}
	if cfg.Schedule.Weekday < 0 || cfg.Schedule.Weekday > 6 {
		return fmt.Errorf("invalid schedule weekday %d", cfg.Schedule.Weekday)
	}
	if cfg.Retention.MaxLocalCount < 1 {
		return fmt.Errorf("retention max_local_count must be at least 1, got %d", cfg.Retention.MaxLocalCount)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SetSchedule replaces the automatic-backup schedule and persists the document.
func (s *Store) SetSchedule(sched ScheduleConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg
	next.Schedule = sched
	if err := validate(next); err != nil {
		return err
	}
	s.cfg = next
	return s.save()
}

// SetRemote replaces the remote replica credentials and persists the document.
func (s *Store) SetRemote(remote RemoteConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Remote = remote
	return s.save()
}

// SetRetention replaces the retention limits and persists the document.
func (s *Store) SetRetention(ret RetentionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg
	next.Retention = ret
	if err := validate(next); err != nil {
		return err
	}
	s.cfg = next
	return s.save()
}

// save writes the document with temp-then-rename so a crash mid-write never
// leaves a truncated config file. Caller must hold s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
