package backup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nholden/storekeeper/internal/catalog"
)

func monitorFixture(t *testing.T) (*Monitor, *catalog.Catalog, string) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.New(filepath.Join(dir, "backups"), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	commandPath := filepath.Join(dir, "pending-restore.json")
	return NewMonitor(cat, commandPath, 7*24*time.Hour), cat, commandPath
}

func hasIssue(report Report, substr string) bool {
	for _, issue := range report.Issues {
		if strings.Contains(issue, substr) {
			return true
		}
	}
	return false
}

func TestCheckHealthy(t *testing.T) {
	m, cat, _ := monitorFixture(t)
	addBackup(t, cat, "backup-fresh", time.Now().UTC(), "")

	report := m.Check()
	if !report.Healthy {
		t.Errorf("Check = %+v, want healthy", report)
	}
	if len(report.Issues) != 0 {
		t.Errorf("Issues = %v, want none", report.Issues)
	}
}

func TestCheckNoBackups(t *testing.T) {
	m, _, _ := monitorFixture(t)

	report := m.Check()
	if report.Healthy {
		t.Error("empty backup set reported healthy")
	}
	if !hasIssue(report, "no backups exist") {
		t.Errorf("Issues = %v, want no-backups issue", report.Issues)
	}
	if len(report.Recommendations) == 0 {
		t.Error("want a recommendation for the no-backups issue")
	}
}

func TestCheckStaleBackups(t *testing.T) {
	m, cat, _ := monitorFixture(t)
	addBackup(t, cat, "backup-old", time.Now().UTC().Add(-30*24*time.Hour), "")
	m.now = func() time.Time { return time.Now().UTC() }

	report := m.Check()
	if report.Healthy {
		t.Error("stale backup set reported healthy")
	}
	if !hasIssue(report, "older than") {
		t.Errorf("Issues = %v, want staleness issue", report.Issues)
	}
}

func TestCheckLeftoverRestoreCommand(t *testing.T) {
	m, cat, commandPath := monitorFixture(t)
	addBackup(t, cat, "backup-fresh", time.Now().UTC(), "")

	if err := os.WriteFile(commandPath, []byte(`{"action":"restore"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	report := m.Check()
	if report.Healthy {
		t.Error("leftover restore command reported healthy")
	}
	if !hasIssue(report, "restore command") {
		t.Errorf("Issues = %v, want stuck-command issue", report.Issues)
	}

	// The monitor is read-only: the command file must survive the sweep.
	if _, err := os.Stat(commandPath); err != nil {
		t.Errorf("command file removed by health check: %v", err)
	}
}

func TestCheckMissingBackupDir(t *testing.T) {
	m, cat, _ := monitorFixture(t)
	if err := os.RemoveAll(cat.Dir()); err != nil {
		t.Fatal(err)
	}

	report := m.Check()
	if report.Healthy {
		t.Error("missing backup dir reported healthy")
	}
	if !hasIssue(report, "backup directory is missing") {
		t.Errorf("Issues = %v, want missing-dir issue", report.Issues)
	}
}

func TestCheckDanglingRecord(t *testing.T) {
	m, cat, _ := monitorFixture(t)
	addBackup(t, cat, "backup-ok", time.Now().UTC(), "")
	addBackup(t, cat, "backup-gone", time.Now().UTC(), "")

	gone, err := cat.Get("backup-gone")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(cat.ArtifactPath(gone)); err != nil {
		t.Fatal(err)
	}

	report := m.Check()
	if report.Healthy {
		t.Error("dangling record reported healthy")
	}
	if !hasIssue(report, "backup-gone") {
		t.Errorf("Issues = %v, want dangling issue naming backup-gone", report.Issues)
	}
	// Read-only: the sidecar stays until the user acts on the recommendation.
	if _, err := cat.Get("backup-gone"); err != nil {
		t.Errorf("dangling sidecar removed by health check: %v", err)
	}
}

func TestCheckRemoteOnlyRecordsNotDangling(t *testing.T) {
	m, cat, _ := monitorFixture(t)
	addBackup(t, cat, "backup-fresh", time.Now().UTC(), "")

	remoteOnly := &catalog.Record{
		ID:        "backup-remote",
		Filename:  "backup-remote.db",
		CreatedAt: time.Now().UTC(),
		Kind:      catalog.KindManual,
		Remote:    true,
		RemoteID:  "backups/backup-remote.db",
	}
	if err := cat.Save(remoteOnly); err != nil {
		t.Fatal(err)
	}

	report := m.Check()
	if !report.Healthy {
		t.Errorf("remote-only record flagged: %+v", report)
	}
}
