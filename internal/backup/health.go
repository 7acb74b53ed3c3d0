package backup

import (
	"fmt"
	"os"
	"time"

	"github.com/nholden/storekeeper/internal/catalog"
)

// Report is the result of a read-only diagnostic sweep.
type Report struct {
	Healthy         bool     `json:"healthy"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// Monitor inspects the backup subsystem's on-disk state without mutating it.
// It never deletes anything; it only recommends cleanup actions.
type Monitor struct {
	catalog     *catalog.Catalog
	commandPath string
	staleAfter  time.Duration
	now         func() time.Time
}

// NewMonitor creates a health monitor. staleAfter bounds how old the newest
// successful backup may be before staleness is reported.
func NewMonitor(cat *catalog.Catalog, commandPath string, staleAfter time.Duration) *Monitor {
	return &Monitor{
		catalog:     cat,
		commandPath: commandPath,
		staleAfter:  staleAfter,
		now:         time.Now,
	}
}

// Check runs the sweep. A pending restore command observed here is always an
// issue: the boot-time recovery removes the command on every start, so one
// that survives past boot is stuck.
func (m *Monitor) Check() Report {
	var issues, recommendations []string

	if _, err := os.Stat(m.commandPath); err == nil {
		issues = append(issues, "a staged restore command is still present after startup")
		recommendations = append(recommendations, "delete the pending restore command or re-request the restore and restart")
	}

	if fi, err := os.Stat(m.catalog.Dir()); err != nil || !fi.IsDir() {
		issues = append(issues, "backup directory is missing")
		recommendations = append(recommendations, "run a backup to recreate the backup directory")
		return report(issues, recommendations)
	}

	records, err := m.catalog.List()
	if err != nil {
		issues = append(issues, fmt.Sprintf("backup metadata unreadable: %v", err))
		return report(issues, recommendations)
	}

	if m.staleAfter > 0 {
		newest := time.Time{}
		for _, rec := range records {
			if rec.CreatedAt.After(newest) {
				newest = rec.CreatedAt
			}
		}
		switch {
		case newest.IsZero():
			issues = append(issues, "no backups exist")
			recommendations = append(recommendations, "create a backup or enable the automatic schedule")
		case m.now().Sub(newest) > m.staleAfter:
			issues = append(issues, fmt.Sprintf("newest backup is older than %s", m.staleAfter))
			recommendations = append(recommendations, "create a fresh backup or check the automatic schedule")
		}
	}

	for _, rec := range records {
		if !rec.Local {
			continue
		}
		if _, err := os.Stat(m.catalog.ArtifactPath(&rec)); os.IsNotExist(err) {
			issues = append(issues, fmt.Sprintf("backup %s has metadata but its artifact is missing", rec.ID))
			recommendations = append(recommendations, fmt.Sprintf("delete backup %s to clear the dangling entry", rec.ID))
		}
	}

	return report(issues, recommendations)
}

func report(issues, recommendations []string) Report {
	return Report{
		Healthy:         len(issues) == 0,
		Issues:          issues,
		Recommendations: recommendations,
	}
}
