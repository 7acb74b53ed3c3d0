package backup

import (
	"log/slog"
	"os"

	"github.com/nholden/storekeeper/internal/catalog"
)

// Retention deletes local artifacts beyond the configured count, newest
// kept. Remote copies are never pruned: a mirrored backup survives as a
// remote-only record.
type Retention struct {
	catalog *catalog.Catalog
	logger  *slog.Logger
}

// NewRetention creates the pruning policy over a catalog.
func NewRetention(cat *catalog.Catalog, logger *slog.Logger) *Retention {
	return &Retention{catalog: cat, logger: logger}
}

// Prune removes local artifacts beyond maxLocalCount and returns the ids
// whose local copy was deleted. Sidecar update or deletion failures after
// the artifact is gone are logged, never fatal; the health monitor surfaces
// the resulting dangling entries.
func (p *Retention) Prune(maxLocalCount int) ([]string, error) {
	if maxLocalCount < 1 {
		return nil, nil
	}

	records, err := p.catalog.List()
	if err != nil {
		return nil, err
	}

	var deleted []string
	kept := 0
	for i := range records {
		rec := &records[i]
		if !rec.Local {
			continue
		}
		if kept < maxLocalCount {
			kept++
			continue
		}

		if err := os.Remove(p.catalog.ArtifactPath(rec)); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("prune: delete artifact", "id", rec.ID, "error", err)
			continue
		}

		if rec.Remote {
			// The remote copy stays; the record survives as remote-only.
			rec.Local = false
			if err := p.catalog.Save(rec); err != nil {
				p.logger.Warn("prune: update sidecar", "id", rec.ID, "error", err)
			}
		} else {
			if err := p.catalog.Delete(rec.ID); err != nil {
				p.logger.Warn("prune: delete sidecar", "id", rec.ID, "error", err)
			}
		}
		deleted = append(deleted, rec.ID)
	}

	if len(deleted) > 0 {
		p.logger.Info("pruned local backups", "count", len(deleted), "kept", kept)
	}
	return deleted, nil
}
