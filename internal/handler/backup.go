// Package handler exposes the backup subsystem to the desktop UI shell as a
// small JSON API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nholden/storekeeper/internal/backup"
	"github.com/nholden/storekeeper/internal/catalog"
	"github.com/nholden/storekeeper/internal/remote"
)

// BackupHandler serves backup listing, creation, and deletion.
type BackupHandler struct {
	creator *backup.Creator
	logger  *slog.Logger
}

// NewBackupHandler creates the handler.
func NewBackupHandler(creator *backup.Creator, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{creator: creator, logger: logger}
}

// List returns all backups, local and remote, newest first.
func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.creator.List(r.Context())
	if err != nil {
		h.logger.Error("list backups", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list backups"})
		return
	}
	if records == nil {
		records = []catalog.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// Create runs a manual backup.
func (h *BackupHandler) Create(w http.ResponseWriter, r *http.Request) {
	result, err := h.creator.Create(r.Context(), catalog.KindManual)
	if err != nil {
		h.logger.Error("create backup", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Delete removes a backup by id.
func (h *BackupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.creator.Delete(r.Context(), id); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "backup not found"})
			return
		}
		h.logger.Error("delete backup", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// Quota reports remote usage against the advisory limit.
func (h *BackupHandler) Quota(w http.ResponseWriter, r *http.Request) {
	usage, err := h.creator.Quota(r.Context())
	if err != nil {
		if errors.Is(err, remote.ErrNotAuthenticated) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "remote storage not authenticated"})
			return
		}
		h.logger.Error("remote quota", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
