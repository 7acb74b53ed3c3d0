package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nholden/storekeeper/internal/integrity"
	"github.com/nholden/storekeeper/internal/remote"
	"github.com/nholden/storekeeper/internal/restore"
)

// RestoreHandler stages restores and clears stuck commands.
type RestoreHandler struct {
	coordinator *restore.Coordinator
	logger      *slog.Logger
}

// NewRestoreHandler creates the handler.
func NewRestoreHandler(coordinator *restore.Coordinator, logger *slog.Logger) *RestoreHandler {
	return &RestoreHandler{coordinator: coordinator, logger: logger}
}

// Stage stages a restore and requests an application restart. The restore
// itself runs at the start of the next process lifetime.
func (h *RestoreHandler) Stage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BackupID string `json:"backup_id"`
		Source   string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.BackupID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "backup_id is required"})
		return
	}

	source := restore.Source(req.Source)
	if source != restore.SourceLocal && source != restore.SourceRemote {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source must be \"local\" or \"remote\""})
		return
	}

	if err := h.coordinator.Stage(r.Context(), req.BackupID, source); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, integrity.ErrMismatch):
			status = http.StatusConflict
		case errors.Is(err, remote.ErrNotAuthenticated):
			status = http.StatusUnauthorized
		}
		h.logger.Error("stage restore", "id", req.BackupID, "error", err)
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"staged":  true,
		"message": "restore staged; application will restart to apply it",
	})
}

// Pending reports whether a restore command is staged.
func (h *RestoreHandler) Pending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"pending": h.coordinator.Pending()})
}

// ClearPending removes a stuck restore command. This is the explicit cleanup
// action the health report recommends; it is never run automatically.
func (h *RestoreHandler) ClearPending(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.ClearPending(); err != nil {
		h.logger.Error("clear pending restore", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}
