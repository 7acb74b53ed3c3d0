package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nholden/storekeeper/internal/backup"
	"github.com/nholden/storekeeper/internal/config"
	"github.com/nholden/storekeeper/internal/events"
	"github.com/nholden/storekeeper/internal/remote"
	"github.com/nholden/storekeeper/internal/restore"
)

// SettingsHandler reads and mutates the backup configuration document.
type SettingsHandler struct {
	cfg         *config.Store
	scheduler   *backup.Scheduler
	creator     *backup.Creator
	coordinator *restore.Coordinator
	hub         *events.Hub
	logger      *slog.Logger
}

// NewSettingsHandler creates the handler.
func NewSettingsHandler(cfg *config.Store, scheduler *backup.Scheduler, creator *backup.Creator, coordinator *restore.Coordinator, hub *events.Hub, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{cfg: cfg, scheduler: scheduler, creator: creator, coordinator: coordinator, hub: hub, logger: logger}
}

// settingsView is the client-facing shape; secrets are redacted on read.
type settingsView struct {
	Schedule  config.ScheduleConfig  `json:"schedule"`
	Retention config.RetentionConfig `json:"retention"`
	Remote    remoteView             `json:"remote"`
}

type remoteView struct {
	Enabled    bool   `json:"enabled"`
	Endpoint   string `json:"endpoint"`
	Bucket     string `json:"bucket"`
	Region     string `json:"region"`
	Configured bool   `json:"configured"`
	QuotaBytes int64  `json:"quota_bytes"`
}

// Get returns the current backup settings.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg.Get()
	writeJSON(w, http.StatusOK, settingsView{
		Schedule:  cfg.Schedule,
		Retention: cfg.Retention,
		Remote: remoteView{
			Enabled:    cfg.Remote.Enabled,
			Endpoint:   cfg.Remote.Endpoint,
			Bucket:     cfg.Remote.Bucket,
			Region:     cfg.Remote.Region,
			Configured: cfg.Remote.AccessKey != "" && cfg.Remote.SecretKey != "",
			QuotaBytes: cfg.Remote.QuotaBytes,
		},
	})
}

// Update applies a partial settings mutation, persists the document, and
// re-arms the scheduler or replica as needed.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Schedule  *config.ScheduleConfig  `json:"schedule"`
		Retention *config.RetentionConfig `json:"retention"`
		Remote    *config.RemoteConfig    `json:"remote"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	if req.Schedule != nil {
		// Reject malformed schedules before persisting anything.
		if _, err := backup.ParseSchedule(*req.Schedule); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := h.cfg.SetSchedule(*req.Schedule); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := h.scheduler.Reload(*req.Schedule); err != nil {
			h.logger.Error("reload scheduler", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "settings saved but scheduler reload failed"})
			return
		}
	}

	if req.Retention != nil {
		if err := h.cfg.SetRetention(*req.Retention); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	if req.Remote != nil {
		if err := h.cfg.SetRemote(*req.Remote); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		replica, err := remote.NewS3(*req.Remote)
		if err != nil {
			// Incomplete credentials degrade to local-only operation.
			h.logger.Warn("remote replica unavailable", "error", err)
			h.creator.SetReplica(nil)
			h.coordinator.SetReplica(nil, nil)
		} else {
			var decrypt func([]byte) ([]byte, error)
			if pass := req.Remote.Passphrase; pass != "" {
				decrypt = func(data []byte) ([]byte, error) { return backup.Open(data, pass) }
			}
			// Creator and coordinator must see the same credentials: a restore
			// staged right after authenticating has to work.
			h.creator.SetReplica(replica)
			h.coordinator.SetReplica(replica, decrypt)
		}
	}

	if h.hub != nil {
		h.hub.Broadcast(events.New(events.KindSettingsUpdated, nil))
	}
	h.Get(w, r)
}
