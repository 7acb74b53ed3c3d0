// Package server wires the handlers and the event hub into an HTTP router
// for the desktop UI shell.
package server

import (
	"log/slog"
	"net/http"

	"github.com/nholden/storekeeper/internal/backup"
	"github.com/nholden/storekeeper/internal/config"
	"github.com/nholden/storekeeper/internal/events"
	"github.com/nholden/storekeeper/internal/handler"
	"github.com/nholden/storekeeper/internal/restore"
)

// Server holds the API handlers and the WebSocket hub.
type Server struct {
	hub       *events.Hub
	backupH   *handler.BackupHandler
	restoreH  *handler.RestoreHandler
	settingsH *handler.SettingsHandler
	healthH   *handler.HealthHandler
	logger    *slog.Logger
}

// New wires the server from the subsystem services.
func New(cfg *config.Store, creator *backup.Creator, scheduler *backup.Scheduler, monitor *backup.Monitor, coordinator *restore.Coordinator, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		hub:       hub,
		backupH:   handler.NewBackupHandler(creator, logger.With("component", "backup-api")),
		restoreH:  handler.NewRestoreHandler(coordinator, logger.With("component", "restore-api")),
		settingsH: handler.NewSettingsHandler(cfg, scheduler, creator, coordinator, hub, logger.With("component", "settings-api")),
		healthH:   handler.NewHealthHandler(monitor),
		logger:    logger,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/backups", s.backupH.List)
	mux.HandleFunc("POST /api/backups", s.backupH.Create)
	mux.HandleFunc("DELETE /api/backups/{id}", s.backupH.Delete)
	mux.HandleFunc("GET /api/backups/quota", s.backupH.Quota)

	mux.HandleFunc("POST /api/restore", s.restoreH.Stage)
	mux.HandleFunc("GET /api/restore/pending", s.restoreH.Pending)
	mux.HandleFunc("DELETE /api/restore/pending", s.restoreH.ClearPending)

	mux.HandleFunc("GET /api/health", s.healthH.Check)

	mux.HandleFunc("GET /api/settings/backup", s.settingsH.Get)
	mux.HandleFunc("PUT /api/settings/backup", s.settingsH.Update)

	mux.HandleFunc("GET /ws", events.HandleWebSocket(s.hub, s.logger.With("component", "websocket")))

	return mux
}
