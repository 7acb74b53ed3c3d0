package handler

import (
	"net/http"

	"github.com/nholden/storekeeper/internal/backup"
)

// HealthHandler serves the read-only diagnostic sweep.
type HealthHandler struct {
	monitor *backup.Monitor
}

// NewHealthHandler creates the handler.
func NewHealthHandler(monitor *backup.Monitor) *HealthHandler {
	return &HealthHandler{monitor: monitor}
}

// Check runs the sweep and reports issues and recommendations.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	rep := h.monitor.Check()
	status := http.StatusOK
	if !rep.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}
