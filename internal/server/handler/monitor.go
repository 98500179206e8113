package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/dydxrelay/internal/server/middleware"
)

// MonitorTrigger requests an immediate monitor cycle.
type MonitorTrigger interface {
	Trigger()
}

// MonitorHandler serves the monitor trigger endpoint.
type MonitorHandler struct {
	monitor MonitorTrigger
	logger  *slog.Logger
}

// NewMonitorHandler creates a MonitorHandler.
func NewMonitorHandler(monitor MonitorTrigger, logger *slog.Logger) *MonitorHandler {
	return &MonitorHandler{monitor: monitor, logger: logHandler(logger, "monitor")}
}

// TriggerCycle enqueues one monitor cycle. A cycle already pending absorbs
// the request.
// POST /api/monitor/trigger
func (h *MonitorHandler) TriggerCycle(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "handler: monitor trigger requested",
		slog.String("wallet", middleware.WalletFrom(r.Context())),
	)
	h.monitor.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"message":      "monitor cycle enqueued",
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}
