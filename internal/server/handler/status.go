package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/dydxrelay/internal/service"
)

// CycleReporter exposes the outcome of the last monitor cycle.
type CycleReporter interface {
	LastCycle() (service.CycleReport, bool)
}

// StatusHandler serves the relay's runtime status for the dashboard.
type StatusHandler struct {
	Mode      string
	Exchange  string
	StartedAt time.Time
	monitor   CycleReporter
}

// NewStatusHandler creates a StatusHandler. monitor may be nil when the
// process does not run the position monitor.
func NewStatusHandler(mode, exchange string, startedAt time.Time, monitor CycleReporter) *StatusHandler {
	return &StatusHandler{Mode: mode, Exchange: exchange, StartedAt: startedAt, monitor: monitor}
}

// GetStatus responds with the mode, exchange backend, uptime and the last
// monitor cycle.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.Mode,
		"exchange":       h.Exchange,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	}
	if h.monitor != nil {
		if report, ok := h.monitor.LastCycle(); ok {
			resp["last_cycle"] = report
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
