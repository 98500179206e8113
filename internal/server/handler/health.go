package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each dependency probe.
const checkTimeout = 3 * time.Second

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks []HealthCheck
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler that runs the given checks on
// every request.
func NewHealthHandler(logger *slog.Logger, checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logHandler(logger, "health")}
}

// HealthCheck responds with the status of every dependency. Any failing
// check degrades the response to 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.checks))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			state := "ok"
			if err := c.Check(ctx); err != nil {
				state = "error"
				h.logger.WarnContext(r.Context(), "handler: health check failed",
					slog.String("check", c.Name),
					slog.String("error", err.Error()),
				)
			}
			mu.Lock()
			results[c.Name] = state
			mu.Unlock()
		}()
	}
	wg.Wait()

	status, code := "ok", http.StatusOK
	for _, state := range results {
		if state != "ok" {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"checks":    results,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
