package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
	"github.com/alanyoungcy/dydxrelay/internal/server/middleware"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	List(ctx context.Context, wallet string, status domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error)
	Get(ctx context.Context, wallet, id string) (domain.Position, error)
	ManualClose(ctx context.Context, wallet, id string) (domain.Position, error)
}

// PositionHandler serves the caller's positions.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "position"),
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns the caller's positions, optionally filtered by
// status.
// GET /api/positions?status=open|closed
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	status := domain.PositionStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.PositionStatusOpen, domain.PositionStatusClosed:
	default:
		writeError(w, http.StatusBadRequest, "status must be open or closed")
		return
	}

	positions, err := h.positions.List(r.Context(), middleware.WalletFrom(r.Context()), status, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one of the caller's positions.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.Get(r.Context(), middleware.WalletFrom(r.Context()), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ClosePosition closes one of the caller's open positions at market.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.ManualClose(r.Context(), middleware.WalletFrom(r.Context()), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "close position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
