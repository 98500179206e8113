package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
	"github.com/alanyoungcy/dydxrelay/internal/service"
)

// TradeExecutor runs the trade pipeline for one webhook delivery.
type TradeExecutor interface {
	Execute(ctx context.Context, identifier string, body []byte) (service.TradeResult, error)
}

// WebhookHandler receives TradingView alerts.
type WebhookHandler struct {
	trades TradeExecutor
	logger *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(trades TradeExecutor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		trades: trades,
		logger: logHandler(logger, "webhook"),
	}
}

// webhookResponse is the body returned to the alert sender.
type webhookResponse struct {
	Success    bool   `json:"success"`
	OrderID    string `json:"order_id,omitempty"`
	TxHash     string `json:"tx_hash,omitempty"`
	PositionID string `json:"position_id,omitempty"`
	Status     string `json:"status"`
	Stage      string `json:"stage,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Signal executes one alert.
// POST /webhooks/signal/{webhook_identifier}
func (h *WebhookHandler) Signal(w http.ResponseWriter, r *http.Request) {
	identifier := pathParam(r, "webhook_identifier")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, webhookResponse{
			Status: service.TradeRejected,
			Error:  "request body too large",
		})
		return
	}

	res, err := h.trades.Execute(r.Context(), identifier, body)
	resp := webhookResponse{
		Success: err == nil,
		OrderID: res.OrderID,
		TxHash:  res.TxHash,
		Status:  res.Status,
		Stage:   string(res.Stage),
	}
	if res.Position.ID != "" && err == nil {
		resp.PositionID = res.Position.ID
	}
	if err == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	status := webhookStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		h.logger.ErrorContext(r.Context(), "handler: webhook failed",
			slog.String("stage", string(res.Stage)),
			slog.String("error", err.Error()),
		)
	}
	resp.Error = publicMessage(status, err)
	writeJSON(w, status, resp)
}

// webhookStatus maps a pipeline failure onto a status code. An unknown
// market is a bad signal here, not a missing resource.
func webhookStatus(err error) int {
	var se *service.StageError
	if errors.As(err, &se) && se.Stage == service.StageRiskValidated &&
		errors.Is(err, domain.ErrNotFound) {
		return http.StatusBadRequest
	}
	return statusFor(err)
}
