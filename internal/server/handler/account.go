package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/dydxrelay/internal/server/middleware"
)

// AccountHandler serves the signed-in user's own profile and credentials.
type AccountHandler struct {
	users  AccountService
	logger *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(users AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{users: users, logger: logHandler(logger, "account")}
}

// Me returns the caller's public profile.
// GET /api/me
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	profile, err := h.users.Profile(r.Context(), middleware.WalletFrom(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, "profile", err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type mnemonicRequest struct {
	Mnemonic string `json:"mnemonic"`
}

// SetMnemonic stores the caller's exchange mnemonic.
// PUT /api/me/mnemonic
func (h *AccountHandler) SetMnemonic(w http.ResponseWriter, r *http.Request) {
	var req mnemonicRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	profile, err := h.users.SetMnemonic(r.Context(), middleware.WalletFrom(r.Context()), strings.TrimSpace(req.Mnemonic))
	if err != nil {
		writeServiceError(w, r, h.logger, "set mnemonic", err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type telegramRequest struct {
	Token  string `json:"token"`
	ChatID string `json:"chat_id"`
}

// SetTelegram stores the caller's Telegram bot token and chat id.
// PUT /api/me/telegram
func (h *AccountHandler) SetTelegram(w http.ResponseWriter, r *http.Request) {
	var req telegramRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	profile, err := h.users.SetTelegram(r.Context(), middleware.WalletFrom(r.Context()),
		strings.TrimSpace(req.Token), strings.TrimSpace(req.ChatID))
	if err != nil {
		writeServiceError(w, r, h.logger, "set telegram", err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// RotateWebhookSecret issues a new shared secret. The old one stops working
// immediately.
// POST /api/me/webhook-secret
func (h *AccountHandler) RotateWebhookSecret(w http.ResponseWriter, r *http.Request) {
	secret, err := h.users.RotateWebhookSecret(r.Context(), middleware.WalletFrom(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, "rotate webhook secret", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"webhook_secret": secret})
}

// Deactivate soft-disables the caller's account.
// DELETE /api/me
func (h *AccountHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.users.Deactivate(r.Context(), middleware.WalletFrom(r.Context())); err != nil {
		writeServiceError(w, r, h.logger, "deactivate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
