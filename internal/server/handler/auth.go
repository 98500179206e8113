package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
	"github.com/alanyoungcy/dydxrelay/internal/service"
)

// AccountService defines the user operations the auth and account handlers
// require.
type AccountService interface {
	Challenge(ctx context.Context, address string) (service.Challenge, error)
	Login(ctx context.Context, address, signature string) (service.LoginResult, error)
	Profile(ctx context.Context, address string) (domain.UserProfile, error)
	SetMnemonic(ctx context.Context, address, mnemonic string) (domain.UserProfile, error)
	SetTelegram(ctx context.Context, address, token, chatID string) (domain.UserProfile, error)
	RotateWebhookSecret(ctx context.Context, address string) (string, error)
	Deactivate(ctx context.Context, address string) error
}

// AuthHandler serves wallet login.
type AuthHandler struct {
	users  AccountService
	logger *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(users AccountService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{users: users, logger: logHandler(logger, "auth")}
}

type challengeRequest struct {
	Address string `json:"address"`
}

// Challenge issues a login message for the wallet to sign.
// POST /api/auth/challenge
func (h *AuthHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ch, err := h.users.Challenge(r.Context(), req.Address)
	if err != nil {
		writeServiceError(w, r, h.logger, "challenge", err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type loginRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// Login verifies the signed challenge and returns a session token. The
// response carries the webhook secret only when the account was created.
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.users.Login(r.Context(), req.Address, req.Signature)
	if err != nil {
		writeServiceError(w, r, h.logger, "login", err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}
