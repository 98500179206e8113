package middleware

import (
	"context"
	"net/http"
	"strings"
)

// TokenVerifier turns a session token into the wallet address it was issued
// for.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

type walletKey struct{}

// WithWallet returns a copy of ctx carrying the authenticated wallet.
func WithWallet(ctx context.Context, wallet string) context.Context {
	return context.WithValue(ctx, walletKey{}, wallet)
}

// WalletFrom returns the authenticated wallet stored by Session, or "".
func WalletFrom(ctx context.Context) string {
	w, _ := ctx.Value(walletKey{}).(string)
	return w
}

// Session returns middleware that requires a valid session token in the
// Authorization header (Bearer scheme) or, for WebSocket upgrades, in the
// token query parameter.
func Session(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing session token")
				return
			}
			wallet, err := verifier.Verify(token)
			if err != nil {
				writeUnauthorized(w, "invalid session token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithWallet(r.Context(), wallet)))
		})
	}
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the token query parameter.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	// Browsers cannot set headers on WebSocket upgrades.
	if websocketUpgrade(r) {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
