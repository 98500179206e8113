package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps err onto a status code and writes it. Server-side
// failures are logged with their cause and reported with a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, action string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+action+" failed",
			slog.String("error", err.Error()),
		)
	}
	writeError(w, status, publicMessage(status, err))
}

// statusFor maps a service error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidRiskParameters),
		errors.Is(err, domain.ErrCredentialsMissing):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrReplayed),
		errors.Is(err, domain.ErrPositionClosed),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUpstreamTransient),
		errors.Is(err, domain.ErrUpstreamTerminal):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is the error text safe to return to the caller.
func publicMessage(status int, err error) string {
	switch status {
	case http.StatusInternalServerError:
		return "internal server error"
	case http.StatusBadGateway:
		return "exchange request failed"
	case http.StatusUnauthorized:
		// Every credential rejection looks the same from outside; the
		// reason is logged by the authenticator only.
		return "unauthorized"
	default:
		return err.Error()
	}
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty request body", domain.ErrValidation)
		}
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err)
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
