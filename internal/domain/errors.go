package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrRateLimited           = errors.New("rate limited")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrValidation            = errors.New("validation failed")
	ErrReplayed              = errors.New("duplicate delivery")
	ErrUpstreamTransient     = errors.New("upstream transient failure")
	ErrUpstreamTerminal      = errors.New("upstream rejected request")
	ErrPersistence           = errors.New("persistence failure")
	ErrDecryption            = errors.New("decryption failed")
	ErrCredentialsMissing    = errors.New("credentials not configured")
	ErrInvalidRiskParameters = errors.New("invalid risk parameters")
	ErrLockHeld              = errors.New("lock already held")
	ErrPositionClosed        = errors.New("position already closed")
)

// AuthReason is the rejection reason reported by the webhook authenticator.
type AuthReason string

const (
	AuthUnknownIdentifier AuthReason = "unknown_identifier"
	AuthMissingSecret     AuthReason = "missing_secret"
	AuthSecretMismatch    AuthReason = "secret_mismatch"
	AuthRateLimited       AuthReason = "rate_limited"
	AuthMalformedBody     AuthReason = "malformed_body"
	AuthReplayed          AuthReason = "replayed"
)

// AuthError is returned when an inbound webhook is rejected.
type AuthError struct {
	Reason AuthReason
}

func (e *AuthError) Error() string {
	return "webhook auth: " + string(e.Reason)
}

// Unwrap maps the reason onto the error class used for HTTP status mapping.
func (e *AuthError) Unwrap() error {
	switch e.Reason {
	case AuthRateLimited:
		return ErrRateLimited
	case AuthMalformedBody:
		return ErrValidation
	case AuthReplayed:
		return ErrReplayed
	default:
		return ErrUnauthorized
	}
}

// AuthReasonOf extracts the rejection reason from err, if any.
func AuthReasonOf(err error) (AuthReason, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Reason, true
	}
	return "", false
}

// UpstreamError wraps a failure returned by the exchange.
type UpstreamError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *UpstreamError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("exchange %s (%s): %v", e.Op, kind, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	if e.Transient {
		return []error{ErrUpstreamTransient, e.Err}
	}
	return []error{ErrUpstreamTerminal, e.Err}
}

// Transient wraps err as a retryable exchange failure.
func Transient(op string, err error) error {
	return &UpstreamError{Op: op, Transient: true, Err: err}
}

// Terminal wraps err as a non-retryable exchange rejection.
func Terminal(op string, err error) error {
	return &UpstreamError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUpstreamTransient)
}

// ReconciliationWarning marks a position whose protective orders need review.
// It never fails the trade that produced it.
type ReconciliationWarning struct {
	PositionID string
	Reason     string
}

func (w ReconciliationWarning) Error() string {
	return fmt.Sprintf("position %s needs reconciliation: %s", w.PositionID, w.Reason)
}
