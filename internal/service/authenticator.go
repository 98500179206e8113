package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/dydxrelay/internal/crypto"
	"github.com/alanyoungcy/dydxrelay/internal/domain"
	"github.com/alanyoungcy/dydxrelay/internal/risk"
)

// SecretOpener decrypts single vault fields. *crypto.Vault implements it.
type SecretOpener interface {
	DecryptString(envelope, scope string) (string, error)
}

// WebhookConfig bounds inbound webhook traffic per identifier.
type WebhookConfig struct {
	RateLimit    int
	RateWindow   time.Duration
	ReplayWindow time.Duration
}

// WebhookAuthenticator verifies the two webhook factors: the identifier in the
// URL path and the shared secret in the body.
type WebhookAuthenticator struct {
	users   domain.UserStore
	secrets SecretOpener
	limiter domain.RateLimiter
	replay  domain.OnceGuard
	cfg     WebhookConfig
	logger  *slog.Logger
	dummy   string
}

// NewWebhookAuthenticator creates a WebhookAuthenticator. replay may be nil
// to disable duplicate-delivery rejection.
func NewWebhookAuthenticator(
	users domain.UserStore,
	secrets SecretOpener,
	limiter domain.RateLimiter,
	replay domain.OnceGuard,
	cfg WebhookConfig,
	logger *slog.Logger,
) *WebhookAuthenticator {
	a := &WebhookAuthenticator{
		users:   users,
		secrets: secrets,
		limiter: limiter,
		replay:  replay,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "webhook_auth")),
	}
	// Unknown identifiers compare against this value so the rejection path
	// does the same work as a real mismatch.
	a.dummy, _ = crypto.GenerateSharedSecret()
	return a
}

// Authenticate resolves the user behind identifier and parses the signal in
// body. Rejections are *domain.AuthError values. The decrypted shared secret
// never leaves this method.
func (a *WebhookAuthenticator) Authenticate(ctx context.Context, identifier string, body []byte) (domain.User, domain.Signal, error) {
	if a.limiter != nil && a.cfg.RateLimit > 0 {
		allowed, err := a.limiter.Allow(ctx, "ratelimit:webhook:"+identifier, a.cfg.RateLimit, a.cfg.RateWindow)
		switch {
		case err != nil:
			a.logger.WarnContext(ctx, "rate limiter unavailable, allowing request",
				slog.String("webhook", shortID(identifier)),
				slog.String("error", err.Error()),
			)
		case !allowed:
			return domain.User{}, domain.Signal{}, &domain.AuthError{Reason: domain.AuthRateLimited}
		}
	}

	sig, err := ParseSignal(body)
	if err != nil {
		a.logger.InfoContext(ctx, "malformed webhook body",
			slog.String("webhook", shortID(identifier)),
			slog.String("error", err.Error()),
		)
		return domain.User{}, domain.Signal{}, &domain.AuthError{Reason: domain.AuthMalformedBody}
	}

	// Checked before the lookup so an empty secret says nothing about
	// whether identifier exists.
	if sig.Secret == "" {
		return domain.User{}, domain.Signal{}, &domain.AuthError{Reason: domain.AuthMissingSecret}
	}

	user, err := a.users.GetByWebhookID(ctx, identifier)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, domain.Signal{}, fmt.Errorf("webhook auth: lookup identifier: %w", err)
	}
	if err != nil || !user.Active() {
		crypto.SecretsEqual(a.dummy, sig.Secret)
		return domain.User{}, domain.Signal{}, &domain.AuthError{Reason: domain.AuthUnknownIdentifier}
	}

	if user.EncSharedSecret == "" {
		crypto.SecretsEqual(a.dummy, sig.Secret)
		return domain.User{}, domain.Signal{}, &domain.AuthError{Reason: domain.AuthSecretMismatch}
	}
	stored, err := a.secrets.DecryptString(user.EncSharedSecret, crypto.Scope(user.Address, crypto.FieldSharedSecret))
	if err != nil {
		return domain.User{}, domain.Signal{}, fmt.Errorf("webhook auth: open shared secret: %w", err)
	}
	ok := crypto.SecretsEqual(stored, sig.Secret)
	sig.Secret = ""
	if !ok {
		a.logger.WarnContext(ctx, "webhook secret mismatch",
			slog.String("webhook", shortID(identifier)),
			slog.String("user", user.Address),
		)
		return domain.User{}, domain.Signal{}, &domain.AuthError{Reason: domain.AuthSecretMismatch}
	}

	if a.replay != nil && a.cfg.ReplayWindow > 0 {
		first, err := a.replay.Claim(ctx, "webhook:replay:"+deliveryDigest(identifier, body), a.cfg.ReplayWindow)
		switch {
		case err != nil:
			a.logger.WarnContext(ctx, "replay guard unavailable, allowing request",
				slog.String("user", user.Address),
				slog.String("error", err.Error()),
			)
		case !first:
			return domain.User{}, domain.Signal{}, &domain.AuthError{Reason: domain.AuthReplayed}
		}
	}

	return user, sig, nil
}

func deliveryDigest(identifier string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(identifier))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// shortID keeps webhook identifiers out of logs beyond a short prefix.
func shortID(id string) string {
	if len(id) <= 6 {
		return id
	}
	return id[:6] + "..."
}

// signalPayload accepts numbers either as JSON numbers or numeric strings,
// since alert templates often quote placeholders.
type signalPayload struct {
	Symbol     string     `json:"symbol"`
	Side       string     `json:"side"`
	Secret     string     `json:"secret"`
	Price      *flexFloat `json:"price"`
	Size       *flexFloat `json:"size"`
	TakeProfit *flexFloat `json:"take_profit"`
	StopLoss   *flexFloat `json:"stop_loss"`
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(strings.TrimSpace(s))
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*f = flexFloat(v)
	return nil
}

func (f *flexFloat) ptr() *float64 {
	if f == nil {
		return nil
	}
	v := float64(*f)
	return &v
}

// ParseSignal decodes a webhook body. It checks only that the body is a JSON
// object naming a symbol and side; value validation happens in the risk
// stage. "buy" and "sell" are accepted for long and short.
func ParseSignal(body []byte) (domain.Signal, error) {
	var p signalPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&p); err != nil {
		return domain.Signal{}, fmt.Errorf("decode body: %w", err)
	}
	if p.Symbol == "" || p.Side == "" {
		return domain.Signal{}, errors.New("symbol and side are required")
	}
	return domain.Signal{
		Symbol:     risk.NormalizeSymbol(p.Symbol),
		Side:       parseSide(p.Side),
		Secret:     p.Secret,
		Price:      p.Price.ptr(),
		Size:       p.Size.ptr(),
		TakeProfit: p.TakeProfit.ptr(),
		StopLoss:   p.StopLoss.ptr(),
	}, nil
}

func parseSide(s string) domain.Side {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return domain.SideLong
	case "short", "sell":
		return domain.SideShort
	default:
		return domain.Side(strings.ToLower(s))
	}
}
