package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/dydxrelay/internal/crypto"
	"github.com/alanyoungcy/dydxrelay/internal/domain"
	"github.com/alanyoungcy/dydxrelay/internal/risk"
)

// Sealer encrypts single vault fields. *crypto.Vault implements it.
type Sealer interface {
	EncryptString(plaintext, scope string) (string, error)
}

// UserConfig tunes wallet login.
type UserConfig struct {
	// AppName is shown in the login message the wallet signs.
	AppName      string
	ChallengeTTL time.Duration
}

// Challenge is a login message awaiting a wallet signature.
type Challenge struct {
	Address   string    `json:"address"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginResult is returned by a successful login. WebhookSecret is only set
// when the account was created by this login.
type LoginResult struct {
	Token         string             `json:"token"`
	ExpiresAt     time.Time          `json:"expires_at"`
	Created       bool               `json:"created"`
	WebhookSecret string             `json:"webhook_secret,omitempty"`
	Profile       domain.UserProfile `json:"profile"`
}

// UserDeps are the collaborators of a UserService. Audit and Notifier may
// be nil.
type UserDeps struct {
	Users      domain.UserStore
	Sealer     Sealer
	Challenges domain.ChallengeStore
	Sessions   *Sessions
	Gateway    domain.ExchangeGateway
	Audit      domain.AuditStore
	Notifier   domain.UserNotifier
}

// UserService handles wallet login and per-user credential updates. Each
// credential is updated on its own.
type UserService struct {
	users      domain.UserStore
	sealer     Sealer
	challenges domain.ChallengeStore
	sessions   *Sessions
	gateway    domain.ExchangeGateway
	events     *eventSink
	cfg        UserConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewUserService creates a UserService.
func NewUserService(deps UserDeps, cfg UserConfig, logger *slog.Logger) *UserService {
	if cfg.AppName == "" {
		cfg.AppName = "dydxrelay"
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	logger = logger.With(slog.String("component", "user_service"))
	s := &UserService{
		users:      deps.Users,
		sealer:     deps.Sealer,
		challenges: deps.Challenges,
		sessions:   deps.Sessions,
		gateway:    deps.Gateway,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
	s.events = &eventSink{audit: deps.Audit, users: deps.Notifier, logger: logger, now: func() time.Time { return s.now() }}
	return s
}

func normalizeWallet(address string) (string, error) {
	addr, err := crypto.NormalizeAddress(strings.TrimSpace(address))
	if err != nil {
		return "", &risk.ValidationError{Problems: []string{err.Error()}}
	}
	return addr, nil
}

// Challenge issues a one-time login message for address.
func (s *UserService) Challenge(ctx context.Context, address string) (Challenge, error) {
	addr, err := normalizeWallet(address)
	if err != nil {
		return Challenge{}, err
	}
	now := s.now().UTC()
	msg := fmt.Sprintf("%s wants you to sign in with your wallet.\n\nAddress: %s\nNonce: %s\nIssued At: %s",
		s.cfg.AppName, addr, uuid.NewString(), now.Format(time.RFC3339))
	if err := s.challenges.Put(ctx, addr, msg, s.cfg.ChallengeTTL); err != nil {
		return Challenge{}, fmt.Errorf("user_service: store challenge: %w", err)
	}
	return Challenge{Address: addr, Message: msg, ExpiresAt: now.Add(s.cfg.ChallengeTTL)}, nil
}

// Login verifies the signature over the pending challenge, creating the user
// on first login, and returns a session token.
func (s *UserService) Login(ctx context.Context, address, signature string) (LoginResult, error) {
	addr, err := normalizeWallet(address)
	if err != nil {
		return LoginResult{}, err
	}
	msg, err := s.challenges.Take(ctx, addr)
	if errors.Is(err, domain.ErrNotFound) {
		return LoginResult{}, fmt.Errorf("user_service: no pending challenge: %w", domain.ErrUnauthorized)
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("user_service: take challenge: %w", err)
	}
	if err := crypto.VerifyPersonalSign(addr, msg, signature); err != nil {
		s.logger.InfoContext(ctx, "login signature rejected",
			slog.String("address", addr),
			slog.String("error", err.Error()),
		)
		return LoginResult{}, fmt.Errorf("user_service: %w: %w", domain.ErrUnauthorized, err)
	}

	var res LoginResult
	user, err := s.users.GetByAddress(ctx, addr)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		user, res.WebhookSecret, err = s.create(ctx, addr)
		if err != nil {
			return LoginResult{}, err
		}
		res.Created = res.WebhookSecret != ""
	case err != nil:
		return LoginResult{}, fmt.Errorf("user_service: load user: %w", err)
	}

	now := s.now().UTC()
	if err := s.users.TouchLogin(ctx, addr, now); err != nil {
		s.logger.WarnContext(ctx, "record login time failed",
			slog.String("address", addr),
			slog.String("error", err.Error()),
		)
	} else {
		user.LastLoginAt = &now
	}

	res.Token, res.ExpiresAt, err = s.sessions.Issue(addr)
	if err != nil {
		return LoginResult{}, err
	}
	res.Profile = user.Profile()
	return res, nil
}

// create provisions a user with a fresh webhook identifier and shared
// secret. A concurrent first login for the same wallet yields the stored user
// and no secret.
func (s *UserService) create(ctx context.Context, addr string) (domain.User, string, error) {
	webhookID, err := crypto.GenerateWebhookID()
	if err != nil {
		return domain.User{}, "", err
	}
	secret, err := crypto.GenerateSharedSecret()
	if err != nil {
		return domain.User{}, "", err
	}
	enc, err := s.sealer.EncryptString(secret, crypto.Scope(addr, crypto.FieldSharedSecret))
	if err != nil {
		return domain.User{}, "", fmt.Errorf("user_service: seal secret: %w", err)
	}
	now := s.now().UTC()
	user := domain.User{
		Address:         addr,
		WebhookID:       webhookID,
		EncSharedSecret: enc,
		Status:          domain.UserStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.users.Create(ctx, user)
	if errors.Is(err, domain.ErrAlreadyExists) {
		existing, gerr := s.users.GetByAddress(ctx, addr)
		if gerr != nil {
			return domain.User{}, "", fmt.Errorf("user_service: load user: %w", gerr)
		}
		return existing, "", nil
	}
	if err != nil {
		return domain.User{}, "", fmt.Errorf("user_service: create user: %w", err)
	}
	s.events.record(ctx, AuditUserCreated, map[string]any{"user": addr})
	s.logger.InfoContext(ctx, "user created", slog.String("address", addr))
	return user, secret, nil
}

// Profile returns the public view of a user.
func (s *UserService) Profile(ctx context.Context, address string) (domain.UserProfile, error) {
	u, err := s.users.GetByAddress(ctx, address)
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("user_service: load user: %w", err)
	}
	return u.Profile(), nil
}

// SetMnemonic stores the exchange mnemonic and the public dYdX address it
// derives to.
func (s *UserService) SetMnemonic(ctx context.Context, address, mnemonic string) (domain.UserProfile, error) {
	words := strings.Fields(mnemonic)
	if n := len(words); n != 12 && n != 24 {
		return domain.UserProfile{}, &risk.ValidationError{Problems: []string{
			fmt.Sprintf("mnemonic must have 12 or 24 words, got %d", n),
		}}
	}
	creds := &domain.Credentials{UserAddress: address, Mnemonic: []byte(strings.Join(words, " "))}
	defer creds.Clear()

	dydxAddr, err := s.gateway.Address(ctx, creds)
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("user_service: derive exchange address: %w", err)
	}
	enc, err := s.sealer.EncryptString(string(creds.Mnemonic), crypto.Scope(address, crypto.FieldMnemonic))
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("user_service: seal mnemonic: %w", err)
	}
	if err := s.users.SetMnemonic(ctx, address, enc, dydxAddr); err != nil {
		return domain.UserProfile{}, fmt.Errorf("user_service: store mnemonic: %w", err)
	}
	s.events.record(ctx, AuditCredentialsUpdated, map[string]any{"user": address, "field": crypto.FieldMnemonic})
	return s.Profile(ctx, address)
}

// SetTelegram stores the user's bot token and chat id and sends a test
// message with them.
func (s *UserService) SetTelegram(ctx context.Context, address, token, chatID string) (domain.UserProfile, error) {
	token, chatID = strings.TrimSpace(token), strings.TrimSpace(chatID)
	var problems []string
	if token == "" {
		problems = append(problems, "telegram bot token is required")
	}
	if chatID == "" {
		problems = append(problems, "telegram chat id is required")
	}
	if len(problems) > 0 {
		return domain.UserProfile{}, &risk.ValidationError{Problems: problems}
	}

	encToken, err := s.sealer.EncryptString(token, crypto.Scope(address, crypto.FieldTelegramToken))
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("user_service: seal telegram token: %w", err)
	}
	encChat, err := s.sealer.EncryptString(chatID, crypto.Scope(address, crypto.FieldTelegramChatID))
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("user_service: seal telegram chat: %w", err)
	}
	if err := s.users.SetTelegram(ctx, address, encToken, encChat); err != nil {
		return domain.UserProfile{}, fmt.Errorf("user_service: store telegram: %w", err)
	}
	s.events.record(ctx, AuditCredentialsUpdated, map[string]any{"user": address, "field": "telegram"})

	creds := &domain.Credentials{UserAddress: address, TelegramToken: token, TelegramChatID: chatID}
	s.events.tellUser(ctx, creds, "Notifications enabled", "Trade and closure alerts will be sent to this chat.")
	creds.Clear()
	return s.Profile(ctx, address)
}

// RotateWebhookSecret replaces the shared secret and returns the new one.
// It is the only time the secret is shown.
func (s *UserService) RotateWebhookSecret(ctx context.Context, address string) (string, error) {
	secret, err := crypto.GenerateSharedSecret()
	if err != nil {
		return "", err
	}
	enc, err := s.sealer.EncryptString(secret, crypto.Scope(address, crypto.FieldSharedSecret))
	if err != nil {
		return "", fmt.Errorf("user_service: seal secret: %w", err)
	}
	if err := s.users.SetSharedSecret(ctx, address, enc); err != nil {
		return "", fmt.Errorf("user_service: store secret: %w", err)
	}
	s.events.record(ctx, AuditCredentialsUpdated, map[string]any{"user": address, "field": crypto.FieldSharedSecret})
	return secret, nil
}

// Deactivate disables the user. Webhooks for a disabled user are rejected
// as unknown; open positions are still monitored.
func (s *UserService) Deactivate(ctx context.Context, address string) error {
	if err := s.users.SetStatus(ctx, address, domain.UserStatusDisabled); err != nil {
		return fmt.Errorf("user_service: deactivate: %w", err)
	}
	s.events.record(ctx, AuditUserDeactivated, map[string]any{"user": address})
	s.logger.InfoContext(ctx, "user deactivated", slog.String("address", address))
	return nil
}
