package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// UserStore implements domain.UserStore using PostgreSQL.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a new UserStore backed by the given connection pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

const userSelectCols = `address, webhook_id, enc_shared_secret, enc_mnemonic, dydx_address,
	enc_telegram_token, enc_telegram_chat_id, status, created_at, updated_at, last_login_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	var status string
	err := row.Scan(
		&u.Address, &u.WebhookID, &u.EncSharedSecret, &u.EncMnemonic, &u.DydxAddress,
		&u.EncTelegramToken, &u.EncTelegramChatID, &status,
		&u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt,
	)
	if err != nil {
		return domain.User{}, err
	}
	u.Status = domain.UserStatus(status)
	return u, nil
}

// Create inserts a new user. It returns domain.ErrAlreadyExists when the
// address or webhook identifier is taken.
func (s *UserStore) Create(ctx context.Context, u domain.User) error {
	const query = `
		INSERT INTO users (
			address, webhook_id, enc_shared_secret, enc_mnemonic, dydx_address,
			enc_telegram_token, enc_telegram_chat_id, status, created_at, updated_at, last_login_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $10)`

	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	status := u.Status
	if status == "" {
		status = domain.UserStatusActive
	}
	_, err := s.pool.Exec(ctx, query,
		u.Address, u.WebhookID, u.EncSharedSecret, u.EncMnemonic, u.DydxAddress,
		u.EncTelegramToken, u.EncTelegramChatID, string(status), created, u.LastLoginAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create user %s: %w", u.Address, err)
	}
	return nil
}

// GetByAddress retrieves a user by wallet address.
func (s *UserStore) GetByAddress(ctx context.Context, address string) (domain.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userSelectCols+` FROM users WHERE address = $1`, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("postgres: get user %s: %w", address, err)
	}
	return u, nil
}

// GetByWebhookID retrieves a user by webhook identifier.
func (s *UserStore) GetByWebhookID(ctx context.Context, webhookID string) (domain.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userSelectCols+` FROM users WHERE webhook_id = $1`, webhookID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("postgres: get user by webhook: %w", err)
	}
	return u, nil
}

func (s *UserStore) update(ctx context.Context, op, address, set string, args ...any) error {
	query := `UPDATE users SET ` + set + `, updated_at = NOW() WHERE address = $1`
	tag, err := s.pool.Exec(ctx, query, append([]any{address}, args...)...)
	if err != nil {
		return fmt.Errorf("postgres: %s for %s: %w", op, address, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetSharedSecret replaces the encrypted webhook shared secret.
func (s *UserStore) SetSharedSecret(ctx context.Context, address, encSecret string) error {
	return s.update(ctx, "set shared secret", address, `enc_shared_secret = $2`, encSecret)
}

// SetMnemonic replaces the encrypted mnemonic and its derived public address.
func (s *UserStore) SetMnemonic(ctx context.Context, address, encMnemonic, dydxAddress string) error {
	return s.update(ctx, "set mnemonic", address,
		`enc_mnemonic = $2, dydx_address = $3`, encMnemonic, dydxAddress)
}

// SetTelegram replaces the encrypted Telegram bot token and chat id.
func (s *UserStore) SetTelegram(ctx context.Context, address, encToken, encChatID string) error {
	return s.update(ctx, "set telegram", address,
		`enc_telegram_token = $2, enc_telegram_chat_id = $3`, encToken, encChatID)
}

// SetStatus switches a user between active and disabled.
func (s *UserStore) SetStatus(ctx context.Context, address string, status domain.UserStatus) error {
	return s.update(ctx, "set status", address, `status = $2`, string(status))
}

// TouchLogin records the time of the latest successful login.
func (s *UserStore) TouchLogin(ctx context.Context, address string, at time.Time) error {
	return s.update(ctx, "touch login", address, `last_login_at = $2`, at)
}
