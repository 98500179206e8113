package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// UserStore persists tenants. Each credential is updated on its own.
type UserStore interface {
	Create(ctx context.Context, u User) error
	GetByAddress(ctx context.Context, address string) (User, error)
	GetByWebhookID(ctx context.Context, webhookID string) (User, error)
	SetSharedSecret(ctx context.Context, address, encSecret string) error
	SetMnemonic(ctx context.Context, address, encMnemonic, dydxAddress string) error
	SetTelegram(ctx context.Context, address, encToken, encChatID string) error
	SetStatus(ctx context.Context, address string, status UserStatus) error
	TouchLogin(ctx context.Context, address string, at time.Time) error
}

// PositionStore persists positions. Close is a conditional transition that
// succeeds at most once per position.
type PositionStore interface {
	// Create inserts pos; it reports false if a row with the same ID exists.
	Create(ctx context.Context, pos Position) (bool, error)
	GetByID(ctx context.Context, id string) (Position, error)
	GetForUser(ctx context.Context, userAddress, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListByUser(ctx context.Context, userAddress string, status PositionStatus, opts ListOpts) ([]Position, error)
	CountOpenByUser(ctx context.Context, userAddress string) (int, error)
	Close(ctx context.Context, c PositionClose) (bool, error)
	MarkEntryConfirmed(ctx context.Context, id string) error
	FlagReconciliation(ctx context.Context, id, note string) error
	ListDangling(ctx context.Context) ([]Position, error)
	// SetDanglingOrders replaces the dangling order list; "" clears it.
	SetDanglingOrders(ctx context.Context, id, orderIDs string) error
	// DeleteOrphan removes an open, unconfirmed position; it reports whether a row was removed.
	DeleteOrphan(ctx context.Context, id string) (bool, error)
	// ListClosedBetween returns positions closed in [from, to), oldest
	// first. A zero from is unbounded.
	ListClosedBetween(ctx context.Context, from, to time.Time, limit int) ([]Position, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
