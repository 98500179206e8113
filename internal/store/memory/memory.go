// Package memory implements the domain stores in process memory. It backs
// single-process paper trading and the service tests, and mirrors the
// conditional semantics of the Postgres stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// UserStore implements domain.UserStore.
type UserStore struct {
	mu        sync.RWMutex
	byAddress map[string]domain.User
	byWebhook map[string]string
}

// NewUserStore creates an empty UserStore.
func NewUserStore() *UserStore {
	return &UserStore{
		byAddress: make(map[string]domain.User),
		byWebhook: make(map[string]string),
	}
}

func (s *UserStore) Create(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byAddress[u.Address]; ok {
		return domain.ErrAlreadyExists
	}
	if _, ok := s.byWebhook[u.WebhookID]; ok {
		return domain.ErrAlreadyExists
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = u.CreatedAt
	if u.Status == "" {
		u.Status = domain.UserStatusActive
	}
	s.byAddress[u.Address] = u
	s.byWebhook[u.WebhookID] = u.Address
	return nil
}

func (s *UserStore) GetByAddress(_ context.Context, address string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byAddress[address]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (s *UserStore) GetByWebhookID(_ context.Context, webhookID string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.byWebhook[webhookID]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return s.byAddress[addr], nil
}

func (s *UserStore) mutate(address string, fn func(*domain.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byAddress[address]
	if !ok {
		return domain.ErrNotFound
	}
	fn(&u)
	u.UpdatedAt = time.Now().UTC()
	s.byAddress[address] = u
	return nil
}

func (s *UserStore) SetSharedSecret(_ context.Context, address, encSecret string) error {
	return s.mutate(address, func(u *domain.User) { u.EncSharedSecret = encSecret })
}

func (s *UserStore) SetMnemonic(_ context.Context, address, encMnemonic, dydxAddress string) error {
	return s.mutate(address, func(u *domain.User) {
		u.EncMnemonic = encMnemonic
		u.DydxAddress = dydxAddress
	})
}

func (s *UserStore) SetTelegram(_ context.Context, address, encToken, encChatID string) error {
	return s.mutate(address, func(u *domain.User) {
		u.EncTelegramToken = encToken
		u.EncTelegramChatID = encChatID
	})
}

func (s *UserStore) SetStatus(_ context.Context, address string, status domain.UserStatus) error {
	return s.mutate(address, func(u *domain.User) { u.Status = status })
}

func (s *UserStore) TouchLogin(_ context.Context, address string, at time.Time) error {
	return s.mutate(address, func(u *domain.User) { u.LastLoginAt = &at })
}

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.Position)}
}

func clonePosition(p domain.Position) domain.Position {
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		p.ClosedAt = &t
	}
	if p.ExitPrice != nil {
		v := *p.ExitPrice
		p.ExitPrice = &v
	}
	if p.RealizedPnL != nil {
		v := *p.RealizedPnL
		p.RealizedPnL = &v
	}
	if p.ClosingReason != nil {
		r := *p.ClosingReason
		p.ClosingReason = &r
	}
	return p
}

func (s *PositionStore) Create(_ context.Context, p domain.Position) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; ok {
		return false, nil
	}
	p.Status = domain.PositionStatusOpen
	p.ClosedAt, p.ExitPrice, p.RealizedPnL, p.ClosingReason = nil, nil, nil, nil
	s.positions[p.ID] = clonePosition(p)
	return true, nil
}

func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return clonePosition(p), nil
}

func (s *PositionStore) GetForUser(ctx context.Context, userAddress, id string) (domain.Position, error) {
	p, err := s.GetByID(ctx, id)
	if err != nil {
		return p, err
	}
	if p.UserAddress != userAddress {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *PositionStore) filter(keep func(domain.Position) bool) []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.positions {
		if keep(p) {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (s *PositionStore) ListOpen(_ context.Context) ([]domain.Position, error) {
	return s.filter(func(p domain.Position) bool { return p.IsOpen() }), nil
}

func (s *PositionStore) ListByUser(_ context.Context, userAddress string, status domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error) {
	out := s.filter(func(p domain.Position) bool {
		if p.UserAddress != userAddress || (status != "" && p.Status != status) {
			return false
		}
		if opts.Since != nil && p.OpenedAt.Before(*opts.Since) {
			return false
		}
		if opts.Until != nil && p.OpenedAt.After(*opts.Until) {
			return false
		}
		return true
	})
	// Newest first, like the SQL store.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *PositionStore) CountOpenByUser(_ context.Context, userAddress string) (int, error) {
	return len(s.filter(func(p domain.Position) bool {
		return p.IsOpen() && p.UserAddress == userAddress
	})), nil
}

func (s *PositionStore) Close(_ context.Context, c domain.PositionClose) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[c.ID]
	if !ok || !p.IsOpen() {
		return false, nil
	}
	reason := c.Reason
	exit, pnl, closedAt := c.ExitPrice, c.RealizedPnL, c.ClosedAt
	p.Status = domain.PositionStatusClosed
	p.ClosingReason = &reason
	p.ExitPrice = &exit
	p.RealizedPnL = &pnl
	p.ClosedAt = &closedAt
	p.DanglingOrderID = c.DanglingOrderID
	s.positions[c.ID] = p
	return true, nil
}

func (s *PositionStore) update(id string, fn func(*domain.Position)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	fn(&p)
	s.positions[id] = p
	return nil
}

func (s *PositionStore) MarkEntryConfirmed(_ context.Context, id string) error {
	return s.update(id, func(p *domain.Position) { p.EntryConfirmed = true })
}

func (s *PositionStore) FlagReconciliation(_ context.Context, id, note string) error {
	return s.update(id, func(p *domain.Position) {
		p.NeedsReconciliation = true
		p.ReconciliationNote = note
	})
}

func (s *PositionStore) ListDangling(_ context.Context) ([]domain.Position, error) {
	return s.filter(func(p domain.Position) bool { return p.DanglingOrderID != "" }), nil
}

func (s *PositionStore) SetDanglingOrders(_ context.Context, id, orderIDs string) error {
	err := s.update(id, func(p *domain.Position) { p.DanglingOrderID = orderIDs })
	if err == domain.ErrNotFound {
		return nil
	}
	return err
}

func (s *PositionStore) DeleteOrphan(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || !p.IsOpen() || p.EntryConfirmed {
		return false, nil
	}
	delete(s.positions, id)
	return true, nil
}

func (s *PositionStore) ListClosedBetween(_ context.Context, from, to time.Time, limit int) ([]domain.Position, error) {
	out := s.filter(func(p domain.Position) bool {
		return !p.IsOpen() && p.ClosedAt != nil && !p.ClosedAt.Before(from) && p.ClosedAt.Before(to)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Events returns the logged event names in order. Used by tests.
func (s *AuditStore) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.Event
	}
	return names
}
