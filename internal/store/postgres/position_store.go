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

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, user_address, symbol, side, status,
	entry_price, size, entry_order_id, entry_client_id, entry_tx_hash, entry_confirmed,
	take_profit_order_id, stop_loss_order_id, take_profit_price, stop_loss_price,
	needs_reconciliation, reconciliation_note, dangling_order_id,
	opened_at, closed_at, exit_price, realized_pnl, closing_reason`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string
	var reason *string
	var clientID int64

	err := row.Scan(
		&p.ID, &p.UserAddress, &p.Symbol, &side, &status,
		&p.EntryPrice, &p.Size, &p.EntryOrderID, &clientID, &p.EntryTxHash, &p.EntryConfirmed,
		&p.TakeProfitOrderID, &p.StopLossOrderID, &p.TakeProfitPrice, &p.StopLossPrice,
		&p.NeedsReconciliation, &p.ReconciliationNote, &p.DanglingOrderID,
		&p.OpenedAt, &p.ClosedAt, &p.ExitPrice, &p.RealizedPnL, &reason,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	p.EntryClientID = uint32(clientID)
	if reason != nil {
		r := domain.ClosingReason(*reason)
		p.ClosingReason = &r
	}
	return p, nil
}

func (s *PositionStore) query(ctx context.Context, op, sql string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", op, err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return positions, nil
}

// Create inserts a new open position. Re-inserting the same id is a no-op
// that reports false, which lets persistence retries run without duplicates.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) (bool, error) {
	const query = `
		INSERT INTO positions (
			id, user_address, symbol, side, status,
			entry_price, size, entry_order_id, entry_client_id, entry_tx_hash, entry_confirmed,
			take_profit_order_id, stop_loss_order_id, take_profit_price, stop_loss_price,
			needs_reconciliation, reconciliation_note, opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4, 'open',
			$5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, NOW()
		)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.UserAddress, p.Symbol, string(p.Side),
		p.EntryPrice, p.Size, p.EntryOrderID, int64(p.EntryClientID), p.EntryTxHash, p.EntryConfirmed,
		p.TakeProfitOrderID, p.StopLossOrderID, p.TakeProfitPrice, p.StopLossPrice,
		p.NeedsReconciliation, p.ReconciliationNote, p.OpenedAt,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetForUser retrieves a position only if it belongs to userAddress.
func (s *PositionStore) GetForUser(ctx context.Context, userAddress, id string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1 AND user_address = $2`,
		id, userAddress))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns every open position across all users in one statement,
// so the result is a single consistent snapshot.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	return s.query(ctx, "list open positions",
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'open' ORDER BY user_address, opened_at`)
}

// ListByUser returns one user's positions, optionally filtered by status.
func (s *PositionStore) ListByUser(ctx context.Context, userAddress string, status domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE user_address = $1`
	args := []any{userAddress}
	argIdx := 2

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(status))
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.query(ctx, "list user positions", query, args...)
}

// CountOpenByUser returns how many open positions a user holds.
func (s *PositionStore) CountOpenByUser(ctx context.Context, userAddress string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE user_address = $1 AND status = 'open'`,
		userAddress).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count open positions: %w", err)
	}
	return n, nil
}

// Close transitions an open position to closed. The status guard in the
// WHERE clause makes the transition succeed at most once; a false result
// means another pass already closed it.
func (s *PositionStore) Close(ctx context.Context, c domain.PositionClose) (bool, error) {
	const query = `
		UPDATE positions SET
			status            = 'closed',
			closing_reason    = $2,
			exit_price        = $3,
			realized_pnl      = $4,
			closed_at         = $5,
			dangling_order_id = $6,
			updated_at        = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query,
		c.ID, string(c.Reason), c.ExitPrice, c.RealizedPnL, c.ClosedAt, c.DanglingOrderID)
	if err != nil {
		return false, fmt.Errorf("postgres: close position %s: %w", c.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkEntryConfirmed records that the entry order is known to be filled.
func (s *PositionStore) MarkEntryConfirmed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET entry_confirmed = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: confirm entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// FlagReconciliation marks a position for manual review.
func (s *PositionStore) FlagReconciliation(ctx context.Context, id, note string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET
			needs_reconciliation = TRUE,
			reconciliation_note  = $2,
			updated_at           = NOW()
		WHERE id = $1`, id, note)
	if err != nil {
		return fmt.Errorf("postgres: flag position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListDangling returns closed positions whose sibling order still needs cancelling.
func (s *PositionStore) ListDangling(ctx context.Context) ([]domain.Position, error) {
	return s.query(ctx, "list dangling orders",
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE dangling_order_id <> '' ORDER BY closed_at`)
}

// SetDanglingOrders records the orders still awaiting cancellation; an empty
// list clears the column.
func (s *PositionStore) SetDanglingOrders(ctx context.Context, id, orderIDs string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE positions SET dangling_order_id = $2, updated_at = NOW() WHERE id = $1`, id, orderIDs)
	if err != nil {
		return fmt.Errorf("postgres: set dangling orders %s: %w", id, err)
	}
	return nil
}

// DeleteOrphan removes a position whose entry never confirmed. Confirmed or
// closed rows are never deleted.
func (s *PositionStore) DeleteOrphan(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE id = $1 AND status = 'open' AND entry_confirmed = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("postgres: delete orphan %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListClosedBetween returns positions closed in [from, to), oldest first.
func (s *PositionStore) ListClosedBetween(ctx context.Context, from, to time.Time, limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 1000
	}
	var since *time.Time
	if !from.IsZero() {
		since = &from
	}
	return s.query(ctx, "list closed positions",
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'closed'
		   AND ($1::timestamptz IS NULL OR closed_at >= $1)
		   AND closed_at < $2
		 ORDER BY closed_at LIMIT $3`, since, to, limit)
}
