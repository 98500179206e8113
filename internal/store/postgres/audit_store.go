package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// AuditStore implements domain.AuditStore on the append-only audit_log
// table. The owning wallet, when the detail names one under "user", is
// copied into its own indexed column.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends one entry.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	var user *string
	if u, ok := detail["user"].(string); ok && u != "" {
		user = &u
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, user_address, detail) VALUES (@event, @user, @detail)`,
		pgx.NamedArgs{"event": event, "user": user, "detail": raw},
	)
	if err != nil {
		return fmt.Errorf("postgres: insert audit %s: %w", event, err)
	}
	return nil
}

// List returns entries newest first within [Since, Until).
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var where []string
	args := pgx.NamedArgs{}
	if opts.Since != nil {
		where = append(where, "created_at >= @since")
		args["since"] = *opts.Since
	}
	if opts.Until != nil {
		where = append(where, "created_at < @until")
		args["until"] = *opts.Until
	}

	var q strings.Builder
	q.WriteString(`SELECT id, event, detail, created_at FROM audit_log`)
	if len(where) > 0 {
		q.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	q.WriteString(" ORDER BY created_at DESC, id DESC")
	if opts.Limit > 0 {
		q.WriteString(" LIMIT @limit")
		args["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		q.WriteString(" OFFSET @offset")
		args["offset"] = opts.Offset
	}

	rows, err := s.pool.Query(ctx, q.String(), args)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan audit: %w", err)
	}
	return entries, nil
}

func scanAuditEntry(row pgx.CollectableRow) (domain.AuditEntry, error) {
	var (
		e   domain.AuditEntry
		raw []byte
	)
	if err := row.Scan(&e.ID, &e.Event, &raw, &e.CreatedAt); err != nil {
		return e, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Detail); err != nil {
			return e, fmt.Errorf("decode detail of audit %d: %w", e.ID, err)
		}
	}
	return e, nil
}
