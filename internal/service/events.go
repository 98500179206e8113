package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// Audit event names.
const (
	AuditUserCreated           = "user_created"
	AuditCredentialsUpdated    = "credentials_updated"
	AuditUserDeactivated       = "user_deactivated"
	AuditTradeExecuted         = "trade_executed"
	AuditPositionClosed        = "position_closed"
	AuditOrphanDeleted         = "position_orphan_deleted"
	AuditReconciliationFlagged = "reconciliation_flagged"
)

// eventSink bundles the best-effort side channels shared by the pipeline and
// the monitor. Failures are logged and never change the outcome of a trade.
type eventSink struct {
	bus    domain.SignalBus
	audit  domain.AuditStore
	users  domain.UserNotifier
	ops    domain.OpsNotifier
	logger *slog.Logger
	now    func() time.Time
}

func (e *eventSink) publish(ctx context.Context, typ string, pos domain.Position, msg string) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.PositionEvent{
		Type:      typ,
		Position:  pos,
		Message:   msg,
		Timestamp: e.now().UTC(),
	})
	if err != nil {
		e.logger.WarnContext(ctx, "marshal position event failed", slog.String("error", err.Error()))
		return
	}
	if err := e.bus.Publish(ctx, domain.PositionChannel(pos.UserAddress), payload); err != nil {
		e.logger.WarnContext(ctx, "publish position event failed",
			slog.String("position_id", pos.ID),
			slog.String("event", typ),
			slog.String("error", err.Error()),
		)
	}
}

func (e *eventSink) record(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (e *eventSink) tellUser(ctx context.Context, creds *domain.Credentials, title, msg string) bool {
	if e.users == nil {
		return false
	}
	if err := e.users.SendTo(ctx, creds, title, msg); err != nil {
		e.logger.WarnContext(ctx, "user notification failed",
			slog.String("user", creds.UserAddress),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (e *eventSink) alertOps(ctx context.Context, event, title, msg string) {
	if e.ops == nil {
		return
	}
	if err := e.ops.Notify(ctx, event, title, msg); err != nil {
		e.logger.WarnContext(ctx, "ops notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func positionDetail(pos domain.Position) map[string]any {
	d := map[string]any{
		"position_id": pos.ID,
		"user":        pos.UserAddress,
		"symbol":      pos.Symbol,
		"side":        string(pos.Side),
		"size":        pos.Size,
		"entry_price": pos.EntryPrice,
	}
	if pos.ClosingReason != nil {
		d["reason"] = string(*pos.ClosingReason)
	}
	if pos.RealizedPnL != nil {
		d["realized_pnl"] = *pos.RealizedPnL
	}
	return d
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
