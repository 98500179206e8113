package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
	"github.com/alanyoungcy/dydxrelay/internal/risk"
)

// PositionService reads a user's positions and closes them. The closing
// routine is shared with the monitor so every close goes through the same
// conditional update.
type PositionService struct {
	placer    *orderPlacer
	positions domain.PositionStore
	users     domain.UserStore
	vault     CredentialOpener
	events    *eventSink
	logger    *slog.Logger
}

// PositionDeps are the collaborators of a PositionService. Bus, Audit,
// Notifier and Ops may be nil.
type PositionDeps struct {
	Gateway   domain.ExchangeGateway
	Positions domain.PositionStore
	Users     domain.UserStore
	Vault     CredentialOpener
	Bus       domain.SignalBus
	Audit     domain.AuditStore
	Notifier  domain.UserNotifier
	Ops       domain.OpsNotifier
}

// NewPositionService creates a PositionService.
func NewPositionService(deps PositionDeps, cfg ExecutionConfig, logger *slog.Logger) *PositionService {
	logger = logger.With(slog.String("component", "position_service"))
	s := &PositionService{
		placer:    newOrderPlacer(deps.Gateway, cfg, logger),
		positions: deps.Positions,
		users:     deps.Users,
		vault:     deps.Vault,
		logger:    logger,
	}
	s.events = &eventSink{
		bus:    deps.Bus,
		audit:  deps.Audit,
		users:  deps.Notifier,
		ops:    deps.Ops,
		logger: logger,
		now:    func() time.Time { return s.placer.now() },
	}
	return s
}

// List returns the user's positions, newest first. An empty status lists all.
func (s *PositionService) List(ctx context.Context, wallet string, status domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error) {
	switch status {
	case "", domain.PositionStatusOpen, domain.PositionStatusClosed:
	default:
		return nil, &risk.ValidationError{Problems: []string{fmt.Sprintf("unknown status %q", status)}}
	}
	out, err := s.positions.ListByUser(ctx, wallet, status, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list: %w", err)
	}
	return out, nil
}

// Get returns one position owned by wallet. Positions of other users are
// reported as domain.ErrNotFound.
func (s *PositionService) Get(ctx context.Context, wallet, id string) (domain.Position, error) {
	pos, err := s.positions.GetForUser(ctx, wallet, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get %s: %w", id, err)
	}
	return pos, nil
}

// ManualClose cancels both brackets, exits with a reduce-only market order
// and closes the position with reason manual.
func (s *PositionService) ManualClose(ctx context.Context, wallet, id string) (domain.Position, error) {
	pos, err := s.Get(ctx, wallet, id)
	if err != nil {
		return domain.Position{}, err
	}
	if !pos.IsOpen() {
		return pos, fmt.Errorf("position_service: close %s: %w", id, domain.ErrPositionClosed)
	}
	user, err := s.users.GetByAddress(ctx, wallet)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: load user: %w", err)
	}
	creds, err := s.vault.OpenCredentials(user)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: open credentials: %w", err)
	}
	defer creds.Clear()

	// The exit must be followed through once sent.
	ctx = context.WithoutCancel(ctx)

	var dangling []string
	for _, orderID := range []string{pos.TakeProfitOrderID, pos.StopLossOrderID} {
		if orderID == "" {
			continue
		}
		callCtx, cancel := s.placer.callCtx(ctx)
		_, err := s.placer.gateway.CancelOrder(callCtx, creds, orderID)
		cancel()
		if err != nil {
			s.logger.WarnContext(ctx, "bracket cancel failed before manual close",
				slog.String("position_id", pos.ID),
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
			dangling = append(dangling, orderID)
		}
	}

	height, err := s.placer.blockHeight(ctx)
	if err != nil {
		return pos, fmt.Errorf("position_service: close %s: %w", id, err)
	}
	mark, err := s.placer.gateway.MarketPrice(ctx, pos.Symbol)
	if err != nil {
		return pos, fmt.Errorf("position_service: close %s: market price: %w", id, err)
	}
	ack, err := s.placer.submit(ctx, creds, domain.OrderRequest{
		ClientID:     s.placer.newClientID(),
		Symbol:       pos.Symbol,
		Side:         pos.Side.ExitOrderSide(),
		Type:         domain.OrderTypeMarket,
		TimeInForce:  domain.TimeInForceIOC,
		Size:         pos.Size,
		Price:        mark,
		ReduceOnly:   true,
		GoodTilBlock: height + s.placer.cfg.GoodTilBlockOffset,
	})
	if err != nil {
		return pos, s.exitFailed(ctx, pos, err)
	}
	st, filled, err := s.placer.awaitFill(ctx, creds, ack.OrderID)
	if err == nil && !filled {
		err = domain.Transient("exit order", fmt.Errorf("order %s not filled within %s", ack.OrderID, s.placer.cfg.ConfirmTimeout))
	}
	if err != nil {
		return pos, s.exitFailed(ctx, pos, err)
	}

	exit := st.FilledPrice
	if exit <= 0 {
		exit = mark
	}
	return s.Finalize(ctx, creds, pos, domain.ClosingReasonManual, exit, strings.Join(dangling, ","))
}

// exitFailed re-reads the position: if something else closed it meanwhile
// the caller gets ErrPositionClosed, otherwise it is flagged for review.
func (s *PositionService) exitFailed(ctx context.Context, pos domain.Position, cause error) error {
	if cur, err := s.positions.GetByID(ctx, pos.ID); err == nil && !cur.IsOpen() {
		return fmt.Errorf("position_service: close %s: %w", pos.ID, domain.ErrPositionClosed)
	}
	note := "manual close exit failed: " + cause.Error()
	if err := s.positions.FlagReconciliation(ctx, pos.ID, note); err != nil {
		s.logger.ErrorContext(ctx, "flag reconciliation failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	pos.NeedsReconciliation, pos.ReconciliationNote = true, note
	s.events.record(ctx, AuditReconciliationFlagged, map[string]any{"position_id": pos.ID, "user": pos.UserAddress, "note": note})
	s.events.publish(ctx, domain.EventReconciliation, pos, note)
	s.events.alertOps(ctx, domain.EventReconciliation, "Manual close failed",
		fmt.Sprintf("position %s for %s: %s", pos.ID, pos.UserAddress, note))
	return fmt.Errorf("position_service: close %s: %w", pos.ID, cause)
}

// Finalize closes pos at exitPrice. It reports the closed position, or
// ErrPositionClosed when another closer won the conditional update, in which
// case nothing else happens. sibling names the bracket orders, comma-separated,
// still resting on the exchange; they are recorded with the close and then
// cancelled.
func (s *PositionService) Finalize(ctx context.Context, creds *domain.Credentials, pos domain.Position, reason domain.ClosingReason, exitPrice float64, sibling string) (domain.Position, error) {
	now := s.placer.now().UTC()
	pnl := risk.RealizedPnL(pos.Side, pos.EntryPrice, exitPrice, pos.Size)
	closed, err := s.positions.Close(ctx, domain.PositionClose{
		ID:              pos.ID,
		Reason:          reason,
		ExitPrice:       exitPrice,
		RealizedPnL:     pnl,
		ClosedAt:        now,
		DanglingOrderID: sibling,
	})
	if err != nil {
		return pos, fmt.Errorf("position_service: close %s: %w", pos.ID, err)
	}
	if !closed {
		s.logger.DebugContext(ctx, "position already closed",
			slog.String("position_id", pos.ID),
		)
		return pos, fmt.Errorf("position_service: close %s: %w", pos.ID, domain.ErrPositionClosed)
	}

	pos.Status = domain.PositionStatusClosed
	pos.ClosedAt = &now
	pos.ExitPrice = &exitPrice
	pos.RealizedPnL = &pnl
	pos.ClosingReason = &reason
	pos.DanglingOrderID = sibling

	if sibling != "" {
		pos.DanglingOrderID = s.cancelSibling(ctx, creds, pos, sibling)
	}

	s.events.record(ctx, AuditPositionClosed, positionDetail(pos))
	s.events.publish(ctx, domain.EventPositionClosed, pos, "")
	s.events.tellUser(ctx, creds, "Position closed", closeMessage(pos))

	s.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", pos.ID),
		slog.String("user", pos.UserAddress),
		slog.String("reason", string(reason)),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("realized_pnl", pnl),
	)
	return pos, nil
}

// cancelSibling cancels the bracket left behind by a close and returns the
// order id that is still dangling, if any.
// cancelSibling cancels every order in orders and returns the ones that are
// still resting, comma-separated.
func (s *PositionService) cancelSibling(ctx context.Context, creds *domain.Credentials, pos domain.Position, orders string) string {
	var left []string
	for _, orderID := range domain.SplitOrderIDs(orders) {
		callCtx, cancel := s.placer.callCtx(ctx)
		_, err := s.placer.gateway.CancelOrder(callCtx, creds, orderID)
		cancel()
		if err == nil {
			continue
		}
		s.logger.WarnContext(ctx, "sibling cancel failed, left for cleanup",
			slog.String("position_id", pos.ID),
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
		s.events.publish(ctx, domain.EventDanglingOrder, pos, "cancel pending for order "+orderID)
		s.events.alertOps(ctx, domain.EventDanglingOrder, "Dangling order",
			fmt.Sprintf("position %s (%s) closed; cancel of %s failed: %v", pos.ID, pos.UserAddress, orderID, err))
		left = append(left, orderID)
	}

	remaining := strings.Join(left, ",")
	if remaining == orders {
		return orders
	}
	if err := s.positions.SetDanglingOrders(ctx, pos.ID, remaining); err != nil {
		s.logger.WarnContext(ctx, "update dangling orders failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return orders
	}
	return remaining
}

// RetryDangling retries the sibling cancels for a closed position. It
// reports whether no order is left dangling.
func (s *PositionService) RetryDangling(ctx context.Context, creds *domain.Credentials, pos domain.Position) bool {
	if pos.DanglingOrderID == "" {
		return true
	}
	return s.cancelSibling(ctx, creds, pos, pos.DanglingOrderID) == ""
}

func closeMessage(pos domain.Position) string {
	var b strings.Builder
	reason := "closed"
	if pos.ClosingReason != nil {
		reason = strings.ReplaceAll(string(*pos.ClosingReason), "_", " ")
	}
	fmt.Fprintf(&b, "%s %s %s: %s\n", strings.ToUpper(string(pos.Side)), formatPrice(pos.Size), pos.Symbol, reason)
	if pos.ExitPrice != nil {
		fmt.Fprintf(&b, "Entry %s, exit %s", formatPrice(pos.EntryPrice), formatPrice(*pos.ExitPrice))
	}
	if pos.RealizedPnL != nil {
		fmt.Fprintf(&b, "\nRealized P&L %s", formatPrice(*pos.RealizedPnL))
	}
	return b.String()
}

// IsAlreadyClosed reports whether err means the position was closed by
// someone else.
func IsAlreadyClosed(err error) bool {
	return errors.Is(err, domain.ErrPositionClosed)
}
