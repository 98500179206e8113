package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
	"github.com/alanyoungcy/dydxrelay/internal/risk"
)

// Stage is a step of the trade pipeline.
type Stage string

const (
	StageReceived          Stage = "received"
	StageAuthenticated     Stage = "authenticated"
	StageCredentialsLoaded Stage = "credentials_loaded"
	StageRiskValidated     Stage = "risk_validated"
	StageOrderSubmitted    Stage = "order_submitted"
	StagePositionPersisted Stage = "position_persisted"
	StageNotified          Stage = "notified"
	StageDone              Stage = "done"
)

// StageError reports the stage a pipeline run failed to reach.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("trade: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Trade result statuses.
const (
	TradeExecuted            = "executed"
	TradeNeedsReconciliation = "needs_reconciliation"
	TradePendingConfirmation = "pending_confirmation"
	TradeRejected            = "rejected"
	TradeFailed              = "failed"
)

// TradeResult describes one pipeline run. OrderID is set as soon as the
// exchange acknowledged the entry, even if a later stage failed.
type TradeResult struct {
	Status   string
	Stage    Stage
	OrderID  string
	TxHash   string
	Position domain.Position
}

// CredentialOpener decrypts a user's exchange and notifier secrets.
// *crypto.Vault implements it.
type CredentialOpener interface {
	OpenCredentials(u domain.User) (*domain.Credentials, error)
}

// ExecutionConfig tunes exchange interaction in the pipeline.
type ExecutionConfig struct {
	// CallTimeout bounds every single exchange call.
	CallTimeout        time.Duration
	GoodTilBlockOffset uint64
	// BracketTTL is how long take-profit and stop-loss orders rest.
	BracketTTL time.Duration
	// ConfirmTimeout is how long to wait for the entry to fill before the
	// position is stored unconfirmed.
	ConfirmTimeout  time.Duration
	ConfirmInterval time.Duration
	Submit          Backoff
	Persist         Backoff
	// TradeLockTTL bounds how long one wallet's shared trade lock is held.
	TradeLockTTL time.Duration
	// TradeLockWait is how long a signal waits behind another trade for the
	// same wallet before it is turned away.
	TradeLockWait time.Duration
}

// TradeDeps are the collaborators of a TradeOrchestrator. Locks, Bus,
// Audit, Notifier and Ops may be nil; without Locks trades for one wallet
// are serialized within this process only.
type TradeDeps struct {
	Auth      *WebhookAuthenticator
	Vault     CredentialOpener
	Risk      *RiskService
	Gateway   domain.ExchangeGateway
	Positions domain.PositionStore
	Locks     domain.LockManager
	Bus       domain.SignalBus
	Audit     domain.AuditStore
	Notifier  domain.UserNotifier
	Ops       domain.OpsNotifier
}

// TradeOrchestrator runs the webhook pipeline: authenticate, open
// credentials, plan, submit, persist, notify. It keeps no per-user state
// between runs; credentials live only for the duration of Execute.
type TradeOrchestrator struct {
	*orderPlacer
	auth      *WebhookAuthenticator
	vault     CredentialOpener
	risk      *RiskService
	positions domain.PositionStore
	locks     *userLocks
	events    *eventSink
}

// NewTradeOrchestrator creates a TradeOrchestrator.
func NewTradeOrchestrator(deps TradeDeps, cfg ExecutionConfig, logger *slog.Logger) *TradeOrchestrator {
	logger = logger.With(slog.String("component", "orchestrator"))
	o := &TradeOrchestrator{
		orderPlacer: newOrderPlacer(deps.Gateway, cfg, logger),
		auth:        deps.Auth,
		vault:       deps.Vault,
		risk:        deps.Risk,
		positions:   deps.Positions,
		locks:       newUserLocks(deps.Locks, cfg.TradeLockTTL, cfg.TradeLockWait),
	}
	o.events = &eventSink{
		bus:    deps.Bus,
		audit:  deps.Audit,
		users:  deps.Notifier,
		ops:    deps.Ops,
		logger: logger,
		now:    func() time.Time { return o.now() },
	}
	return o
}

// Execute runs the pipeline for one webhook delivery.
func (o *TradeOrchestrator) Execute(ctx context.Context, identifier string, body []byte) (TradeResult, error) {
	res := TradeResult{Stage: StageReceived}

	user, sig, err := o.auth.Authenticate(ctx, identifier, body)
	if err != nil {
		return o.fail(ctx, res, StageAuthenticated, err)
	}
	res.Stage = StageAuthenticated
	logger := o.logger.With(slog.String("user", user.Address))

	creds, err := o.vault.OpenCredentials(user)
	if err != nil {
		return o.fail(ctx, res, StageCredentialsLoaded, err)
	}
	defer creds.Clear()
	res.Stage = StageCredentialsLoaded

	// Held until the position row exists so the open-position count seen
	// by Plan stays true for this wallet.
	unlock, err := o.locks.lock(ctx, user.Address)
	if err != nil {
		return o.fail(ctx, res, StageRiskValidated, err)
	}
	defer unlock()

	plan, err := o.risk.Plan(ctx, creds, sig)
	if err != nil {
		return o.fail(ctx, res, StageRiskValidated, err)
	}
	res.Stage = StageRiskValidated

	// The exchange may act on the order from here on, so a disconnecting
	// webhook caller must not abort the bookkeeping.
	ctx = context.WithoutCancel(ctx)

	entry, err := o.openEntry(ctx, creds, plan)
	if err != nil {
		return o.fail(ctx, res, StageOrderSubmitted, err)
	}
	res.Stage = StageOrderSubmitted
	res.OrderID, res.TxHash = entry.ack.OrderID, entry.ack.TxHash

	pos := o.buildPosition(ctx, user.Address, plan, entry)
	if entry.confirmed {
		o.placeBrackets(ctx, creds, &pos)
	}
	res.Position = pos

	if err := o.persist(ctx, pos); err != nil {
		return o.fail(ctx, res, StagePositionPersisted, err)
	}
	res.Stage = StagePositionPersisted
	unlock()
	o.recordOpened(ctx, pos)

	o.notifyOpened(ctx, creds, pos)
	res.Stage = StageNotified

	res.Stage = StageDone
	res.Status = tradeStatus(pos)
	logger.InfoContext(ctx, "trade executed",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("size", pos.Size),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.String("status", res.Status),
	)
	return res, nil
}

func tradeStatus(pos domain.Position) string {
	switch {
	case !pos.EntryConfirmed:
		return TradePendingConfirmation
	case pos.NeedsReconciliation:
		return TradeNeedsReconciliation
	default:
		return TradeExecuted
	}
}

func (o *TradeOrchestrator) fail(ctx context.Context, res TradeResult, stage Stage, err error) (TradeResult, error) {
	res.Status = TradeFailed
	var ve *risk.ValidationError
	level := slog.LevelError
	if _, isAuth := domain.AuthReasonOf(err); isAuth || errors.As(err, &ve) ||
		errors.Is(err, domain.ErrInvalidRiskParameters) || errors.Is(err, domain.ErrCredentialsMissing) {
		res.Status = TradeRejected
		level = slog.LevelInfo
	} else if errors.Is(err, domain.ErrUpstreamTerminal) || errors.Is(err, domain.ErrLockHeld) {
		res.Status = TradeRejected
		level = slog.LevelWarn
	}
	o.logger.Log(ctx, level, "trade pipeline stopped",
		slog.String("stage", string(stage)),
		slog.String("order_id", res.OrderID),
		slog.String("error", err.Error()),
	)
	return res, &StageError{Stage: stage, Err: err}
}

type entryFill struct {
	ack       domain.OrderAck
	clientID  uint32
	status    domain.OrderStatus
	confirmed bool
}

func (o *TradeOrchestrator) openEntry(ctx context.Context, creds *domain.Credentials, plan TradePlan) (entryFill, error) {
	height, err := o.blockHeight(ctx)
	if err != nil {
		return entryFill{}, err
	}
	req := domain.OrderRequest{
		ClientID:     o.newClientID(),
		Symbol:       plan.Symbol,
		Side:         plan.Side.EntryOrderSide(),
		Type:         domain.OrderTypeMarket,
		TimeInForce:  domain.TimeInForceIOC,
		Size:         plan.Size,
		Price:        plan.ReferencePrice,
		GoodTilBlock: height + o.cfg.GoodTilBlockOffset,
	}
	if plan.LimitPrice != nil {
		req.Type = domain.OrderTypeLimit
		req.TimeInForce = domain.TimeInForceGTT
		req.Price = *plan.LimitPrice
	}

	ack, err := o.submit(ctx, creds, req)
	if err != nil {
		return entryFill{}, err
	}
	st, confirmed, err := o.awaitFill(ctx, creds, ack.OrderID)
	if err != nil {
		return entryFill{}, err
	}
	return entryFill{ack: ack, clientID: req.ClientID, status: st, confirmed: confirmed}, nil
}

func (o *TradeOrchestrator) buildPosition(ctx context.Context, user string, plan TradePlan, entry entryFill) domain.Position {
	pos := domain.Position{
		ID:              uuid.NewString(),
		UserAddress:     user,
		Symbol:          plan.Symbol,
		Side:            plan.Side,
		Status:          domain.PositionStatusOpen,
		EntryPrice:      plan.ReferencePrice,
		Size:            plan.Size,
		EntryOrderID:    entry.ack.OrderID,
		EntryClientID:   entry.clientID,
		EntryTxHash:     entry.ack.TxHash,
		EntryConfirmed:  entry.confirmed,
		TakeProfitPrice: plan.TakeProfit,
		StopLossPrice:   plan.StopLoss,
		OpenedAt:        o.now().UTC(),
	}
	if !entry.confirmed {
		pos.ReconciliationNote = fmt.Sprintf("entry not confirmed within %s", o.cfg.ConfirmTimeout)
		return pos
	}
	if entry.status.FilledSize > 0 {
		pos.Size = entry.status.FilledSize
	}
	if entry.status.FilledPrice > 0 && entry.status.FilledPrice != plan.ReferencePrice {
		pos.EntryPrice = entry.status.FilledPrice
		var tpOverride, slOverride *float64
		if plan.ExplicitTakeProfit {
			tpOverride = &plan.TakeProfit
		}
		if plan.ExplicitStopLoss {
			slOverride = &plan.StopLoss
		}
		tp, sl, err := o.risk.Brackets(pos.EntryPrice, pos.Side, tpOverride, slOverride)
		if err != nil {
			o.logger.WarnContext(ctx, "keeping planned brackets after fill",
				slog.String("position_id", pos.ID),
				slog.Float64("fill_price", pos.EntryPrice),
				slog.String("error", err.Error()),
			)
		} else {
			pos.TakeProfitPrice, pos.StopLossPrice = tp, sl
		}
	}
	return pos
}

// placeBrackets submits the reduce-only take-profit and stop-loss orders. A
// failure flags the position for reconciliation; the entry stands.
func (o *TradeOrchestrator) placeBrackets(ctx context.Context, creds *domain.Credentials, pos *domain.Position) {
	goodTil := o.now().Add(o.cfg.BracketTTL).UTC()
	exit := pos.Side.ExitOrderSide()
	var problems []string

	legs := []struct {
		name  string
		typ   domain.OrderType
		price float64
		dst   *string
	}{
		{"take-profit", domain.OrderTypeTakeProfitMarket, pos.TakeProfitPrice, &pos.TakeProfitOrderID},
		{"stop-loss", domain.OrderTypeStopMarket, pos.StopLossPrice, &pos.StopLossOrderID},
	}
	for _, leg := range legs {
		ack, err := o.submit(ctx, creds, domain.OrderRequest{
			ClientID:     o.newClientID(),
			Symbol:       pos.Symbol,
			Side:         exit,
			Type:         leg.typ,
			TimeInForce:  domain.TimeInForceIOC,
			Size:         pos.Size,
			Price:        leg.price,
			TriggerPrice: leg.price,
			ReduceOnly:   true,
			GoodTilTime:  goodTil,
		})
		if err != nil {
			problems = append(problems, leg.name+": "+err.Error())
			continue
		}
		*leg.dst = ack.OrderID
	}

	if len(problems) > 0 {
		pos.NeedsReconciliation = true
		pos.ReconciliationNote = strings.Join(problems, "; ")
		o.logger.WarnContext(ctx, "bracket placement failed",
			slog.String("position_id", pos.ID),
			slog.String("warning", domain.ReconciliationWarning{PositionID: pos.ID, Reason: pos.ReconciliationNote}.Error()),
		)
	}
}

// persist writes pos, retrying with the known order ids. When every attempt
// fails the position is parked on the pending stream for the monitor to
// replay.
func (o *TradeOrchestrator) persist(ctx context.Context, pos domain.Position) error {
	var err error
	for attempt := 0; attempt < o.cfg.Persist.attempts(); attempt++ {
		if attempt > 0 {
			_ = sleepCtx(ctx, o.cfg.Persist.Delay(attempt-1))
		}
		if _, err = o.positions.Create(ctx, pos); err == nil {
			return nil
		}
		o.logger.WarnContext(ctx, "persist position failed",
			slog.String("position_id", pos.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	parked := false
	if o.events.bus != nil {
		payload, merr := json.Marshal(pos)
		if merr == nil {
			merr = o.events.bus.StreamAppend(ctx, domain.PendingPositionsStream, payload)
		}
		if merr != nil {
			o.logger.ErrorContext(ctx, "trade recorded nowhere",
				slog.String("position_id", pos.ID),
				slog.String("user", pos.UserAddress),
				slog.String("entry_order_id", pos.EntryOrderID),
				slog.String("error", merr.Error()),
			)
		} else {
			parked = true
		}
	}
	o.events.alertOps(ctx, domain.EventUnpersistedTrade, "Unpersisted trade",
		fmt.Sprintf("position %s for %s (%s %s, entry order %s) could not be stored; queued for replay: %t",
			pos.ID, pos.UserAddress, pos.Side, pos.Symbol, pos.EntryOrderID, parked))
	return fmt.Errorf("store position %s: %w: %w", pos.ID, domain.ErrPersistence, err)
}

func (o *TradeOrchestrator) recordOpened(ctx context.Context, pos domain.Position) {
	detail := positionDetail(pos)
	detail["entry_order_id"] = pos.EntryOrderID
	detail["tx_hash"] = pos.EntryTxHash
	detail["confirmed"] = pos.EntryConfirmed
	o.events.record(ctx, AuditTradeExecuted, detail)
	o.events.publish(ctx, domain.EventPositionOpened, pos, "")

	if pos.NeedsReconciliation {
		o.events.record(ctx, AuditReconciliationFlagged, map[string]any{
			"position_id": pos.ID,
			"user":        pos.UserAddress,
			"note":        pos.ReconciliationNote,
		})
		o.events.publish(ctx, domain.EventReconciliation, pos, pos.ReconciliationNote)
		o.events.alertOps(ctx, domain.EventReconciliation, "Position needs reconciliation",
			fmt.Sprintf("position %s for %s (%s %s): %s", pos.ID, pos.UserAddress, pos.Side, pos.Symbol, pos.ReconciliationNote))
	}
}

func (o *TradeOrchestrator) notifyOpened(ctx context.Context, creds *domain.Credentials, pos domain.Position) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s @ %s\n", strings.ToUpper(string(pos.Side)), formatPrice(pos.Size), pos.Symbol, formatPrice(pos.EntryPrice))
	fmt.Fprintf(&b, "TP %s / SL %s\n", formatPrice(pos.TakeProfitPrice), formatPrice(pos.StopLossPrice))
	fmt.Fprintf(&b, "Order %s", pos.EntryOrderID)
	switch {
	case !pos.EntryConfirmed:
		b.WriteString("\nEntry not confirmed yet; no protective orders were placed.")
	case pos.NeedsReconciliation:
		b.WriteString("\nWARNING: protective orders incomplete: " + pos.ReconciliationNote)
	}
	o.events.tellUser(ctx, creds, "Position opened", b.String())
}
