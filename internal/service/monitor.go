package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// MonitorLockKey is the cache lock that keeps monitor cycles from
// overlapping across processes.
const MonitorLockKey = "monitor:cycle"

// MonitorConfig tunes the position monitor.
type MonitorConfig struct {
	Interval time.Duration
	// Concurrency bounds how many users are processed at once.
	Concurrency int
	// RequestsPerSecond paces exchange calls across the whole cycle; zero
	// means unpaced.
	RequestsPerSecond float64
	CallTimeout       time.Duration
	LockTTL           time.Duration
	// OrphanTimeout is how long an unconfirmed entry may stay unresolved
	// before its row is removed.
	OrphanTimeout time.Duration
	PendingBatch  int
}

// CycleReport is the outcome of the most recent finished cycle.
type CycleReport struct {
	StartedAt time.Time     `json:"started_at"`
	Took      time.Duration `json:"took_ns"`
	Stats     CycleStats    `json:"stats"`
	Error     string        `json:"error,omitempty"`
}

// CycleStats summarises one monitor cycle.
type CycleStats struct {
	Skipped  bool `json:"skipped"`
	Users    int  `json:"users"`
	Checked  int  `json:"checked"`
	Closed   int  `json:"closed"`
	Errors   int  `json:"errors"`
	Replayed int  `json:"replayed"`
	Orphans  int  `json:"orphans"`
	Dangling int  `json:"dangling"`
	Flagged  int  `json:"flagged"`
}

func (s *CycleStats) add(o CycleStats) {
	s.Checked += o.Checked
	s.Closed += o.Closed
	s.Errors += o.Errors
	s.Orphans += o.Orphans
	s.Flagged += o.Flagged
}

// MonitorDeps are the collaborators of a PositionMonitor. Locks, Bus, Audit
// and Ops may be nil.
type MonitorDeps struct {
	Positions domain.PositionStore
	Users     domain.UserStore
	Vault     CredentialOpener
	Gateway   domain.ExchangeGateway
	Closer    *PositionService
	Locks     domain.LockManager
	Bus       domain.SignalBus
	Audit     domain.AuditStore
	Ops       domain.OpsNotifier
}

// PositionMonitor polls open positions and closes them when a bracket
// fills. It has an explicit Start/Stop lifecycle and never runs two cycles
// at once.
type PositionMonitor struct {
	positions domain.PositionStore
	users     domain.UserStore
	vault     CredentialOpener
	gateway   domain.ExchangeGateway
	closer    *PositionService
	locks     domain.LockManager
	bus       domain.SignalBus
	events    *eventSink
	cfg       MonitorConfig
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time

	running atomic.Bool
	trigger chan struct{}
	last    atomic.Pointer[CycleReport]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPositionMonitor creates a PositionMonitor.
func NewPositionMonitor(deps MonitorDeps, cfg MonitorConfig, logger *slog.Logger) *PositionMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.Interval
	}
	if cfg.PendingBatch <= 0 {
		cfg.PendingBatch = 100
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	logger = logger.With(slog.String("component", "position_monitor"))
	m := &PositionMonitor{
		positions: deps.Positions,
		users:     deps.Users,
		vault:     deps.Vault,
		gateway:   deps.Gateway,
		closer:    deps.Closer,
		locks:     deps.Locks,
		bus:       deps.Bus,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger,
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
	}
	m.events = &eventSink{
		bus:    deps.Bus,
		audit:  deps.Audit,
		ops:    deps.Ops,
		logger: logger,
		now:    func() time.Time { return m.now() },
	}
	return m
}

// Start launches the polling loop in its own goroutine.
func (m *PositionMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return errors.New("position_monitor: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	go func() {
		defer close(done)
		if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.ErrorContext(ctx, "monitor loop exited", slog.String("error", err.Error()))
		}
	}()
	m.logger.InfoContext(ctx, "position monitor started", slog.Duration("interval", m.cfg.Interval))
	return nil
}

// Stop cancels the loop and waits for the current cycle to finish or ctx to
// expire.
func (m *PositionMonitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		m.logger.InfoContext(ctx, "position monitor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("position_monitor: stop: %w", ctx.Err())
	}
}

// Run runs a cycle immediately and then every Interval until ctx is done.
func (m *PositionMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		m.runOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-m.trigger:
		}
	}
}

// Trigger asks the running loop for an immediate cycle. It never blocks; a
// trigger already pending absorbs the call.
func (m *PositionMonitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// LastCycle returns the report of the last finished cycle, if any.
func (m *PositionMonitor) LastCycle() (CycleReport, bool) {
	r := m.last.Load()
	if r == nil {
		return CycleReport{}, false
	}
	return *r, true
}

func (m *PositionMonitor) runOnce(ctx context.Context) {
	start := m.now()
	stats, err := m.RunCycle(ctx)
	if !stats.Skipped {
		report := &CycleReport{StartedAt: start, Took: m.now().Sub(start), Stats: stats}
		if err != nil {
			report.Error = err.Error()
		}
		m.last.Store(report)
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "monitor cycle failed", slog.String("error", err.Error()))
		return
	}
	if stats.Skipped {
		m.logger.DebugContext(ctx, "monitor cycle skipped, previous cycle still running")
		return
	}
	m.logger.DebugContext(ctx, "monitor cycle done",
		slog.Int("users", stats.Users),
		slog.Int("checked", stats.Checked),
		slog.Int("closed", stats.Closed),
		slog.Int("errors", stats.Errors),
		slog.Int("replayed", stats.Replayed),
		slog.Int("orphans", stats.Orphans),
		slog.Int("flagged", stats.Flagged),
		slog.Duration("took", m.now().Sub(start)),
	)
}

// RunCycle performs one pass: replay unpersisted trades, retry dangling
// cancels, then check every open position. Per-position failures are
// counted, logged and never stop the cycle.
func (m *PositionMonitor) RunCycle(ctx context.Context) (CycleStats, error) {
	if !m.running.CompareAndSwap(false, true) {
		return CycleStats{Skipped: true}, nil
	}
	defer m.running.Store(false)

	if m.locks != nil {
		unlock, err := m.locks.Acquire(ctx, MonitorLockKey, m.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			return CycleStats{Skipped: true}, nil
		}
		if err != nil {
			return CycleStats{}, fmt.Errorf("position_monitor: acquire cycle lock: %w", err)
		}
		defer unlock()
	}

	var stats CycleStats
	stats.Replayed = m.replayPending(ctx)
	stats.Dangling = m.cleanupDangling(ctx)

	open, err := m.positions.ListOpen(ctx)
	if err != nil {
		return stats, fmt.Errorf("position_monitor: list open positions: %w", err)
	}
	byUser := make(map[string][]domain.Position)
	for _, pos := range open {
		byUser[pos.UserAddress] = append(byUser[pos.UserAddress], pos)
	}
	stats.Users = len(byUser)

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(m.cfg.Concurrency)
	for user, positions := range byUser {
		g.Go(func() error {
			us := m.processUser(ctx, user, positions)
			mu.Lock()
			stats.add(us)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return stats, nil
}

// processUser opens one user's credentials once and checks all of that
// user's positions with them.
func (m *PositionMonitor) processUser(ctx context.Context, address string, positions []domain.Position) CycleStats {
	var st CycleStats
	logger := m.logger.With(slog.String("user", address))

	creds, err := m.openCredentials(ctx, address)
	if err != nil {
		logger.ErrorContext(ctx, "cannot open credentials, skipping user",
			slog.Int("positions", len(positions)),
			slog.String("error", err.Error()),
		)
		st.Errors = len(positions)
		return st
	}
	defer creds.Clear()

	for _, pos := range positions {
		if ctx.Err() != nil {
			return st
		}
		st.Checked++
		if err := m.CheckPosition(ctx, creds, pos, &st); err != nil {
			st.Errors++
			logger.ErrorContext(ctx, "position check failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return st
}

func (m *PositionMonitor) openCredentials(ctx context.Context, address string) (*domain.Credentials, error) {
	user, err := m.users.GetByAddress(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	creds, err := m.vault.OpenCredentials(user)
	if err != nil {
		return nil, fmt.Errorf("open credentials: %w", err)
	}
	return creds, nil
}

// callCtx bounds one exchange call by CallTimeout.
func (m *PositionMonitor) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, m.cfg.CallTimeout)
	}
	return ctx, func() {}
}

func (m *PositionMonitor) orderStatus(ctx context.Context, creds *domain.Credentials, orderID string) (domain.OrderStatus, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return domain.OrderStatus{}, err
	}
	ctx, cancel := m.callCtx(ctx)
	defer cancel()
	return m.gateway.GetOrderStatus(ctx, creds, orderID)
}

// bracketStatus treats an unknown bracket as unfilled.
func (m *PositionMonitor) bracketStatus(ctx context.Context, creds *domain.Credentials, orderID string) (domain.OrderStatus, error) {
	if orderID == "" {
		return domain.OrderStatus{}, nil
	}
	st, err := m.orderStatus(ctx, creds, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.OrderStatus{OrderID: orderID}, nil
	}
	return st, err
}

// CheckPosition drives one open position. Running it again on a position
// that has since closed is a no-op.
func (m *PositionMonitor) CheckPosition(ctx context.Context, creds *domain.Credentials, pos domain.Position, st *CycleStats) error {
	if !pos.IsOpen() {
		return nil
	}
	if !pos.EntryConfirmed {
		return m.checkOrphan(ctx, creds, pos, st)
	}
	if pos.TakeProfitOrderID == "" && pos.StopLossOrderID == "" {
		return nil
	}

	tp, err := m.bracketStatus(ctx, creds, pos.TakeProfitOrderID)
	if err != nil {
		return fmt.Errorf("take-profit status: %w", err)
	}
	sl, err := m.bracketStatus(ctx, creds, pos.StopLossOrderID)
	if err != nil {
		return fmt.Errorf("stop-loss status: %w", err)
	}

	c, ok := DetermineClosure(pos, tp, sl)
	if !ok {
		return m.flagLostBrackets(ctx, pos, tp, sl, st)
	}
	if c.Anomaly != "" {
		m.logger.WarnContext(ctx, "close anomaly",
			slog.String("position_id", pos.ID),
			slog.String("detail", c.Anomaly),
		)
		m.events.publish(ctx, domain.EventCloseAnomaly, pos, c.Anomaly)
		m.events.alertOps(ctx, domain.EventCloseAnomaly, "Both brackets filled",
			fmt.Sprintf("position %s (%s %s, user %s): %s", pos.ID, pos.Side, pos.Symbol, pos.UserAddress, c.Anomaly))
	}

	_, err = m.closer.Finalize(ctx, creds, pos, c.Reason, c.ExitPrice, c.Sibling)
	if IsAlreadyClosed(err) {
		return nil
	}
	if err != nil {
		return err
	}
	st.Closed++
	return nil
}

// flagLostBrackets flags an open position once when a bracket order ended
// without filling, through expiry or an outside cancel.
func (m *PositionMonitor) flagLostBrackets(ctx context.Context, pos domain.Position, tp, sl domain.OrderStatus, st *CycleStats) error {
	if pos.NeedsReconciliation {
		return nil
	}
	var lost []string
	if pos.TakeProfitOrderID != "" && tp.Done() && !tp.Filled() {
		lost = append(lost, fmt.Sprintf("take-profit %s %s", pos.TakeProfitOrderID, strings.ToLower(string(tp.State))))
	}
	if pos.StopLossOrderID != "" && sl.Done() && !sl.Filled() {
		lost = append(lost, fmt.Sprintf("stop-loss %s %s", pos.StopLossOrderID, strings.ToLower(string(sl.State))))
	}
	if len(lost) == 0 {
		return nil
	}

	note := "protective order ended unfilled: " + strings.Join(lost, "; ")
	if err := m.positions.FlagReconciliation(ctx, pos.ID, note); err != nil {
		return fmt.Errorf("flag reconciliation: %w", err)
	}
	st.Flagged++
	pos.NeedsReconciliation, pos.ReconciliationNote = true, note
	m.logger.WarnContext(ctx, "position lost its protection",
		slog.String("position_id", pos.ID),
		slog.String("note", note),
	)
	m.events.record(ctx, AuditReconciliationFlagged, map[string]any{"position_id": pos.ID, "user": pos.UserAddress, "note": note})
	m.events.publish(ctx, domain.EventReconciliation, pos, note)
	m.events.alertOps(ctx, domain.EventReconciliation, "Position unprotected",
		fmt.Sprintf("position %s (%s %s, user %s): %s", pos.ID, pos.Side, pos.Symbol, pos.UserAddress, note))
	return nil
}

// Closure is the outcome of comparing a position's two brackets.
type Closure struct {
	Reason    domain.ClosingReason
	ExitPrice float64
	// Sibling is the other bracket when it may still be resting.
	Sibling string
	// Anomaly is set when both brackets filled.
	Anomaly string
}

// DetermineClosure decides whether pos closed and why. When both brackets
// filled, the earlier fill wins; equal or missing fill times resolve to
// stop_loss.
func DetermineClosure(pos domain.Position, tp, sl domain.OrderStatus) (Closure, bool) {
	tpFilled, slFilled := tp.Filled(), sl.Filled()
	switch {
	case tpFilled && slFilled:
		c := Closure{Reason: domain.ClosingReasonStopLoss, ExitPrice: fillPrice(sl, pos.StopLossPrice)}
		if !tp.FilledAt.IsZero() && !sl.FilledAt.IsZero() && tp.FilledAt.Before(sl.FilledAt) {
			c = Closure{Reason: domain.ClosingReasonTakeProfit, ExitPrice: fillPrice(tp, pos.TakeProfitPrice)}
		}
		c.Anomaly = fmt.Sprintf("take-profit %s filled at %s, stop-loss %s filled at %s; closing as %s",
			tp.OrderID, fillTime(tp), sl.OrderID, fillTime(sl), c.Reason)
		return c, true
	case tpFilled:
		return Closure{
			Reason:    domain.ClosingReasonTakeProfit,
			ExitPrice: fillPrice(tp, pos.TakeProfitPrice),
			Sibling:   restingSibling(pos.StopLossOrderID, sl),
		}, true
	case slFilled:
		return Closure{
			Reason:    domain.ClosingReasonStopLoss,
			ExitPrice: fillPrice(sl, pos.StopLossPrice),
			Sibling:   restingSibling(pos.TakeProfitOrderID, tp),
		}, true
	}
	return Closure{}, false
}

func fillPrice(st domain.OrderStatus, fallback float64) float64 {
	if st.FilledPrice > 0 {
		return st.FilledPrice
	}
	return fallback
}

func fillTime(st domain.OrderStatus) string {
	if st.FilledAt.IsZero() {
		return "unknown time"
	}
	return st.FilledAt.UTC().Format(time.RFC3339Nano)
}

func restingSibling(orderID string, st domain.OrderStatus) string {
	if orderID == "" || st.Done() {
		return ""
	}
	return orderID
}

// checkOrphan resolves a position whose entry fill was never confirmed.
func (m *PositionMonitor) checkOrphan(ctx context.Context, creds *domain.Credentials, pos domain.Position, st *CycleStats) error {
	entry, err := m.orderStatus(ctx, creds, pos.EntryOrderID)
	notFound := errors.Is(err, domain.ErrNotFound)
	if err != nil && !notFound {
		return fmt.Errorf("entry status: %w", err)
	}
	expired := m.now().Sub(pos.OpenedAt) >= m.cfg.OrphanTimeout

	switch {
	case !notFound && (entry.Filled() || (entry.Done() && entry.FilledSize > 0)):
		if err := m.positions.MarkEntryConfirmed(ctx, pos.ID); err != nil {
			return fmt.Errorf("confirm entry: %w", err)
		}
		note := "entry filled after the confirmation window; no protective orders placed"
		if err := m.positions.FlagReconciliation(ctx, pos.ID, note); err != nil {
			return fmt.Errorf("flag reconciliation: %w", err)
		}
		pos.EntryConfirmed, pos.NeedsReconciliation, pos.ReconciliationNote = true, true, note
		m.events.record(ctx, AuditReconciliationFlagged, map[string]any{"position_id": pos.ID, "user": pos.UserAddress, "note": note})
		m.events.publish(ctx, domain.EventReconciliation, pos, note)
		m.events.alertOps(ctx, domain.EventReconciliation, "Late entry fill",
			fmt.Sprintf("position %s (%s %s, user %s): %s", pos.ID, pos.Side, pos.Symbol, pos.UserAddress, note))

	case !expired:
		return nil

	case notFound || entry.Done():
		deleted, err := m.positions.DeleteOrphan(ctx, pos.ID)
		if err != nil {
			return fmt.Errorf("delete orphan: %w", err)
		}
		if deleted {
			st.Orphans++
			detail := positionDetail(pos)
			detail["entry_order_id"] = pos.EntryOrderID
			m.events.record(ctx, AuditOrphanDeleted, detail)
			m.events.alertOps(ctx, domain.EventOrphanDeleted, "Orphan position removed",
				fmt.Sprintf("position %s (%s %s, user %s): entry %s never filled", pos.ID, pos.Side, pos.Symbol, pos.UserAddress, pos.EntryOrderID))
		}

	default:
		// Still resting past the window: cancel it and let the next cycle
		// remove the row once the exchange reports it done.
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := m.callCtx(ctx)
		_, err := m.gateway.CancelOrder(callCtx, creds, pos.EntryOrderID)
		cancel()
		if err != nil {
			return fmt.Errorf("cancel stale entry: %w", err)
		}
	}
	return nil
}

// replayPending stores trades parked on the pending stream. Inserts are
// idempotent, so a replay of an already stored row is harmless.
func (m *PositionMonitor) replayPending(ctx context.Context) int {
	if m.bus == nil {
		return 0
	}
	msgs, err := m.bus.StreamRead(ctx, domain.PendingPositionsStream, "0", m.cfg.PendingBatch)
	if err != nil {
		m.logger.WarnContext(ctx, "read pending positions failed", slog.String("error", err.Error()))
		return 0
	}
	replayed := 0
	for _, msg := range msgs {
		var pos domain.Position
		if err := json.Unmarshal(msg.Payload, &pos); err != nil || pos.ID == "" {
			m.logger.ErrorContext(ctx, "dropping unreadable pending position",
				slog.String("message_id", msg.ID),
			)
			_ = m.bus.StreamAck(ctx, domain.PendingPositionsStream, msg.ID)
			continue
		}
		created, err := m.positions.Create(ctx, pos)
		if err != nil {
			m.logger.WarnContext(ctx, "pending position still not storable",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			return replayed
		}
		if err := m.bus.StreamAck(ctx, domain.PendingPositionsStream, msg.ID); err != nil {
			m.logger.WarnContext(ctx, "ack pending position failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
		if created {
			replayed++
			detail := positionDetail(pos)
			detail["entry_order_id"] = pos.EntryOrderID
			detail["replayed"] = true
			m.events.record(ctx, AuditTradeExecuted, detail)
			m.events.publish(ctx, domain.EventPositionOpened, pos, "recovered")
			m.logger.InfoContext(ctx, "pending position stored",
				slog.String("position_id", pos.ID),
				slog.String("user", pos.UserAddress),
			)
		}
	}
	return replayed
}

// cleanupDangling retries cancels left behind by earlier closes and returns
// how many were resolved.
func (m *PositionMonitor) cleanupDangling(ctx context.Context) int {
	dangling, err := m.positions.ListDangling(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "list dangling orders failed", slog.String("error", err.Error()))
		return 0
	}
	byUser := make(map[string][]domain.Position)
	for _, pos := range dangling {
		byUser[pos.UserAddress] = append(byUser[pos.UserAddress], pos)
	}
	resolved := 0
	for address, positions := range byUser {
		creds, err := m.openCredentials(ctx, address)
		if err != nil {
			m.logger.WarnContext(ctx, "cannot open credentials for dangling cleanup",
				slog.String("user", address),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, pos := range positions {
			if err := m.limiter.Wait(ctx); err != nil {
				break
			}
			if m.closer.RetryDangling(ctx, creds, pos) {
				resolved++
			}
		}
		creds.Clear()
	}
	return resolved
}
