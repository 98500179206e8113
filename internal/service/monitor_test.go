package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
	"github.com/alanyoungcy/dydxrelay/internal/platform/paper"
)

func TestMonitorClosesOnTakeProfit(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")
	pos := env.openTrade(env.orchestrator(), alice, "")
	m := env.positionMonitor()

	env.gw.SetPrice("BTC-USD", 52_500)
	stats, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if stats.Closed != 1 || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	got, err := env.positions.GetByID(context.Background(), pos.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsOpen() || got.ClosingReason == nil || *got.ClosingReason != domain.ClosingReasonTakeProfit {
		t.Fatalf("position = %+v", got)
	}
	if *got.ExitPrice != 52_500 || *got.RealizedPnL != 25 {
		t.Errorf("exit = %v pnl = %v", *got.ExitPrice, *got.RealizedPnL)
	}
	if got.DanglingOrderID != "" {
		t.Errorf("dangling = %s", got.DanglingOrderID)
	}
	if st := orderState(env.gw, alice.creds(), pos.StopLossOrderID); st != domain.OrderStateCanceled {
		t.Errorf("stop-loss state = %s, want canceled", st)
	}

	// A second pass finds nothing to do.
	stats, err = m.RunCycle(context.Background())
	if err != nil || stats.Closed != 0 || stats.Checked != 0 {
		t.Fatalf("second cycle: %+v, %v", stats, err)
	}
	want := []string{"Position opened", "Position closed"}
	titles := env.notes.titles(alice.Address)
	if len(titles) != len(want) || titles[1] != want[1] {
		t.Errorf("notifications = %v, want %v", titles, want)
	}
}

func TestMonitorClosesShortOnStopLoss(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")
	body := []byte(`{"symbol":"ETH-USD","side":"short","size":1,"secret":"secret-alice"}`)
	res, err := env.orchestrator().Execute(context.Background(), alice.WebhookID, body)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	env.gw.SetPrice("ETH-USD", 3_100)
	if _, err := env.positionMonitor().RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := env.positions.GetByID(context.Background(), res.Position.ID)
	if got.ClosingReason == nil || *got.ClosingReason != domain.ClosingReasonStopLoss {
		t.Fatalf("position = %+v", got)
	}
	if *got.RealizedPnL != -100 {
		t.Errorf("pnl = %v, want -100", *got.RealizedPnL)
	}
}

func TestCheckPositionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")
	pos := env.openTrade(env.orchestrator(), alice, "")
	m := env.positionMonitor()
	env.gw.SetPrice("BTC-USD", 53_000)

	creds := alice.creds()
	var st CycleStats
	// Both calls use the stale open snapshot, as two overlapping cycles would.
	if err := m.CheckPosition(context.Background(), creds, pos, &st); err != nil {
		t.Fatal(err)
	}
	if err := m.CheckPosition(context.Background(), creds, pos, &st); err != nil {
		t.Fatal(err)
	}
	if st.Closed != 1 {
		t.Errorf("closed = %d, want 1", st.Closed)
	}
	n := 0
	for _, e := range env.audit.Events() {
		if e == AuditPositionClosed {
			n++
		}
	}
	if n != 1 {
		t.Errorf("position_closed audit entries = %d, want 1", n)
	}
}

func TestDetermineClosure(t *testing.T) {
	t0 := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	pos := domain.Position{
		TakeProfitOrderID: "tp", StopLossOrderID: "sl",
		TakeProfitPrice: 110, StopLossPrice: 95,
	}
	filled := func(id string, price float64, at time.Time) domain.OrderStatus {
		return domain.OrderStatus{OrderID: id, State: domain.OrderStateFilled, FilledPrice: price, FilledAt: at}
	}
	resting := func(id string) domain.OrderStatus {
		return domain.OrderStatus{OrderID: id, State: domain.OrderStateUntriggered}
	}

	tests := []struct {
		name      string
		tp, sl    domain.OrderStatus
		closed    bool
		reason    domain.ClosingReason
		exit      float64
		sibling   string
		anomalous bool
	}{
		{name: "nothing filled", tp: resting("tp"), sl: resting("sl")},
		{name: "take profit", tp: filled("tp", 111, t0), sl: resting("sl"), closed: true, reason: domain.ClosingReasonTakeProfit, exit: 111, sibling: "sl"},
		{name: "stop loss", tp: resting("tp"), sl: filled("sl", 94, t0), closed: true, reason: domain.ClosingReasonStopLoss, exit: 94, sibling: "tp"},
		{name: "stop loss without fill price", tp: resting("tp"), sl: filled("sl", 0, t0), closed: true, reason: domain.ClosingReasonStopLoss, exit: 95, sibling: "tp"},
		{name: "sibling already canceled", tp: filled("tp", 110, t0), sl: domain.OrderStatus{OrderID: "sl", State: domain.OrderStateCanceled}, closed: true, reason: domain.ClosingReasonTakeProfit, exit: 110},
		{name: "both, take profit first", tp: filled("tp", 110, t0), sl: filled("sl", 95, t0.Add(time.Second)), closed: true, reason: domain.ClosingReasonTakeProfit, exit: 110, anomalous: true},
		{name: "both, stop loss first", tp: filled("tp", 110, t0.Add(time.Second)), sl: filled("sl", 95, t0), closed: true, reason: domain.ClosingReasonStopLoss, exit: 95, anomalous: true},
		{name: "both, same time", tp: filled("tp", 110, t0), sl: filled("sl", 95, t0), closed: true, reason: domain.ClosingReasonStopLoss, exit: 95, anomalous: true},
		{name: "both, unknown time", tp: filled("tp", 110, time.Time{}), sl: filled("sl", 95, t0), closed: true, reason: domain.ClosingReasonStopLoss, exit: 95, anomalous: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := DetermineClosure(pos, tt.tp, tt.sl)
			if ok != tt.closed {
				t.Fatalf("closed = %v, want %v", ok, tt.closed)
			}
			if !ok {
				return
			}
			if c.Reason != tt.reason || c.ExitPrice != tt.exit || c.Sibling != tt.sibling {
				t.Errorf("closure = %+v", c)
			}
			if (c.Anomaly != "") != tt.anomalous {
				t.Errorf("anomaly = %q", c.Anomaly)
			}
		})
	}
}

func TestMonitorBothBracketsFilledAlertsOps(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")
	pos := env.openTrade(env.orchestrator(), alice, "")

	env.gw.SetPrice("BTC-USD", 48_000)
	env.gw.SetPrice("BTC-USD", 53_000)
	if _, err := env.positionMonitor().RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := env.positions.GetByID(context.Background(), pos.ID)
	if got.ClosingReason == nil || *got.ClosingReason != domain.ClosingReasonStopLoss {
		t.Fatalf("reason = %v, want stop_loss", got.ClosingReason)
	}
	if !env.ops.has(domain.EventCloseAnomaly) {
		t.Error("anomaly not reported")
	}
}

func TestMonitorRetriesDanglingSibling(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")
	pos := env.openTrade(env.orchestrator(), alice, "")
	m := env.positionMonitor()

	env.gw.FailCancel(pos.StopLossOrderID, domain.Transient("cancel order", errors.New("timeout")))
	env.gw.SetPrice("BTC-USD", 52_500)
	if _, err := m.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := env.positions.GetByID(context.Background(), pos.ID)
	if got.IsOpen() || got.DanglingOrderID != pos.StopLossOrderID {
		t.Fatalf("status %s dangling %q", got.Status, got.DanglingOrderID)
	}
	if !env.ops.has(domain.EventDanglingOrder) {
		t.Error("dangling order not reported")
	}

	env.gw.FailCancel(pos.StopLossOrderID, nil)
	stats, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Dangling != 1 {
		t.Errorf("dangling resolved = %d, want 1", stats.Dangling)
	}
	got, _ = env.positions.GetByID(context.Background(), pos.ID)
	if got.DanglingOrderID != "" {
		t.Errorf("dangling order still recorded: %s", got.DanglingOrderID)
	}
	if st := orderState(env.gw, alice.creds(), pos.StopLossOrderID); st != domain.OrderStateCanceled {
		t.Errorf("stop-loss state = %s", st)
	}
}

func TestMonitorIsolatesUserFailures(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	o := env.orchestrator()
	alicePos := env.openTrade(o, alice, "")
	env.openTrade(o, bob, "")

	// Bob's stored mnemonic no longer opens.
	if err := env.users.SetMnemonic(context.Background(), bob.Address, "ENC[v1]:garbage", ""); err != nil {
		t.Fatal(err)
	}
	env.gw.SetPrice("BTC-USD", 52_500)
	stats, err := env.positionMonitor().RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Users != 2 || stats.Closed != 1 || stats.Errors != 1 {
		t.Errorf("stats = %+v", stats)
	}
	got, _ := env.positions.GetByID(context.Background(), alicePos.ID)
	if got.IsOpen() {
		t.Error("alice's position not closed")
	}
	if n := len(env.openPositions(bob.Address)); n != 1 {
		t.Errorf("bob open positions = %d, want 1", n)
	}
}

func (e *testEnv) unconfirmedPosition(u testUser, entryOrderID string, age time.Duration) domain.Position {
	e.t.Helper()
	pos := domain.Position{
		ID: "orphan-" + entryOrderID, UserAddress: u.Address, Symbol: "BTC-USD", Side: domain.SideLong,
		Status: domain.PositionStatusOpen, EntryPrice: 50_000, Size: 0.01, EntryOrderID: entryOrderID,
		TakeProfitPrice: 52_000, StopLossPrice: 49_000, OpenedAt: time.Now().Add(-age),
	}
	if _, err := e.positions.Create(context.Background(), pos); err != nil {
		e.t.Fatal(err)
	}
	return pos
}

func TestMonitorRemovesExpiredOrphan(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")
	expired := env.unconfirmedPosition(alice, "never-placed", 2*time.Hour)
	fresh := env.unconfirmedPosition(alice, "just-sent", time.Minute)

	stats, err := env.positionMonitor().RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Orphans != 1 {
		t.Errorf("orphans = %d, want 1", stats.Orphans)
	}
	if _, err := env.positions.GetByID(context.Background(), expired.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expired orphan still stored: %v", err)
	}
	if _, err := env.positions.GetByID(context.Background(), fresh.ID); err != nil {
		t.Errorf("fresh orphan removed: %v", err)
	}
	if !env.ops.has(domain.EventOrphanDeleted) {
		t.Error("ops not alerted")
	}
}

func TestMonitorConfirmsLateEntryFill(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")
	ack, err := env.gw.SubmitOrder(context.Background(), alice.creds(), domain.OrderRequest{
		ClientID: 7, Symbol: "BTC-USD", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceGTT, Size: 0.01, Price: 49_500,
	})
	if err != nil {
		t.Fatal(err)
	}
	pos := env.unconfirmedPosition(alice, ack.OrderID, time.Minute)
	env.gw.SetPrice("BTC-USD", 49_400)

	if _, err := env.positionMonitor().RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := env.positions.GetByID(context.Background(), pos.ID)
	if !got.EntryConfirmed || !got.NeedsReconciliation {
		t.Errorf("position = confirmed %v flagged %v", got.EntryConfirmed, got.NeedsReconciliation)
	}
}

func TestMonitorCancelsStaleRestingEntry(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")
	ack, err := env.gw.SubmitOrder(context.Background(), alice.creds(), domain.OrderRequest{
		ClientID: 9, Symbol: "BTC-USD", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceGTT, Size: 0.01, Price: 40_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	pos := env.unconfirmedPosition(alice, ack.OrderID, 2*time.Hour)
	m := env.positionMonitor()

	if _, err := m.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := orderState(env.gw, alice.creds(), ack.OrderID); st != domain.OrderStateCanceled {
		t.Fatalf("entry state = %s, want canceled", st)
	}
	if _, err := env.positions.GetByID(context.Background(), pos.ID); err != nil {
		t.Fatalf("row removed before the cancel was observed: %v", err)
	}

	stats, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Orphans != 1 {
		t.Errorf("orphans = %d, want 1", stats.Orphans)
	}
}

func TestMonitorFlagsPositionWhoseBracketsEnded(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")
	pos := env.openTrade(env.orchestrator(), alice, "")
	for _, id := range []string{pos.TakeProfitOrderID, pos.StopLossOrderID} {
		if _, err := env.gw.CancelOrder(context.Background(), alice.creds(), id); err != nil {
			t.Fatal(err)
		}
	}
	m := env.positionMonitor()

	for i := range 3 {
		stats, err := m.RunCycle(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		want := 0
		if i == 0 {
			want = 1
		}
		if stats.Flagged != want || stats.Closed != 0 {
			t.Errorf("cycle %d: flagged = %d closed = %d", i, stats.Flagged, stats.Closed)
		}
	}

	got, _ := env.positions.GetByID(context.Background(), pos.ID)
	if !got.IsOpen() || !got.NeedsReconciliation {
		t.Fatalf("position open %v flagged %v", got.IsOpen(), got.NeedsReconciliation)
	}
	if !strings.Contains(got.ReconciliationNote, pos.TakeProfitOrderID) || !strings.Contains(got.ReconciliationNote, pos.StopLossOrderID) {
		t.Errorf("note = %q", got.ReconciliationNote)
	}
	if n := env.ops.count(domain.EventReconciliation); n != 1 {
		t.Errorf("reconciliation alerts = %d, want 1", n)
	}
}

// hangingCancel never answers a cancel before its context ends.
type hangingCancel struct {
	*paper.Gateway
	bounded atomic.Bool
}

func (g *hangingCancel) CancelOrder(ctx context.Context, _ *domain.Credentials, _ string) (bool, error) {
	_, ok := ctx.Deadline()
	g.bounded.Store(ok)
	<-ctx.Done()
	return false, domain.Transient("cancel order", ctx.Err())
}

func TestMonitorBoundsStaleEntryCancel(t *testing.T) {
	env := newTestEnv(t)
	env.monitor.CallTimeout = 20 * time.Millisecond
	alice := env.addUser("alice")
	ack, err := env.gw.SubmitOrder(context.Background(), alice.creds(), domain.OrderRequest{
		ClientID: 9, Symbol: "BTC-USD", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceGTT, Size: 0.01, Price: 40_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.unconfirmedPosition(alice, ack.OrderID, 2*time.Hour)
	gw := &hangingCancel{Gateway: env.gw}
	env.gateway = gw

	done := make(chan CycleStats, 1)
	go func() {
		stats, _ := env.positionMonitor().RunCycle(context.Background())
		done <- stats
	}()
	select {
	case stats := <-done:
		if stats.Errors != 1 {
			t.Errorf("errors = %d, want 1", stats.Errors)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cycle stuck on a cancel without a deadline")
	}
	if !gw.bounded.Load() {
		t.Error("cancel ran without a deadline")
	}
}

func TestMonitorSkipsWhenLockHeld(t *testing.T) {
	env := newTestEnv(t)
	unlock, err := env.cache.Acquire(context.Background(), MonitorLockKey, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	stats, err := env.positionMonitor().RunCycle(context.Background())
	if err != nil || !stats.Skipped {
		t.Fatalf("stats = %+v err = %v, want skipped", stats, err)
	}
}

func TestMonitorStartStop(t *testing.T) {
	env := newTestEnv(t)
	m := env.positionMonitor()
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Error("second Start succeeded")
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Stop(stopCtx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Errorf("restart: %v", err)
	}
	_ = m.Stop(stopCtx)
}

func TestMonitorTriggerRunsCycle(t *testing.T) {
	env := newTestEnv(t)
	m := env.positionMonitor()
	ctx := context.Background()
	if _, ok := m.LastCycle(); ok {
		t.Fatal("report before first cycle")
	}

	waitFor := func(cond func(CycleReport) bool) CycleReport {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if r, ok := m.LastCycle(); ok && cond(r) {
				return r
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatal("timed out waiting for monitor cycle")
		return CycleReport{}
	}

	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = m.Stop(stopCtx)
	}()
	waitFor(func(CycleReport) bool { return true })

	u := env.addUser("alice")
	env.openTrade(env.orchestrator(), u, "")
	m.Trigger()
	m.Trigger()
	r := waitFor(func(r CycleReport) bool { return r.Stats.Checked == 1 })
	if r.Error != "" || r.Stats.Users != 1 {
		t.Errorf("report = %+v", r)
	}
}
