package service

import (
	"context"
	"errors"
	"testing"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

func ptr(v float64) *float64 { return &v }

func TestPlanUsesExplicitLevels(t *testing.T) {
	env := newTestEnv(t)
	svc := NewRiskService(env.gw, env.positions, env.risk, discardLogger())
	creds := &domain.Credentials{UserAddress: "0xabc", Mnemonic: []byte("m")}

	plan, err := svc.Plan(context.Background(), creds, domain.Signal{
		Symbol: "ETH-USD", Side: domain.SideShort, Size: ptr(0.5),
		Price: ptr(3_050), TakeProfit: ptr(2_900), StopLoss: ptr(3_100),
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.ReferencePrice != 3_050 || plan.LimitPrice == nil || plan.TakeProfit != 2_900 || plan.StopLoss != 3_100 {
		t.Errorf("plan = %+v", plan)
	}
	if !plan.ExplicitTakeProfit || !plan.ExplicitStopLoss || !plan.ExplicitSize {
		t.Errorf("explicit flags not set: %+v", plan)
	}
}

func TestPlanLimits(t *testing.T) {
	env := newTestEnv(t)
	creds := &domain.Credentials{UserAddress: "0xabc", Mnemonic: []byte("m")}

	env.risk.MaxNotional = 400
	svc := NewRiskService(env.gw, env.positions, env.risk, discardLogger())
	_, err := svc.Plan(context.Background(), creds, domain.Signal{Symbol: "BTC-USD", Side: domain.SideLong, Size: ptr(0.01)})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("notional over limit: %v", err)
	}

	env.risk.MaxNotional = 0
	env.risk.MaxPositions = 1
	if _, err := env.positions.Create(context.Background(), domain.Position{
		ID: "p1", UserAddress: "0xabc", Status: domain.PositionStatusOpen, Symbol: "BTC-USD", Side: domain.SideLong, Size: 1, EntryPrice: 1,
	}); err != nil {
		t.Fatal(err)
	}
	svc = NewRiskService(env.gw, env.positions, env.risk, discardLogger())
	_, err = svc.Plan(context.Background(), creds, domain.Signal{Symbol: "BTC-USD", Side: domain.SideLong, Size: ptr(0.01)})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("position limit: %v", err)
	}

	_, err = svc.Plan(context.Background(), &domain.Credentials{UserAddress: "0xdef", Mnemonic: []byte("n")},
		domain.Signal{Symbol: "BTC-USD", Side: domain.SideLong, Size: ptr(0.0001)})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("size below step: %v", err)
	}
}

func TestPlanUnknownMarket(t *testing.T) {
	env := newTestEnv(t)
	svc := NewRiskService(env.gw, env.positions, env.risk, discardLogger())
	_, err := svc.Plan(context.Background(), &domain.Credentials{UserAddress: "0xabc", Mnemonic: []byte("m")},
		domain.Signal{Symbol: "DOGE-USD", Side: domain.SideLong, Size: ptr(10)})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
