package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
	"github.com/alanyoungcy/dydxrelay/internal/risk"
)

// RiskConfig holds the tunable parameters for pre-trade risk checks.
type RiskConfig struct {
	// RiskPercentage is the fraction of equity lost if the stop is hit.
	RiskPercentage float64
	// StopLossPercentage is the default stop distance from entry.
	StopLossPercentage float64
	RiskRewardRatio    float64
	MaxPositions       int
	// MaxNotional caps size*price per trade; zero disables it.
	MaxNotional float64
	SizeStep    float64
}

// TradePlan is a validated, fully sized order derived from a signal.
type TradePlan struct {
	Symbol         string
	Side           domain.Side
	Size           float64
	ReferencePrice float64
	LimitPrice     *float64
	TakeProfit     float64
	StopLoss       float64
	// Explicit bracket levels from the signal are kept as given when the
	// entry fills at a different price.
	ExplicitTakeProfit bool
	ExplicitStopLoss   bool
	ExplicitSize       bool
}

// RiskService turns a signal into a TradePlan. It reads prices and equity
// through the caller's credentials and the user's open position count, and
// otherwise relies on the pure functions in package risk.
type RiskService struct {
	gateway   domain.ExchangeGateway
	positions domain.PositionStore
	cfg       RiskConfig
	logger    *slog.Logger
}

// NewRiskService creates a RiskService with all required dependencies.
func NewRiskService(
	gateway domain.ExchangeGateway,
	positions domain.PositionStore,
	cfg RiskConfig,
	logger *slog.Logger,
) *RiskService {
	return &RiskService{
		gateway:   gateway,
		positions: positions,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "risk_service")),
	}
}

// Plan validates sig and computes any size, take-profit and stop-loss it
// leaves out. Validation failures are *risk.ValidationError values.
func (s *RiskService) Plan(ctx context.Context, creds *domain.Credentials, sig domain.Signal) (TradePlan, error) {
	// Size is validated after sizing when the signal omits it.
	size := 1.0
	if sig.Size != nil {
		size = *sig.Size
	}
	if err := risk.ValidateOrderParameters(sig.Symbol, sig.Side, size, sig.Price); err != nil {
		return TradePlan{}, err
	}

	plan := TradePlan{
		Symbol:             sig.Symbol,
		Side:               sig.Side,
		LimitPrice:         sig.Price,
		ExplicitTakeProfit: sig.TakeProfit != nil,
		ExplicitStopLoss:   sig.StopLoss != nil,
		ExplicitSize:       sig.Size != nil,
	}
	if sig.Price != nil {
		plan.ReferencePrice = *sig.Price
	} else {
		mark, err := s.gateway.MarketPrice(ctx, sig.Symbol)
		if err != nil {
			return TradePlan{}, fmt.Errorf("risk_service: market price %s: %w", sig.Symbol, err)
		}
		plan.ReferencePrice = mark
	}

	tp, sl, err := s.Brackets(plan.ReferencePrice, sig.Side, sig.TakeProfit, sig.StopLoss)
	if err != nil {
		return TradePlan{}, err
	}
	plan.TakeProfit, plan.StopLoss = tp, sl

	if sig.Size != nil {
		plan.Size = risk.RoundToStep(*sig.Size, s.cfg.SizeStep)
	} else {
		equity, err := s.gateway.GetEquity(ctx, creds)
		if err != nil {
			return TradePlan{}, fmt.Errorf("risk_service: account equity: %w", err)
		}
		sized, err := risk.PositionSize(equity, s.cfg.RiskPercentage, plan.ReferencePrice, sl)
		if err != nil {
			return TradePlan{}, err
		}
		plan.Size = risk.RoundToStep(sized, s.cfg.SizeStep)
	}
	if plan.Size <= 0 {
		return TradePlan{}, &risk.ValidationError{Problems: []string{
			fmt.Sprintf("size rounds to zero at step %v", s.cfg.SizeStep),
		}}
	}

	if s.cfg.MaxNotional > 0 {
		if notional := plan.Size * plan.ReferencePrice; notional > s.cfg.MaxNotional {
			s.logger.WarnContext(ctx, "trade notional exceeds limit",
				slog.String("user", creds.UserAddress),
				slog.Float64("notional", notional),
				slog.Float64("max", s.cfg.MaxNotional),
			)
			return TradePlan{}, &risk.ValidationError{Problems: []string{
				fmt.Sprintf("notional %.2f exceeds max %.2f", notional, s.cfg.MaxNotional),
			}}
		}
	}

	open, err := s.positions.CountOpenByUser(ctx, creds.UserAddress)
	if err != nil {
		return TradePlan{}, fmt.Errorf("risk_service: count open positions: %w", err)
	}
	if ok, reason := risk.CheckPositionLimits(open, plan.Size, s.cfg.MaxPositions); !ok {
		s.logger.WarnContext(ctx, "position limit reached",
			slog.String("user", creds.UserAddress),
			slog.Int("open", open),
			slog.Int("max", s.cfg.MaxPositions),
		)
		return TradePlan{}, &risk.ValidationError{Problems: []string{reason}}
	}

	return plan, nil
}

// Brackets returns the take-profit and stop-loss levels for entry, using the
// overrides when given. Overrides on the wrong side of entry are rejected.
func (s *RiskService) Brackets(entry float64, side domain.Side, takeProfit, stopLoss *float64) (float64, float64, error) {
	var sl float64
	if stopLoss != nil {
		sl = *stopLoss
	} else {
		v, err := risk.StopLossPrice(entry, side, s.cfg.StopLossPercentage)
		if err != nil {
			return 0, 0, err
		}
		sl = v
	}

	var tp float64
	if takeProfit != nil {
		tp = *takeProfit
	} else {
		v, err := risk.TakeProfitPrice(entry, side, s.cfg.RiskRewardRatio, sl)
		if err != nil {
			return 0, 0, err
		}
		tp = v
	}

	if err := risk.ValidateBracket(entry, side, tp, sl); err != nil {
		return 0, 0, err
	}
	return tp, sl, nil
}
