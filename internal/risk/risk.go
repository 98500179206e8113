// Package risk holds the pure order-validation and price-level functions used
// before anything is sent to the exchange. Arithmetic is done in decimal so
// that price levels and sizes do not pick up binary float noise.
package risk

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,20}-[A-Z0-9]{2,10}$`)

// ValidationError lists every problem found in one set of order parameters.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "risk: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return domain.ErrValidation
}

func invalid(format string, args ...any) error {
	return &ValidationError{Problems: []string{fmt.Sprintf(format, args...)}}
}

// NormalizeSymbol upper-cases a market symbol and accepts "BTC/USD" as "BTC-USD".
func NormalizeSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(symbol)), "/", "-")
}

// ValidSymbol reports whether symbol has the BASE-QUOTE shape.
func ValidSymbol(symbol string) bool {
	return symbolPattern.MatchString(symbol)
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// ValidateOrderParameters checks the shape of an order. A nil price means a
// market order. All problems are reported together.
func ValidateOrderParameters(symbol string, side domain.Side, size float64, price *float64) error {
	var problems []string
	if !ValidSymbol(symbol) {
		problems = append(problems, fmt.Sprintf("symbol %q must look like BASE-QUOTE", symbol))
	}
	if !side.Valid() {
		problems = append(problems, fmt.Sprintf("side %q must be long or short", side))
	}
	if !positive(size) {
		problems = append(problems, fmt.Sprintf("size %v must be greater than zero", size))
	}
	if price != nil && !positive(*price) {
		problems = append(problems, fmt.Sprintf("price %v must be greater than zero", *price))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// StopLossPrice places the stop riskPct away from entry, below it for longs
// and above it for shorts.
func StopLossPrice(entry float64, side domain.Side, riskPct float64) (float64, error) {
	if !positive(entry) {
		return 0, invalid("entry price %v must be greater than zero", entry)
	}
	if !positive(riskPct) || riskPct >= 1 {
		return 0, fmt.Errorf("risk: stop distance %v outside (0, 1): %w", riskPct, domain.ErrInvalidRiskParameters)
	}
	e := decimal.NewFromFloat(entry)
	offset := e.Mul(decimal.NewFromFloat(riskPct))
	if side == domain.SideShort {
		return e.Add(offset).InexactFloat64(), nil
	}
	return e.Sub(offset).InexactFloat64(), nil
}

// TakeProfitPrice places the target rr times the stop distance on the other
// side of entry.
func TakeProfitPrice(entry float64, side domain.Side, rr float64, stop float64) (float64, error) {
	if !positive(rr) {
		return 0, fmt.Errorf("risk: reward ratio %v must be positive: %w", rr, domain.ErrInvalidRiskParameters)
	}
	if !positive(entry) || !positive(stop) {
		return 0, invalid("entry %v and stop %v must be greater than zero", entry, stop)
	}
	e := decimal.NewFromFloat(entry)
	s := decimal.NewFromFloat(stop)
	r := decimal.NewFromFloat(rr)
	switch side {
	case domain.SideLong:
		if !s.LessThan(e) {
			return 0, invalid("long stop %v must be below entry %v", stop, entry)
		}
		return e.Add(e.Sub(s).Mul(r)).InexactFloat64(), nil
	case domain.SideShort:
		if !s.GreaterThan(e) {
			return 0, invalid("short stop %v must be above entry %v", stop, entry)
		}
		tp := e.Sub(s.Sub(e).Mul(r))
		if !tp.IsPositive() {
			return 0, invalid("short target %s would be at or below zero", tp)
		}
		return tp.InexactFloat64(), nil
	default:
		return 0, invalid("side %q must be long or short", side)
	}
}

// ValidateBracket checks TP > entry > SL for longs and TP < entry < SL for
// shorts. Bad levels are rejected, never corrected.
func ValidateBracket(entry float64, side domain.Side, takeProfit, stopLoss float64) error {
	var problems []string
	switch side {
	case domain.SideLong:
		if !(takeProfit > entry) {
			problems = append(problems, fmt.Sprintf("long take profit %v must be above entry %v", takeProfit, entry))
		}
		if !(stopLoss < entry) {
			problems = append(problems, fmt.Sprintf("long stop loss %v must be below entry %v", stopLoss, entry))
		}
	case domain.SideShort:
		if !(takeProfit < entry) {
			problems = append(problems, fmt.Sprintf("short take profit %v must be below entry %v", takeProfit, entry))
		}
		if !(stopLoss > entry) {
			problems = append(problems, fmt.Sprintf("short stop loss %v must be above entry %v", stopLoss, entry))
		}
	default:
		problems = append(problems, fmt.Sprintf("side %q must be long or short", side))
	}
	if !positive(takeProfit) || !positive(stopLoss) {
		problems = append(problems, "bracket prices must be greater than zero")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// PositionSize returns the size at which hitting the stop loses
// balance*riskPct.
func PositionSize(balance, riskPct, entry, stop float64) (float64, error) {
	if !positive(riskPct) {
		return 0, fmt.Errorf("risk: risk percentage %v must be positive: %w", riskPct, domain.ErrInvalidRiskParameters)
	}
	if !positive(balance) {
		return 0, fmt.Errorf("risk: account balance %v must be positive: %w", balance, domain.ErrInvalidRiskParameters)
	}
	distance := decimal.NewFromFloat(entry).Sub(decimal.NewFromFloat(stop)).Abs()
	if distance.IsZero() {
		return 0, fmt.Errorf("risk: stop equals entry: %w", domain.ErrInvalidRiskParameters)
	}
	budget := decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(riskPct))
	return budget.DivRound(distance, 12).InexactFloat64(), nil
}

// RoundToStep rounds size down to a multiple of step. A zero step is a no-op.
func RoundToStep(size, step float64) float64 {
	if step <= 0 {
		return size
	}
	st := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(size).Div(st).Floor().Mul(st).InexactFloat64()
}

// CheckPositionLimits rejects a new position when the user already holds
// maxPositions open ones. maxPositions <= 0 disables the check.
func CheckPositionLimits(currentOpen int, newSize float64, maxPositions int) (bool, string) {
	if !positive(newSize) {
		return false, fmt.Sprintf("size %v must be greater than zero", newSize)
	}
	if maxPositions > 0 && currentOpen >= maxPositions {
		return false, fmt.Sprintf("open positions %d reached limit %d", currentOpen, maxPositions)
	}
	return true, ""
}

// RealizedPnL is (exit-entry)*size for longs and (entry-exit)*size for shorts.
func RealizedPnL(side domain.Side, entry, exit, size float64) float64 {
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	if side == domain.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromFloat(size)).Round(8).InexactFloat64()
}
