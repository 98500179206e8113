package domain

import (
	"strings"
	"time"
)

// Side is the direction of a perpetual position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is long or short.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// EntryOrderSide is the order side that opens a position of this side.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitOrderSide is the order side that reduces a position of this side.
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// ClosingReason records why a position was closed.
type ClosingReason string

const (
	ClosingReasonTakeProfit ClosingReason = "take_profit"
	ClosingReasonStopLoss   ClosingReason = "stop_loss"
	ClosingReasonManual     ClosingReason = "manual"
)

// Position is one trade opened from a webhook signal. EntryPrice and Size are
// fixed at creation; only the close fields and review flags change afterwards.
type Position struct {
	ID                  string         `json:"id"`
	UserAddress         string         `json:"user_address"`
	Symbol              string         `json:"symbol"`
	Side                Side           `json:"side"`
	Status              PositionStatus `json:"status"`
	EntryPrice          float64        `json:"entry_price"`
	Size                float64        `json:"size"`
	EntryOrderID        string         `json:"entry_order_id"`
	EntryClientID       uint32         `json:"entry_client_id,omitempty"`
	EntryTxHash         string         `json:"entry_tx_hash,omitempty"`
	EntryConfirmed      bool           `json:"entry_confirmed"`
	TakeProfitOrderID   string         `json:"take_profit_order_id,omitempty"`
	StopLossOrderID     string         `json:"stop_loss_order_id,omitempty"`
	TakeProfitPrice     float64        `json:"take_profit_price"`
	StopLossPrice       float64        `json:"stop_loss_price"`
	NeedsReconciliation bool           `json:"needs_reconciliation"`
	ReconciliationNote  string         `json:"reconciliation_note,omitempty"`
	DanglingOrderID     string         `json:"dangling_order_id,omitempty"`
	OpenedAt            time.Time      `json:"opened_at"`
	ClosedAt            *time.Time     `json:"closed_at,omitempty"`
	ExitPrice           *float64       `json:"exit_price,omitempty"`
	RealizedPnL         *float64       `json:"realized_pnl,omitempty"`
	ClosingReason       *ClosingReason `json:"closing_reason,omitempty"`
}

// IsOpen reports whether the position is still open.
func (p Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// DanglingOrders lists the bracket orders that still have to be cancelled.
func (p Position) DanglingOrders() []string {
	return SplitOrderIDs(p.DanglingOrderID)
}

// SplitOrderIDs parses a comma-separated dangling_order_id value.
func SplitOrderIDs(s string) []string {
	var out []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// PositionClose is the set of fields written when an open position closes.
// DanglingOrderID names the bracket orders, comma-separated, that still have
// to be cancelled.
type PositionClose struct {
	ID              string
	Reason          ClosingReason
	ExitPrice       float64
	RealizedPnL     float64
	ClosedAt        time.Time
	DanglingOrderID string
}
