package domain

import "time"

// Signal is a parsed webhook alert. It is never persisted.
type Signal struct {
	Symbol     string   `json:"symbol"`
	Side       Side     `json:"side"`
	Secret     string   `json:"secret,omitempty"`
	Price      *float64 `json:"price,omitempty"`
	Size       *float64 `json:"size,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
}

// IsLimit reports whether the signal asks for a limit entry.
func (s Signal) IsLimit() bool {
	return s.Price != nil
}

// PositionEvent is published on the per-user bus channel whenever a position
// changes state.
type PositionEvent struct {
	Type      string    `json:"type"`
	Position  Position  `json:"position"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventPositionOpened   = "position_opened"
	EventPositionClosed   = "position_closed"
	EventReconciliation   = "reconciliation"
	EventDanglingOrder    = "dangling_order"
	EventCloseAnomaly     = "close_anomaly"
	EventUnpersistedTrade = "unpersisted_trade"
	EventOrphanDeleted    = "orphan_deleted"
)

// PositionChannel is the bus channel carrying one user's position events.
func PositionChannel(userAddress string) string {
	return "positions:" + userAddress
}

// PendingPositionsStream is the durable stream of trades that could not be
// written to the position store.
const PendingPositionsStream = "stream:pending_positions"
