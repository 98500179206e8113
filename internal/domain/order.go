package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the dYdX order type.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
)

// IsConditional reports whether the order waits for a trigger price.
func (t OrderType) IsConditional() bool {
	return t == OrderTypeTakeProfitMarket || t == OrderTypeStopMarket
}

// TimeInForce is the execution policy of an order.
type TimeInForce string

const (
	TimeInForceGTT TimeInForce = "GTT" // Good-Til-Time
	TimeInForceIOC TimeInForce = "IOC" // Immediate-Or-Cancel
	TimeInForceFOK TimeInForce = "FOK" // Fill-Or-Kill
)

// OrderState is the exchange-reported state of an order.
type OrderState string

const (
	OrderStateOpen               OrderState = "OPEN"
	OrderStateUntriggered        OrderState = "UNTRIGGERED"
	OrderStateFilled             OrderState = "FILLED"
	OrderStateCanceled           OrderState = "CANCELED"
	OrderStateBestEffortCanceled OrderState = "BEST_EFFORT_CANCELED"
)

// OrderRequest is everything the exchange needs to place one order. ClientID
// is chosen by the caller and reused on retries so that a resubmission can be
// detected on the exchange side.
type OrderRequest struct {
	ClientID     uint32
	Symbol       string
	Side         OrderSide
	Type         OrderType
	TimeInForce  TimeInForce
	Size         float64
	Price        float64
	TriggerPrice float64
	ReduceOnly   bool
	GoodTilBlock uint64
	GoodTilTime  time.Time
}

// OrderAck is the exchange acknowledgement of a broadcast order.
type OrderAck struct {
	OrderID string
	TxHash  string
}

// OrderStatus is a point-in-time view of an order on the exchange.
type OrderStatus struct {
	OrderID     string
	ClientID    uint32
	State       OrderState
	FilledSize  float64
	FilledPrice float64
	FilledAt    time.Time
}

// Filled reports whether the order is completely filled.
func (s OrderStatus) Filled() bool {
	return s.State == OrderStateFilled
}

// Done reports whether the order can no longer fill.
func (s OrderStatus) Done() bool {
	switch s.State {
	case OrderStateFilled, OrderStateCanceled, OrderStateBestEffortCanceled:
		return true
	}
	return false
}
