package dydx

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// --------------------------------------------------------------------------
// Indexer DTOs
// --------------------------------------------------------------------------

type heightResponse struct {
	Height string    `json:"height"`
	Time   time.Time `json:"time"`
}

type perpetualMarket struct {
	Ticker      string          `json:"ticker"`
	Status      string          `json:"status"`
	OraclePrice decimal.Decimal `json:"oraclePrice"`
	TickSize    decimal.Decimal `json:"tickSize"`
	StepSize    decimal.Decimal `json:"stepSize"`
}

type perpetualMarketsResponse struct {
	Markets map[string]perpetualMarket `json:"markets"`
}

// apiOrder is an order as returned by /v4/orders.
type apiOrder struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"clientId"`
	Ticker      string          `json:"ticker"`
	Side        string          `json:"side"`
	Size        decimal.Decimal `json:"size"`
	TotalFilled decimal.Decimal `json:"totalFilled"`
	Price       decimal.Decimal `json:"price"`
	Status      string          `json:"status"`
	Type        string          `json:"type"`
	UpdatedAt   *time.Time      `json:"updatedAt,omitempty"`
}

type apiFill struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	Market    string          `json:"market"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	CreatedAt time.Time       `json:"createdAt"`
}

type fillsResponse struct {
	Fills []apiFill `json:"fills"`
}

type apiPerpetualPosition struct {
	Market     string          `json:"market"`
	Side       string          `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
}

type subaccountResponse struct {
	Subaccount struct {
		Address                string                          `json:"address"`
		SubaccountNumber       int                             `json:"subaccountNumber"`
		Equity                 decimal.Decimal                 `json:"equity"`
		FreeCollateral         decimal.Decimal                 `json:"freeCollateral"`
		OpenPerpetualPositions map[string]apiPerpetualPosition `json:"openPerpetualPositions"`
	} `json:"subaccount"`
}

// --------------------------------------------------------------------------
// Signer relay DTOs
// --------------------------------------------------------------------------

type relayOrderRequest struct {
	Mnemonic         string `json:"mnemonic"`
	SubaccountNumber int    `json:"subaccount_number"`
	ClientID         uint32 `json:"client_id"`
	Market           string `json:"market"`
	Side             string `json:"side"`
	Type             string `json:"type"`
	TimeInForce      string `json:"time_in_force"`
	Size             string `json:"size"`
	Price            string `json:"price"`
	TriggerPrice     string `json:"trigger_price,omitempty"`
	ReduceOnly       bool   `json:"reduce_only"`
	GoodTilBlock     uint64 `json:"good_til_block,omitempty"`
	GoodTilTime      int64  `json:"good_til_time,omitempty"`
}

type relayOrderResponse struct {
	OrderID string `json:"order_id"`
	TxHash  string `json:"tx_hash"`
}

type relayCancelRequest struct {
	Mnemonic string `json:"mnemonic"`
	OrderID  string `json:"order_id"`
}

type relayCancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	TxHash    string `json:"tx_hash"`
}

type relayAddressRequest struct {
	Mnemonic string `json:"mnemonic"`
}

type relayAddressResponse struct {
	Address string `json:"address"`
}

func toOrderState(status string) domain.OrderState {
	switch status {
	case "FILLED":
		return domain.OrderStateFilled
	case "CANCELED":
		return domain.OrderStateCanceled
	case "BEST_EFFORT_CANCELED":
		return domain.OrderStateBestEffortCanceled
	case "UNTRIGGERED":
		return domain.OrderStateUntriggered
	default:
		return domain.OrderStateOpen
	}
}

func toSide(side string) domain.Side {
	if side == "SHORT" {
		return domain.SideShort
	}
	return domain.SideLong
}

// --------------------------------------------------------------------------
// Indexer WebSocket DTOs
// --------------------------------------------------------------------------

type wsSubscribe struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Batched bool   `json:"batched,omitempty"`
}

type wsEnvelope struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	Contents json.RawMessage `json:"contents"`
}

type wsMarketsSnapshot struct {
	Markets map[string]perpetualMarket `json:"markets"`
}

type wsOraclePrice struct {
	OraclePrice decimal.Decimal `json:"oraclePrice"`
}

type wsMarketsUpdate struct {
	OraclePrices map[string]wsOraclePrice `json:"oraclePrices"`
}
