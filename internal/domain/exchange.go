package domain

import "context"

// ExchangePosition is the exchange's view of an open perpetual position.
type ExchangePosition struct {
	Symbol     string
	Side       Side
	Size       float64
	EntryPrice float64
}

// ExchangeGateway places and inspects orders on behalf of one user per call.
// Implementations must not keep any per-user session between calls.
type ExchangeGateway interface {
	SubmitOrder(ctx context.Context, creds *Credentials, req OrderRequest) (OrderAck, error)
	GetOrderStatus(ctx context.Context, creds *Credentials, orderID string) (OrderStatus, error)
	// FindOrderByClientID returns ErrNotFound when the exchange never saw the order.
	FindOrderByClientID(ctx context.Context, creds *Credentials, symbol string, clientID uint32) (OrderStatus, error)
	CancelOrder(ctx context.Context, creds *Credentials, orderID string) (bool, error)
	GetPosition(ctx context.Context, creds *Credentials, symbol string) (ExchangePosition, error)
	GetEquity(ctx context.Context, creds *Credentials) (float64, error)
	MarketPrice(ctx context.Context, symbol string) (float64, error)
	LatestBlockHeight(ctx context.Context) (uint64, error)
	// Address returns the public account address derived from creds.
	Address(ctx context.Context, creds *Credentials) (string, error)
	Name() string
}
