// Package dydx is the production ExchangeGateway for dYdX v4. Reads go to
// the public indexer REST API. Orders are signed and broadcast by a signer
// relay that receives the user's mnemonic on each call and keeps nothing.
package dydx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dydxrelay/internal/crypto"
	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// Config configures the dYdX client.
type Config struct {
	IndexerURL     string
	SignerURL      string
	RelayAuth      *crypto.RelayAuth
	Timeout        time.Duration
	MarketSlippage float64 // worst-price buffer for market and trigger orders
	Subaccount     int
}

// Client implements domain.ExchangeGateway. It holds no per-user state; the
// mnemonic travels with each call.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a dYdX client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MarketSlippage <= 0 {
		cfg.MarketSlippage = 0.05
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name identifies the gateway in logs.
func (c *Client) Name() string { return "dydx" }

// SubmitOrder signs and broadcasts req. Market and conditional orders get a
// worst acceptable price derived from the oracle or trigger price.
func (c *Client) SubmitOrder(ctx context.Context, creds *domain.Credentials, req domain.OrderRequest) (domain.OrderAck, error) {
	if !creds.HasMnemonic() {
		return domain.OrderAck{}, domain.Terminal("submit order", domain.ErrCredentialsMissing)
	}
	price, err := c.worstPrice(ctx, req)
	if err != nil {
		return domain.OrderAck{}, err
	}

	body := relayOrderRequest{
		Mnemonic:         string(creds.Mnemonic),
		SubaccountNumber: c.cfg.Subaccount,
		ClientID:         req.ClientID,
		Market:           req.Symbol,
		Side:             string(req.Side),
		Type:             string(req.Type),
		TimeInForce:      string(req.TimeInForce),
		Size:             decimal.NewFromFloat(req.Size).String(),
		Price:            price.String(),
		ReduceOnly:       req.ReduceOnly,
		GoodTilBlock:     req.GoodTilBlock,
	}
	if req.TriggerPrice > 0 {
		body.TriggerPrice = decimal.NewFromFloat(req.TriggerPrice).String()
	}
	if !req.GoodTilTime.IsZero() {
		body.GoodTilTime = req.GoodTilTime.Unix()
	}

	var resp relayOrderResponse
	if err := c.relay(ctx, "/v1/orders", body, &resp); err != nil {
		return domain.OrderAck{}, classify("submit order", err)
	}
	if resp.OrderID == "" {
		return domain.OrderAck{}, domain.Terminal("submit order", errors.New("relay returned no order id"))
	}
	return domain.OrderAck{OrderID: resp.OrderID, TxHash: resp.TxHash}, nil
}

func (c *Client) worstPrice(ctx context.Context, req domain.OrderRequest) (decimal.Decimal, error) {
	if req.Type == domain.OrderTypeLimit {
		return decimal.NewFromFloat(req.Price), nil
	}
	ref := decimal.NewFromFloat(req.TriggerPrice)
	if !req.Type.IsConditional() {
		if req.Price > 0 {
			ref = decimal.NewFromFloat(req.Price)
		} else {
			p, err := c.MarketPrice(ctx, req.Symbol)
			if err != nil {
				return decimal.Zero, err
			}
			ref = decimal.NewFromFloat(p)
		}
	}
	slip := decimal.NewFromFloat(c.cfg.MarketSlippage)
	if req.Side == domain.OrderSideBuy {
		return ref.Mul(decimal.NewFromInt(1).Add(slip)), nil
	}
	return ref.Mul(decimal.NewFromInt(1).Sub(slip)), nil
}

// GetOrderStatus returns the indexer view of an order, with the
// size-weighted fill price and the time of the last fill when filled.
func (c *Client) GetOrderStatus(ctx context.Context, creds *domain.Credentials, orderID string) (domain.OrderStatus, error) {
	var o apiOrder
	if err := c.indexer(ctx, "/v4/orders/"+url.PathEscape(orderID), nil, &o); err != nil {
		return domain.OrderStatus{}, classify("get order", err)
	}
	return c.toStatus(ctx, creds, o)
}

// FindOrderByClientID looks an order up by the client id chosen at submission.
func (c *Client) FindOrderByClientID(ctx context.Context, creds *domain.Credentials, symbol string, clientID uint32) (domain.OrderStatus, error) {
	addr, err := c.Address(ctx, creds)
	if err != nil {
		return domain.OrderStatus{}, err
	}
	q := url.Values{}
	q.Set("address", addr)
	q.Set("subaccountNumber", strconv.Itoa(c.cfg.Subaccount))
	q.Set("ticker", symbol)
	q.Set("limit", "100")

	var orders []apiOrder
	if err := c.indexer(ctx, "/v4/orders", q, &orders); err != nil {
		return domain.OrderStatus{}, classify("find order", err)
	}
	want := strconv.FormatUint(uint64(clientID), 10)
	for _, o := range orders {
		if o.ClientID == want {
			return c.toStatus(ctx, creds, o)
		}
	}
	return domain.OrderStatus{}, domain.ErrNotFound
}

func (c *Client) toStatus(ctx context.Context, creds *domain.Credentials, o apiOrder) (domain.OrderStatus, error) {
	st := domain.OrderStatus{
		OrderID:    o.ID,
		State:      toOrderState(o.Status),
		FilledSize: o.TotalFilled.InexactFloat64(),
	}
	if cid, err := strconv.ParseUint(o.ClientID, 10, 32); err == nil {
		st.ClientID = uint32(cid)
	}
	if o.TotalFilled.IsZero() {
		return st, nil
	}
	price, at, err := c.fillSummary(ctx, creds, o)
	if err != nil {
		return domain.OrderStatus{}, err
	}
	st.FilledPrice = price
	st.FilledAt = at
	return st, nil
}

func (c *Client) fillSummary(ctx context.Context, creds *domain.Credentials, o apiOrder) (float64, time.Time, error) {
	addr, err := c.Address(ctx, creds)
	if err != nil {
		return 0, time.Time{}, err
	}
	q := url.Values{}
	q.Set("address", addr)
	q.Set("subaccountNumber", strconv.Itoa(c.cfg.Subaccount))
	q.Set("market", o.Ticker)
	q.Set("marketType", "PERPETUAL")
	q.Set("limit", "100")

	var resp fillsResponse
	if err := c.indexer(ctx, "/v4/fills", q, &resp); err != nil {
		return 0, time.Time{}, classify("get fills", err)
	}
	notional, size := decimal.Zero, decimal.Zero
	var last time.Time
	for _, f := range resp.Fills {
		if f.OrderID != o.ID {
			continue
		}
		notional = notional.Add(f.Price.Mul(f.Size))
		size = size.Add(f.Size)
		if f.CreatedAt.After(last) {
			last = f.CreatedAt
		}
	}
	if size.IsZero() {
		// Fills can lag the order status; fall back to the order price.
		if o.UpdatedAt != nil {
			last = *o.UpdatedAt
		}
		return o.Price.InexactFloat64(), last, nil
	}
	return notional.Div(size).InexactFloat64(), last, nil
}

// CancelOrder cancels an order through the relay. It reports false when the
// order was already gone.
func (c *Client) CancelOrder(ctx context.Context, creds *domain.Credentials, orderID string) (bool, error) {
	if !creds.HasMnemonic() {
		return false, domain.Terminal("cancel order", domain.ErrCredentialsMissing)
	}
	var resp relayCancelResponse
	err := c.relay(ctx, "/v1/orders/cancel", relayCancelRequest{
		Mnemonic: string(creds.Mnemonic),
		OrderID:  orderID,
	}, &resp)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, classify("cancel order", err)
	}
	return resp.Cancelled, nil
}

// GetPosition returns the open perpetual position for symbol, or
// domain.ErrNotFound when flat.
func (c *Client) GetPosition(ctx context.Context, creds *domain.Credentials, symbol string) (domain.ExchangePosition, error) {
	sub, err := c.subaccount(ctx, creds)
	if err != nil {
		return domain.ExchangePosition{}, err
	}
	p, ok := sub.Subaccount.OpenPerpetualPositions[symbol]
	if !ok {
		return domain.ExchangePosition{}, domain.ErrNotFound
	}
	return domain.ExchangePosition{
		Symbol:     symbol,
		Side:       toSide(p.Side),
		Size:       p.Size.Abs().InexactFloat64(),
		EntryPrice: p.EntryPrice.InexactFloat64(),
	}, nil
}

// GetEquity returns the subaccount equity in USDC.
func (c *Client) GetEquity(ctx context.Context, creds *domain.Credentials) (float64, error) {
	sub, err := c.subaccount(ctx, creds)
	if err != nil {
		return 0, err
	}
	return sub.Subaccount.Equity.InexactFloat64(), nil
}

func (c *Client) subaccount(ctx context.Context, creds *domain.Credentials) (subaccountResponse, error) {
	addr, err := c.Address(ctx, creds)
	if err != nil {
		return subaccountResponse{}, err
	}
	var resp subaccountResponse
	path := fmt.Sprintf("/v4/addresses/%s/subaccountNumber/%d", url.PathEscape(addr), c.cfg.Subaccount)
	if err := c.indexer(ctx, path, nil, &resp); err != nil {
		return subaccountResponse{}, classify("get subaccount", err)
	}
	return resp, nil
}

// MarketPrice returns the oracle price of symbol.
func (c *Client) MarketPrice(ctx context.Context, symbol string) (float64, error) {
	q := url.Values{}
	q.Set("ticker", symbol)
	var resp perpetualMarketsResponse
	if err := c.indexer(ctx, "/v4/perpetualMarkets", q, &resp); err != nil {
		return 0, classify("get market", err)
	}
	m, ok := resp.Markets[symbol]
	if !ok || m.OraclePrice.IsZero() {
		return 0, domain.Terminal("get market", fmt.Errorf("unknown market %s: %w", symbol, domain.ErrNotFound))
	}
	return m.OraclePrice.InexactFloat64(), nil
}

// LatestBlockHeight returns the chain height used for short-term order expiry.
func (c *Client) LatestBlockHeight(ctx context.Context) (uint64, error) {
	var resp heightResponse
	if err := c.indexer(ctx, "/v4/height", nil, &resp); err != nil {
		return 0, classify("get height", err)
	}
	h, err := strconv.ParseUint(resp.Height, 10, 64)
	if err != nil {
		return 0, domain.Transient("get height", fmt.Errorf("parse height %q: %w", resp.Height, err))
	}
	return h, nil
}

// Address returns the public dYdX address for creds. A stored address is
// used as is; otherwise the relay derives it from the mnemonic.
func (c *Client) Address(ctx context.Context, creds *domain.Credentials) (string, error) {
	if creds == nil {
		return "", domain.Terminal("derive address", domain.ErrCredentialsMissing)
	}
	if creds.DydxAddress != "" {
		return creds.DydxAddress, nil
	}
	if !creds.HasMnemonic() {
		return "", domain.Terminal("derive address", domain.ErrCredentialsMissing)
	}
	var resp relayAddressResponse
	if err := c.relay(ctx, "/v1/address", relayAddressRequest{Mnemonic: string(creds.Mnemonic)}, &resp); err != nil {
		return "", classify("derive address", err)
	}
	return resp.Address, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// httpError carries a non-2xx response.
type httpError struct {
	Status int
	Body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

func (c *Client) indexer(ctx context.Context, path string, q url.Values, out any) error {
	u := c.cfg.IndexerURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) relay(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SignerURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.RelayAuth != nil {
		for k, v := range c.cfg.RelayAuth.Headers(http.MethodPost, path, string(payload)) {
			req.Header.Set(k, v)
		}
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, truncate(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpError{Status: resp.StatusCode, Body: truncate(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(b []byte) string {
	if len(b) > 512 {
		return string(b[:512]) + "..."
	}
	return string(b)
}

// classify maps transport and HTTP failures onto the transient/terminal
// split. Timeouts, 5xx and 429 are transient; other 4xx are terminal.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ue *domain.UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	var he *httpError
	if errors.As(err, &he) {
		if he.Status >= 500 || he.Status == http.StatusTooManyRequests || he.Status == http.StatusRequestTimeout {
			return domain.Transient(op, err)
		}
		return domain.Terminal(op, err)
	}
	// Timeouts, dropped connections and undecodable bodies leave the
	// outcome unknown.
	return domain.Transient(op, err)
}

var _ domain.ExchangeGateway = (*Client)(nil)
