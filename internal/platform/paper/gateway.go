// Package paper is a simulated ExchangeGateway. Market orders fill at the
// current mark; take-profit and stop orders wait untriggered until the mark
// crosses their trigger. Accounts are keyed by an address derived from the
// mnemonic passed on each call, so users never see each other's orders.
package paper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// PriceSource supplies live marks, e.g. the dYdX indexer.
type PriceSource interface {
	MarketPrice(ctx context.Context, symbol string) (float64, error)
}

// Config configures the simulated exchange.
type Config struct {
	StartingEquity float64
	Prices         map[string]float64
	BlockTime      time.Duration
}

type order struct {
	owner string
	req   domain.OrderRequest
	st    domain.OrderStatus
}

// Fault makes the next matching call fail. When Placed is set on a submit
// fault, the order is accepted before the error is returned, which simulates
// a broadcast whose acknowledgement was lost.
type Fault struct {
	Err    error
	Placed bool
}

// Gateway implements domain.ExchangeGateway in memory.
type Gateway struct {
	mu        sync.Mutex
	now       func() time.Time
	source    PriceSource
	prices    map[string]float64
	orders    map[string]*order
	order     []string
	equity    map[string]float64
	positions map[string]map[string]domain.ExchangePosition
	start     float64
	seq       int
	genesis   time.Time
	blockTime time.Duration

	submitFaults []Fault
	statusFaults map[string]error
	cancelFaults map[string]error
}

// New creates a simulated exchange.
func New(cfg Config) *Gateway {
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = time.Second
	}
	g := &Gateway{
		now:          time.Now,
		prices:       make(map[string]float64),
		orders:       make(map[string]*order),
		equity:       make(map[string]float64),
		positions:    make(map[string]map[string]domain.ExchangePosition),
		start:        cfg.StartingEquity,
		genesis:      time.Now(),
		blockTime:    cfg.BlockTime,
		statusFaults: make(map[string]error),
		cancelFaults: make(map[string]error),
	}
	for sym, p := range cfg.Prices {
		g.prices[sym] = p
	}
	return g
}

// Name identifies the gateway in logs.
func (g *Gateway) Name() string { return "paper" }

// WithPriceSource pulls marks from src whenever a price is needed.
func (g *Gateway) WithPriceSource(src PriceSource) *Gateway {
	g.source = src
	return g
}

// SetClock overrides the time source.
func (g *Gateway) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// FailNextSubmit queues a fault for the next SubmitOrder call.
func (g *Gateway) FailNextSubmit(f Fault) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitFaults = append(g.submitFaults, f)
}

// FailStatus makes GetOrderStatus and FindOrderByClientID fail for orderID
// ("*" matches all) until cleared with a nil error.
func (g *Gateway) FailStatus(orderID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.statusFaults, orderID)
		return
	}
	g.statusFaults[orderID] = err
}

// FailCancel makes CancelOrder fail for orderID until cleared with a nil error.
func (g *Gateway) FailCancel(orderID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.cancelFaults, orderID)
		return
	}
	g.cancelFaults[orderID] = err
}

// SetEquity sets the account equity for the account behind creds.
func (g *Gateway) SetEquity(creds *domain.Credentials, equity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.equity[accountOf(creds)] = equity
}

// SetPrice moves the mark for symbol and fills any trigger or limit orders
// it crosses.
func (g *Gateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setPriceLocked(symbol, price)
}

func (g *Gateway) setPriceLocked(symbol string, price float64) {
	g.prices[symbol] = price
	for _, id := range g.order {
		o := g.orders[id]
		if o.req.Symbol != symbol || o.st.Done() {
			continue
		}
		if crosses(o.req, price) {
			fill := price
			if o.req.Type == domain.OrderTypeLimit {
				fill = o.req.Price
			}
			g.fillLocked(o, fill)
		}
	}
}

// crosses reports whether a resting order executes at mark.
func crosses(req domain.OrderRequest, mark float64) bool {
	buy := req.Side == domain.OrderSideBuy
	switch req.Type {
	case domain.OrderTypeLimit:
		if buy {
			return mark <= req.Price
		}
		return mark >= req.Price
	case domain.OrderTypeTakeProfitMarket:
		if buy {
			return mark <= req.TriggerPrice
		}
		return mark >= req.TriggerPrice
	case domain.OrderTypeStopMarket:
		if buy {
			return mark >= req.TriggerPrice
		}
		return mark <= req.TriggerPrice
	}
	return false
}

func (g *Gateway) fillLocked(o *order, price float64) {
	o.st.State = domain.OrderStateFilled
	o.st.FilledSize = o.req.Size
	o.st.FilledPrice = price
	o.st.FilledAt = g.now()

	book := g.positions[o.owner]
	if book == nil {
		book = make(map[string]domain.ExchangePosition)
		g.positions[o.owner] = book
	}
	pos := book[o.req.Symbol]
	signed := decimal.NewFromFloat(pos.Size)
	if pos.Side == domain.SideShort {
		signed = signed.Neg()
	}
	delta := decimal.NewFromFloat(o.req.Size)
	if o.req.Side == domain.OrderSideSell {
		delta = delta.Neg()
	}
	next := signed.Add(delta)
	switch {
	case next.IsZero():
		delete(book, o.req.Symbol)
	case next.IsPositive():
		book[o.req.Symbol] = domain.ExchangePosition{Symbol: o.req.Symbol, Side: domain.SideLong, Size: next.InexactFloat64(), EntryPrice: price}
	default:
		book[o.req.Symbol] = domain.ExchangePosition{Symbol: o.req.Symbol, Side: domain.SideShort, Size: next.Abs().InexactFloat64(), EntryPrice: price}
	}
}

func accountOf(creds *domain.Credentials) string {
	if creds == nil || len(creds.Mnemonic) == 0 {
		return ""
	}
	sum := sha256.Sum256(creds.Mnemonic)
	return "dydx1paper" + hex.EncodeToString(sum[:])[:30]
}

func (g *Gateway) markLocked(ctx context.Context, symbol string) (float64, error) {
	if g.source != nil {
		g.mu.Unlock()
		p, err := g.source.MarketPrice(ctx, symbol)
		g.mu.Lock()
		if err == nil && p > 0 {
			g.setPriceLocked(symbol, p)
			return p, nil
		}
	}
	p, ok := g.prices[symbol]
	if !ok || p <= 0 {
		return 0, domain.Terminal("get market", fmt.Errorf("unknown market %s: %w", symbol, domain.ErrNotFound))
	}
	return p, nil
}

// SubmitOrder places an order for the account behind creds.
func (g *Gateway) SubmitOrder(ctx context.Context, creds *domain.Credentials, req domain.OrderRequest) (domain.OrderAck, error) {
	owner := accountOf(creds)
	if owner == "" {
		return domain.OrderAck{}, domain.Terminal("submit order", domain.ErrCredentialsMissing)
	}
	if err := ctx.Err(); err != nil {
		return domain.OrderAck{}, domain.Transient("submit order", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var fault *Fault
	if len(g.submitFaults) > 0 {
		f := g.submitFaults[0]
		g.submitFaults = g.submitFaults[1:]
		fault = &f
		if !f.Placed {
			return domain.OrderAck{}, f.Err
		}
	}

	if req.Size <= 0 {
		return domain.OrderAck{}, domain.Terminal("submit order", errors.New("size must be positive"))
	}
	mark, err := g.markLocked(ctx, req.Symbol)
	if err != nil {
		return domain.OrderAck{}, err
	}
	for _, o := range g.orders {
		if o.owner == owner && o.req.Symbol == req.Symbol && o.req.ClientID == req.ClientID && !o.st.Done() {
			return domain.OrderAck{}, domain.Terminal("submit order", errors.New("duplicate client id"))
		}
	}

	g.seq++
	id := fmt.Sprintf("paper-%d", g.seq)
	o := &order{
		owner: owner,
		req:   req,
		st:    domain.OrderStatus{OrderID: id, ClientID: req.ClientID, State: domain.OrderStateOpen},
	}
	if req.Type.IsConditional() {
		o.st.State = domain.OrderStateUntriggered
	}
	g.orders[id] = o
	g.order = append(g.order, id)

	switch {
	case req.Type == domain.OrderTypeMarket:
		g.fillLocked(o, mark)
	case crosses(req, mark):
		fill := mark
		if req.Type == domain.OrderTypeLimit {
			fill = req.Price
		}
		g.fillLocked(o, fill)
	}

	sum := sha256.Sum256([]byte(id))
	ack := domain.OrderAck{OrderID: id, TxHash: hex.EncodeToString(sum[:])}
	if fault != nil {
		return domain.OrderAck{}, fault.Err
	}
	return ack, nil
}

func (g *Gateway) statusFaultLocked(orderID string) error {
	if err, ok := g.statusFaults[orderID]; ok {
		return err
	}
	return g.statusFaults["*"]
}

// GetOrderStatus returns the state of an order owned by creds.
func (g *Gateway) GetOrderStatus(ctx context.Context, creds *domain.Credentials, orderID string) (domain.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.statusFaultLocked(orderID); err != nil {
		return domain.OrderStatus{}, err
	}
	o, ok := g.orders[orderID]
	if !ok || o.owner != accountOf(creds) {
		return domain.OrderStatus{}, domain.ErrNotFound
	}
	if g.source != nil && !o.st.Done() {
		if _, err := g.markLocked(ctx, o.req.Symbol); err != nil {
			return domain.OrderStatus{}, err
		}
	}
	return o.st, nil
}

// FindOrderByClientID finds the latest order with clientID on symbol.
func (g *Gateway) FindOrderByClientID(_ context.Context, creds *domain.Credentials, symbol string, clientID uint32) (domain.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.statusFaultLocked("*"); err != nil {
		return domain.OrderStatus{}, err
	}
	owner := accountOf(creds)
	for i := len(g.order) - 1; i >= 0; i-- {
		o := g.orders[g.order[i]]
		if o.owner == owner && o.req.Symbol == symbol && o.req.ClientID == clientID {
			return o.st, nil
		}
	}
	return domain.OrderStatus{}, domain.ErrNotFound
}

// CancelOrder cancels a resting order. Filled or missing orders report false.
func (g *Gateway) CancelOrder(_ context.Context, creds *domain.Credentials, orderID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.cancelFaults[orderID]; ok {
		return false, err
	}
	o, ok := g.orders[orderID]
	if !ok || o.owner != accountOf(creds) || o.st.Done() {
		return false, nil
	}
	o.st.State = domain.OrderStateCanceled
	return true, nil
}

// GetPosition returns the simulated position for symbol.
func (g *Gateway) GetPosition(_ context.Context, creds *domain.Credentials, symbol string) (domain.ExchangePosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pos, ok := g.positions[accountOf(creds)][symbol]
	if !ok {
		return domain.ExchangePosition{}, domain.ErrNotFound
	}
	return pos, nil
}

// GetEquity returns the account equity, defaulting to the starting equity.
func (g *Gateway) GetEquity(_ context.Context, creds *domain.Credentials) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if eq, ok := g.equity[accountOf(creds)]; ok {
		return eq, nil
	}
	return g.start, nil
}

// MarketPrice returns the current mark.
func (g *Gateway) MarketPrice(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.markLocked(ctx, symbol)
}

// LatestBlockHeight advances one block per BlockTime since construction.
func (g *Gateway) LatestBlockHeight(_ context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	elapsed := g.now().Sub(g.genesis)
	if elapsed < 0 {
		elapsed = 0
	}
	return uint64(elapsed/g.blockTime) + 1, nil
}

// Address returns the simulated account address derived from the mnemonic.
func (g *Gateway) Address(_ context.Context, creds *domain.Credentials) (string, error) {
	addr := accountOf(creds)
	if addr == "" {
		return "", domain.Terminal("derive address", domain.ErrCredentialsMissing)
	}
	return addr, nil
}

// Orders returns every order placed by creds, oldest first.
func (g *Gateway) Orders(creds *domain.Credentials) []domain.OrderStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	owner := accountOf(creds)
	var out []domain.OrderStatus
	for _, id := range g.order {
		if o := g.orders[id]; o.owner == owner {
			out = append(out, o.st)
		}
	}
	return out
}

var _ domain.ExchangeGateway = (*Gateway)(nil)
