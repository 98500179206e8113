package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

func creds(m string) *domain.Credentials {
	return &domain.Credentials{UserAddress: "0x" + m, Mnemonic: []byte(m)}
}

func TestMarketOrderFillsAtMark(t *testing.T) {
	ctx := context.Background()
	g := New(Config{StartingEquity: 1000, Prices: map[string]float64{"BTC-USD": 100}})
	alice := creds("alice")

	ack, err := g.SubmitOrder(ctx, alice, domain.OrderRequest{
		ClientID: 1, Symbol: "BTC-USD", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Size: 2,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	st, err := g.GetOrderStatus(ctx, alice, ack.OrderID)
	if err != nil || !st.Filled() || st.FilledPrice != 100 {
		t.Fatalf("status = %+v, %v", st, err)
	}
	pos, err := g.GetPosition(ctx, alice, "BTC-USD")
	if err != nil || pos.Side != domain.SideLong || pos.Size != 2 {
		t.Fatalf("position = %+v, %v", pos, err)
	}
}

func TestTriggerOrdersFireOnCross(t *testing.T) {
	ctx := context.Background()
	g := New(Config{Prices: map[string]float64{"BTC-USD": 100}})
	alice := creds("alice")
	tp, _ := g.SubmitOrder(ctx, alice, domain.OrderRequest{
		ClientID: 2, Symbol: "BTC-USD", Side: domain.OrderSideSell, Type: domain.OrderTypeTakeProfitMarket,
		Size: 1, TriggerPrice: 110, ReduceOnly: true,
	})
	sl, _ := g.SubmitOrder(ctx, alice, domain.OrderRequest{
		ClientID: 3, Symbol: "BTC-USD", Side: domain.OrderSideSell, Type: domain.OrderTypeStopMarket,
		Size: 1, TriggerPrice: 90, ReduceOnly: true,
	})

	if st, _ := g.GetOrderStatus(ctx, alice, tp.OrderID); st.State != domain.OrderStateUntriggered {
		t.Fatalf("tp state = %s, want untriggered", st.State)
	}
	g.SetPrice("BTC-USD", 111)
	if st, _ := g.GetOrderStatus(ctx, alice, tp.OrderID); !st.Filled() || st.FilledPrice != 111 {
		t.Fatalf("tp not filled: %+v", st)
	}
	if st, _ := g.GetOrderStatus(ctx, alice, sl.OrderID); st.Filled() {
		t.Fatal("sl filled on upward move")
	}
	g.SetPrice("BTC-USD", 80)
	if st, _ := g.GetOrderStatus(ctx, alice, sl.OrderID); !st.Filled() {
		t.Fatal("sl not filled")
	}
}

func TestAccountsAreIsolated(t *testing.T) {
	ctx := context.Background()
	g := New(Config{Prices: map[string]float64{"ETH-USD": 2000}})
	alice, bob := creds("alice"), creds("bob")

	ack, _ := g.SubmitOrder(ctx, alice, domain.OrderRequest{
		ClientID: 1, Symbol: "ETH-USD", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Size: 1, Price: 1000,
	})
	if _, err := g.GetOrderStatus(ctx, bob, ack.OrderID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("bob sees alice's order: %v", err)
	}
	if ok, _ := g.CancelOrder(ctx, bob, ack.OrderID); ok {
		t.Error("bob cancelled alice's order")
	}
	a1, _ := g.Address(ctx, alice)
	b1, _ := g.Address(ctx, bob)
	if a1 == b1 {
		t.Error("different mnemonics map to one address")
	}
}

func TestSubmitFaultWithPlacedOrder(t *testing.T) {
	ctx := context.Background()
	g := New(Config{Prices: map[string]float64{"BTC-USD": 100}})
	alice := creds("alice")
	g.FailNextSubmit(Fault{Err: domain.Transient("submit order", context.DeadlineExceeded), Placed: true})

	_, err := g.SubmitOrder(ctx, alice, domain.OrderRequest{
		ClientID: 9, Symbol: "BTC-USD", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Size: 1,
	})
	if !domain.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	st, err := g.FindOrderByClientID(ctx, alice, "BTC-USD", 9)
	if err != nil || !st.Filled() {
		t.Fatalf("placed order not found: %+v, %v", st, err)
	}
}

func TestBlockHeightAdvances(t *testing.T) {
	g := New(Config{BlockTime: time.Second})
	start := time.Now()
	g.SetClock(func() time.Time { return start.Add(10 * time.Second) })
	h, _ := g.LatestBlockHeight(context.Background())
	if h < 10 {
		t.Errorf("height = %d, want >= 10", h)
	}
}
