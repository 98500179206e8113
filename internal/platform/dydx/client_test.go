package dydx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alanyoungcy/dydxrelay/internal/crypto"
	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

func testCreds() *domain.Credentials {
	return &domain.Credentials{UserAddress: "0xA", Mnemonic: []byte("word list"), DydxAddress: "dydx1abc"}
}

func newIndexer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v4/height", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"height":"1200","time":"2025-01-01T00:00:00Z"}`))
	})
	mux.HandleFunc("GET /v4/perpetualMarkets", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"markets":{"BTC-USD":{"ticker":"BTC-USD","oraclePrice":"50000.5","tickSize":"1","stepSize":"0.0001"}}}`))
	})
	mux.HandleFunc("GET /v4/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "filled":
			_, _ = w.Write([]byte(`{"id":"filled","clientId":"7","ticker":"BTC-USD","side":"SELL","size":"2","totalFilled":"2","price":"100","status":"FILLED","type":"TAKE_PROFIT_MARKET"}`))
		case "boom":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	mux.HandleFunc("GET /v4/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("address") != "dydx1abc" {
			t.Errorf("orders queried for %q", r.URL.Query().Get("address"))
		}
		_, _ = w.Write([]byte(`[{"id":"o1","clientId":"41","ticker":"BTC-USD","totalFilled":"0","status":"OPEN"},{"id":"o2","clientId":"42","ticker":"BTC-USD","totalFilled":"0","status":"UNTRIGGERED"}]`))
	})
	mux.HandleFunc("GET /v4/fills", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"fills":[
			{"orderId":"filled","price":"101","size":"1","createdAt":"2025-01-01T00:00:01Z"},
			{"orderId":"filled","price":"103","size":"1","createdAt":"2025-01-01T00:00:03Z"},
			{"orderId":"other","price":"1","size":"9","createdAt":"2025-01-01T00:00:09Z"}]}`))
	})
	mux.HandleFunc("GET /v4/addresses/{addr}/subaccountNumber/0", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"subaccount":{"equity":"1234.5","openPerpetualPositions":{"BTC-USD":{"market":"BTC-USD","side":"SHORT","size":"-0.5","entryPrice":"50000"}}}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestIndexerReads(t *testing.T) {
	ctx := context.Background()
	c := New(Config{IndexerURL: newIndexer(t).URL})

	h, err := c.LatestBlockHeight(ctx)
	if err != nil || h != 1200 {
		t.Fatalf("LatestBlockHeight = %d, %v", h, err)
	}
	p, err := c.MarketPrice(ctx, "BTC-USD")
	if err != nil || p != 50000.5 {
		t.Fatalf("MarketPrice = %v, %v", p, err)
	}
	eq, err := c.GetEquity(ctx, testCreds())
	if err != nil || eq != 1234.5 {
		t.Fatalf("GetEquity = %v, %v", eq, err)
	}
	pos, err := c.GetPosition(ctx, testCreds(), "BTC-USD")
	if err != nil || pos.Side != domain.SideShort || pos.Size != 0.5 {
		t.Fatalf("GetPosition = %+v, %v", pos, err)
	}
	if _, err := c.GetPosition(ctx, testCreds(), "ETH-USD"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("flat market: %v", err)
	}
}

func TestGetOrderStatusFilled(t *testing.T) {
	c := New(Config{IndexerURL: newIndexer(t).URL})
	st, err := c.GetOrderStatus(context.Background(), testCreds(), "filled")
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if !st.Filled() || st.FilledPrice != 102 || st.FilledSize != 2 || st.ClientID != 7 {
		t.Errorf("status = %+v", st)
	}
	if st.FilledAt.Second() != 3 {
		t.Errorf("FilledAt = %v, want last fill", st.FilledAt)
	}
}

func TestErrorClassification(t *testing.T) {
	c := New(Config{IndexerURL: newIndexer(t).URL})
	ctx := context.Background()

	if _, err := c.GetOrderStatus(ctx, testCreds(), "boom"); !errors.Is(err, domain.ErrUpstreamTransient) {
		t.Errorf("502: got %v, want transient", err)
	}
	if _, err := c.GetOrderStatus(ctx, testCreds(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("404: got %v, want ErrNotFound", err)
	}
}

func TestFindOrderByClientID(t *testing.T) {
	c := New(Config{IndexerURL: newIndexer(t).URL})
	ctx := context.Background()

	st, err := c.FindOrderByClientID(ctx, testCreds(), "BTC-USD", 42)
	if err != nil || st.OrderID != "o2" || st.State != domain.OrderStateUntriggered {
		t.Fatalf("FindOrderByClientID = %+v, %v", st, err)
	}
	if _, err := c.FindOrderByClientID(ctx, testCreds(), "BTC-USD", 99); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown client id: %v", err)
	}
}

func TestSubmitOrderThroughRelay(t *testing.T) {
	var got relayOrderRequest
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Relay-Signature") == "" {
			t.Error("relay request not signed")
		}
		switch r.URL.Path {
		case "/v1/orders":
			_ = json.NewDecoder(r.Body).Decode(&got)
			if got.ClientID == 13 {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"insufficient collateral"}`))
				return
			}
			_, _ = w.Write([]byte(`{"order_id":"oid-1","tx_hash":"ABC"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer relay.Close()

	c := New(Config{
		IndexerURL:     newIndexer(t).URL,
		SignerURL:      relay.URL,
		RelayAuth:      &crypto.RelayAuth{KeyID: "k", Secret: "s"},
		MarketSlippage: 0.1,
	})
	ctx := context.Background()

	ack, err := c.SubmitOrder(ctx, testCreds(), domain.OrderRequest{
		ClientID: 1, Symbol: "BTC-USD", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket,
		TimeInForce: domain.TimeInForceIOC, Size: 0.01, GoodTilBlock: 1220,
	})
	if err != nil || ack.OrderID != "oid-1" || ack.TxHash != "ABC" {
		t.Fatalf("SubmitOrder = %+v, %v", ack, err)
	}
	if got.Mnemonic != "word list" || got.Price != "55000.55" || got.GoodTilBlock != 1220 {
		t.Errorf("relay payload = %+v", got)
	}

	_, err = c.SubmitOrder(ctx, testCreds(), domain.OrderRequest{
		ClientID: 13, Symbol: "BTC-USD", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Price: 10, Size: 1,
	})
	if !errors.Is(err, domain.ErrUpstreamTerminal) {
		t.Errorf("400: got %v, want terminal", err)
	}

	if _, err := c.SubmitOrder(ctx, &domain.Credentials{}, domain.OrderRequest{}); !errors.Is(err, domain.ErrCredentialsMissing) {
		t.Errorf("no mnemonic: got %v", err)
	}
	if ok, err := c.CancelOrder(ctx, testCreds(), "gone"); err != nil || ok {
		t.Errorf("cancel of missing order = %v, %v", ok, err)
	}
}

func TestAddressPrefersStoredValue(t *testing.T) {
	c := New(Config{})
	addr, err := c.Address(context.Background(), testCreds())
	if err != nil || addr != "dydx1abc" {
		t.Fatalf("Address = %q, %v", addr, err)
	}
}
