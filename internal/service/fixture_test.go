package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	cachemem "github.com/alanyoungcy/dydxrelay/internal/cache/memory"
	"github.com/alanyoungcy/dydxrelay/internal/crypto"
	"github.com/alanyoungcy/dydxrelay/internal/domain"
	"github.com/alanyoungcy/dydxrelay/internal/platform/paper"
	"github.com/alanyoungcy/dydxrelay/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMessage struct {
	user, title, text string
}

type fakeUserNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeUserNotifier) SendTo(_ context.Context, creds *domain.Credentials, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{user: creds.UserAddress, title: title, text: message})
	return nil
}

func (f *fakeUserNotifier) titles(user string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.user == user {
			out = append(out, m.title)
		}
	}
	return out
}

type fakeOps struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeOps) Notify(_ context.Context, event, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeOps) has(event string) bool {
	return f.count(event) > 0
}

func (f *fakeOps) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

// testEnv wires the services over in-memory stores and the paper exchange.
type testEnv struct {
	t         *testing.T
	users     *memory.UserStore
	positions domain.PositionStore
	store     *memory.PositionStore
	audit     *memory.AuditStore
	cache     *cachemem.Cache
	gw        *paper.Gateway
	gateway   domain.ExchangeGateway
	vault     *crypto.Vault
	notes     *fakeUserNotifier
	ops       *fakeOps
	exec      ExecutionConfig
	risk      RiskConfig
	webhook   WebhookConfig
	monitor   MonitorConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	vault, err := crypto.NewVault([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	store := memory.NewPositionStore()
	gw := paper.New(paper.Config{
		StartingEquity: 10_000,
		Prices:         map[string]float64{"BTC-USD": 50_000, "ETH-USD": 3_000},
	})
	return &testEnv{
		t:         t,
		users:     memory.NewUserStore(),
		positions: store,
		store:     store,
		audit:     memory.NewAuditStore(),
		cache:     cachemem.New(),
		gw:        gw,
		gateway:   gw,
		vault:     vault,
		notes:     &fakeUserNotifier{},
		ops:       &fakeOps{},
		exec: ExecutionConfig{
			CallTimeout:        time.Second,
			GoodTilBlockOffset: 20,
			BracketTTL:         24 * time.Hour,
			ConfirmInterval:    time.Millisecond,
			Submit:             Backoff{Attempts: 3},
			Persist:            Backoff{Attempts: 2},
			TradeLockTTL:       time.Minute,
			TradeLockWait:      5 * time.Second,
		},
		risk: RiskConfig{
			RiskPercentage:     0.01,
			StopLossPercentage: 0.02,
			RiskRewardRatio:    2,
			MaxPositions:       5,
			SizeStep:           0.001,
		},
		webhook: WebhookConfig{RateLimit: 10, RateWindow: time.Minute, ReplayWindow: time.Minute},
		monitor: MonitorConfig{Interval: time.Hour, Concurrency: 2, OrphanTimeout: time.Hour},
	}
}

type testUser struct {
	domain.User
	secret   string
	mnemonic string
}

func (u testUser) creds() *domain.Credentials {
	return &domain.Credentials{UserAddress: u.Address, Mnemonic: []byte(u.mnemonic)}
}

// addUser provisions an active user with a shared secret and a mnemonic.
func (e *testEnv) addUser(name string) testUser {
	e.t.Helper()
	addr := fmt.Sprintf("0x%040x", len(name)*7919+int(name[0]))
	u := testUser{
		User: domain.User{
			Address:   addr,
			WebhookID: "wh-" + name,
			Status:    domain.UserStatusActive,
		},
		secret:   "secret-" + name,
		mnemonic: strings.TrimSpace(strings.Repeat(name+" ", 12)),
	}
	var err error
	if u.EncSharedSecret, err = e.vault.EncryptString(u.secret, crypto.Scope(addr, crypto.FieldSharedSecret)); err != nil {
		e.t.Fatal(err)
	}
	if u.EncMnemonic, err = e.vault.EncryptString(u.mnemonic, crypto.Scope(addr, crypto.FieldMnemonic)); err != nil {
		e.t.Fatal(err)
	}
	if err := e.users.Create(context.Background(), u.User); err != nil {
		e.t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func (e *testEnv) authenticator() *WebhookAuthenticator {
	return NewWebhookAuthenticator(e.users, e.vault, e.cache, e.cache, e.webhook, discardLogger())
}

func (e *testEnv) orchestrator() *TradeOrchestrator {
	return NewTradeOrchestrator(TradeDeps{
		Auth:      e.authenticator(),
		Vault:     e.vault,
		Risk:      NewRiskService(e.gateway, e.positions, e.risk, discardLogger()),
		Gateway:   e.gateway,
		Positions: e.positions,
		Locks:     e.cache,
		Bus:       e.cache,
		Audit:     e.audit,
		Notifier:  e.notes,
		Ops:       e.ops,
	}, e.exec, discardLogger())
}

func (e *testEnv) positionService() *PositionService {
	return NewPositionService(PositionDeps{
		Gateway:   e.gateway,
		Positions: e.positions,
		Users:     e.users,
		Vault:     e.vault,
		Bus:       e.cache,
		Audit:     e.audit,
		Notifier:  e.notes,
		Ops:       e.ops,
	}, e.exec, discardLogger())
}

func (e *testEnv) positionMonitor() *PositionMonitor {
	return NewPositionMonitor(MonitorDeps{
		Positions: e.positions,
		Users:     e.users,
		Vault:     e.vault,
		Gateway:   e.gateway,
		Closer:    e.positionService(),
		Locks:     e.cache,
		Bus:       e.cache,
		Audit:     e.audit,
		Ops:       e.ops,
	}, e.monitor, discardLogger())
}

func webhookBody(secret, extra string) []byte {
	body := `{"symbol":"BTC-USD","side":"long","size":0.01,"secret":"` + secret + `"`
	if extra != "" {
		body += "," + extra
	}
	return []byte(body + "}")
}

// openTrade runs a webhook through the pipeline and returns the stored position.
func (e *testEnv) openTrade(o *TradeOrchestrator, u testUser, extra string) domain.Position {
	e.t.Helper()
	res, err := o.Execute(context.Background(), u.WebhookID, webhookBody(u.secret, extra))
	if err != nil {
		e.t.Fatalf("Execute: %v", err)
	}
	pos, err := e.positions.GetByID(context.Background(), res.Position.ID)
	if err != nil {
		e.t.Fatalf("stored position: %v", err)
	}
	return pos
}

func (e *testEnv) openPositions(user string) []domain.Position {
	e.t.Helper()
	out, err := e.positions.ListByUser(context.Background(), user, domain.PositionStatusOpen, domain.ListOpts{})
	if err != nil {
		e.t.Fatal(err)
	}
	return out
}

func orderState(gw *paper.Gateway, creds *domain.Credentials, orderID string) domain.OrderState {
	for _, o := range gw.Orders(creds) {
		if o.OrderID == orderID {
			return o.State
		}
	}
	return ""
}

var errTimeout = domain.Transient("submit order", errors.New("i/o timeout"))
