package service

import (
	"context"
	"errors"
	"testing"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

func reasonOf(t *testing.T, err error) domain.AuthReason {
	t.Helper()
	r, ok := domain.AuthReasonOf(err)
	if !ok {
		t.Fatalf("expected *domain.AuthError, got %v", err)
	}
	return r
}

func TestAuthenticateAcceptsMatchingSecret(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")

	user, sig, err := env.authenticator().Authenticate(context.Background(), alice.WebhookID, webhookBody(alice.secret, ""))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user.Address != alice.Address {
		t.Errorf("user = %s, want %s", user.Address, alice.Address)
	}
	if sig.Secret != "" {
		t.Error("secret leaked out of Authenticate")
	}
	if sig.Symbol != "BTC-USD" || sig.Side != domain.SideLong || sig.Size == nil || *sig.Size != 0.01 {
		t.Errorf("signal = %+v", sig)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	if err := env.users.SetStatus(context.Background(), bob.Address, domain.UserStatusDisabled); err != nil {
		t.Fatal(err)
	}
	auth := env.authenticator()

	tests := []struct {
		name string
		id   string
		body []byte
		want domain.AuthReason
	}{
		{"wrong secret", alice.WebhookID, webhookBody("nope", ""), domain.AuthSecretMismatch},
		{"other user's secret", alice.WebhookID, webhookBody(bob.secret, ""), domain.AuthSecretMismatch},
		{"missing secret", alice.WebhookID, []byte(`{"symbol":"BTC-USD","side":"long"}`), domain.AuthMissingSecret},
		{"missing secret, unknown identifier", "wh-nobody", []byte(`{"symbol":"BTC-USD","side":"long"}`), domain.AuthMissingSecret},
		{"unknown identifier", "wh-nobody", webhookBody(alice.secret, ""), domain.AuthUnknownIdentifier},
		{"disabled user", bob.WebhookID, webhookBody(bob.secret, ""), domain.AuthUnknownIdentifier},
		{"not json", alice.WebhookID, []byte("BTC long now"), domain.AuthMalformedBody},
		{"no side", alice.WebhookID, []byte(`{"symbol":"BTC-USD","secret":"secret-alice"}`), domain.AuthMalformedBody},
		{"bad number", alice.WebhookID, []byte(`{"symbol":"BTC-USD","side":"long","size":"lots","secret":"secret-alice"}`), domain.AuthMalformedBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := auth.Authenticate(context.Background(), tt.id, tt.body)
			if got := reasonOf(t, err); got != tt.want {
				t.Errorf("reason = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAuthenticateRateLimitAppliesRegardlessOfSecret(t *testing.T) {
	env := newTestEnv(t)
	env.webhook.RateLimit = 2
	alice := env.addUser("alice")
	auth := env.authenticator()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, _ = auth.Authenticate(ctx, alice.WebhookID, webhookBody("wrong", ""))
	}
	_, _, err := auth.Authenticate(ctx, alice.WebhookID, webhookBody(alice.secret, `"tag":"fresh"`))
	if got := reasonOf(t, err); got != domain.AuthRateLimited {
		t.Fatalf("reason = %s, want rate_limited", got)
	}
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Errorf("error does not wrap ErrRateLimited: %v", err)
	}
}

func TestAuthenticateRejectsReplayedDelivery(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")
	auth := env.authenticator()
	body := webhookBody(alice.secret, "")

	if _, _, err := auth.Authenticate(context.Background(), alice.WebhookID, body); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	_, _, err := auth.Authenticate(context.Background(), alice.WebhookID, body)
	if got := reasonOf(t, err); got != domain.AuthReplayed {
		t.Fatalf("reason = %s, want replayed", got)
	}
	if !errors.Is(err, domain.ErrReplayed) {
		t.Errorf("error does not wrap ErrReplayed: %v", err)
	}
}

func TestParseSignalAliasesAndStrings(t *testing.T) {
	sig, err := ParseSignal([]byte(`{"symbol":"eth/usd","side":"SELL","price":"3100.5","take_profit":3000,"stop_loss":"3200"}`))
	if err != nil {
		t.Fatalf("ParseSignal: %v", err)
	}
	if sig.Symbol != "ETH-USD" || sig.Side != domain.SideShort {
		t.Errorf("symbol/side = %s/%s", sig.Symbol, sig.Side)
	}
	if sig.Price == nil || *sig.Price != 3100.5 || !sig.IsLimit() {
		t.Errorf("price = %v", sig.Price)
	}
	if sig.StopLoss == nil || *sig.StopLoss != 3200 || sig.TakeProfit == nil || *sig.TakeProfit != 3000 {
		t.Errorf("brackets = %v / %v", sig.TakeProfit, sig.StopLoss)
	}
	if sig.Size != nil {
		t.Errorf("size = %v, want nil", *sig.Size)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("abcdefghijkl"); got != "abcdef..." {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}
