package service

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

type wallet struct {
	addr string
	sign func(msg string) string
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return wallet{
		addr: ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		sign: func(msg string) string {
			sig, err := ethcrypto.Sign(accounts.TextHash([]byte(msg)), key)
			if err != nil {
				t.Fatal(err)
			}
			sig[64] += 27
			return "0x" + hex.EncodeToString(sig)
		},
	}
}

func (e *testEnv) userService() (*UserService, *Sessions) {
	e.t.Helper()
	sessions, err := NewSessions("test-signing-secret", time.Hour, "dydxrelay")
	if err != nil {
		e.t.Fatal(err)
	}
	return NewUserService(UserDeps{
		Users:      e.users,
		Sealer:     e.vault,
		Challenges: e.cache,
		Sessions:   sessions,
		Gateway:    e.gateway,
		Audit:      e.audit,
		Notifier:   e.notes,
	}, UserConfig{}, discardLogger()), sessions
}

func login(t *testing.T, svc *UserService, w wallet) LoginResult {
	t.Helper()
	ch, err := svc.Challenge(context.Background(), strings.ToLower(w.addr))
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	res, err := svc.Login(context.Background(), w.addr, w.sign(ch.Message))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return res
}

func TestLoginCreatesUserOnce(t *testing.T) {
	env := newTestEnv(t)
	svc, sessions := env.userService()
	w := newWallet(t)

	first := login(t, svc, w)
	if !first.Created || first.WebhookSecret == "" {
		t.Fatalf("first login = %+v", first)
	}
	if first.Profile.Address != w.addr || first.Profile.WebhookID == "" || !first.Profile.HasSharedSecret {
		t.Errorf("profile = %+v", first.Profile)
	}
	addr, err := sessions.Verify(first.Token)
	if err != nil || addr != w.addr {
		t.Fatalf("Verify = %s, %v", addr, err)
	}

	second := login(t, svc, w)
	if second.Created || second.WebhookSecret != "" {
		t.Errorf("second login re-created the user: %+v", second)
	}
	if second.Profile.WebhookID != first.Profile.WebhookID {
		t.Error("webhook id changed on re-login")
	}

	// The issued secret authenticates webhooks.
	body := webhookBody(first.WebhookSecret, "")
	if _, _, err := env.authenticator().Authenticate(context.Background(), first.Profile.WebhookID, body); err != nil {
		t.Errorf("webhook with issued secret: %v", err)
	}
}

func TestLoginRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	svc, _ := env.userService()
	w, other := newWallet(t), newWallet(t)

	ch, err := svc.Challenge(context.Background(), w.addr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Login(context.Background(), w.addr, other.sign(ch.Message)); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	// The challenge is single use.
	if _, err := svc.Login(context.Background(), w.addr, w.sign(ch.Message)); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("reused challenge: %v", err)
	}
	if _, err := env.users.GetByAddress(context.Background(), w.addr); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("user created without a valid login: %v", err)
	}
}

func TestChallengeRejectsInvalidAddress(t *testing.T) {
	env := newTestEnv(t)
	svc, _ := env.userService()
	if _, err := svc.Challenge(context.Background(), "not-a-wallet"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestSetCredentials(t *testing.T) {
	env := newTestEnv(t)
	svc, _ := env.userService()
	w := newWallet(t)
	login(t, svc, w)
	ctx := context.Background()

	if _, err := svc.SetMnemonic(ctx, w.addr, "too few words"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("short mnemonic: %v", err)
	}
	mnemonic := strings.TrimSpace(strings.Repeat("abandon ", 11) + "about")
	profile, err := svc.SetMnemonic(ctx, w.addr, "  "+mnemonic+"\n")
	if err != nil {
		t.Fatalf("SetMnemonic: %v", err)
	}
	if !profile.HasMnemonic || !strings.HasPrefix(profile.DydxAddress, "dydx1") {
		t.Errorf("profile = %+v", profile)
	}

	stored, _ := env.users.GetByAddress(ctx, w.addr)
	if strings.Contains(stored.EncMnemonic, "abandon") {
		t.Fatal("mnemonic stored in plaintext")
	}
	creds, err := env.vault.OpenCredentials(stored)
	if err != nil {
		t.Fatalf("OpenCredentials: %v", err)
	}
	if string(creds.Mnemonic) != mnemonic {
		t.Errorf("mnemonic round trip = %q", creds.Mnemonic)
	}
	creds.Clear()

	if _, err := svc.SetTelegram(ctx, w.addr, "", "42"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("missing token: %v", err)
	}
	profile, err = svc.SetTelegram(ctx, w.addr, "123:abc", "42")
	if err != nil || !profile.HasTelegram {
		t.Fatalf("SetTelegram: %+v, %v", profile, err)
	}
	if titles := env.notes.titles(w.addr); len(titles) != 1 {
		t.Errorf("test message not sent: %v", titles)
	}
}

func TestRotateSecretInvalidatesOld(t *testing.T) {
	env := newTestEnv(t)
	svc, _ := env.userService()
	w := newWallet(t)
	first := login(t, svc, w)
	auth := env.authenticator()

	fresh, err := svc.RotateWebhookSecret(context.Background(), w.addr)
	if err != nil || fresh == "" || fresh == first.WebhookSecret {
		t.Fatalf("RotateWebhookSecret = %q, %v", fresh, err)
	}
	_, _, err = auth.Authenticate(context.Background(), first.Profile.WebhookID, webhookBody(first.WebhookSecret, ""))
	if r, _ := domain.AuthReasonOf(err); r != domain.AuthSecretMismatch {
		t.Errorf("old secret: %v", err)
	}
	if _, _, err := auth.Authenticate(context.Background(), first.Profile.WebhookID, webhookBody(fresh, "")); err != nil {
		t.Errorf("new secret: %v", err)
	}
}

func TestDeactivateBlocksWebhooks(t *testing.T) {
	env := newTestEnv(t)
	svc, _ := env.userService()
	w := newWallet(t)
	res := login(t, svc, w)

	if err := svc.Deactivate(context.Background(), w.addr); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.authenticator().Authenticate(context.Background(), res.Profile.WebhookID, webhookBody(res.WebhookSecret, ""))
	if r, _ := domain.AuthReasonOf(err); r != domain.AuthUnknownIdentifier {
		t.Errorf("disabled user webhook: %v", err)
	}
	profile, err := svc.Profile(context.Background(), w.addr)
	if err != nil || profile.Status != domain.UserStatusDisabled {
		t.Errorf("profile = %+v, %v", profile, err)
	}
}
