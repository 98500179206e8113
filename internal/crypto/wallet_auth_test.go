package crypto

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func signPersonal(t *testing.T, msg string) (addr, sigHex string) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig[64] += 27
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), "0x" + hex.EncodeToString(sig)
}

func TestVerifyPersonalSign(t *testing.T) {
	msg := "Sign in to dydxrelay\nnonce: 123"
	addr, sig := signPersonal(t, msg)

	if err := VerifyPersonalSign(strings.ToLower(addr), msg, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifyPersonalSign(addr, msg+"x", sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("altered message: got %v, want ErrBadSignature", err)
	}
	other, _ := signPersonal(t, msg)
	if err := VerifyPersonalSign(other, msg, sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("other address: got %v, want ErrBadSignature", err)
	}
	if err := VerifyPersonalSign(addr, msg, "0x1234"); err == nil {
		t.Error("short signature accepted")
	}
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	if err != nil {
		t.Fatalf("NormalizeAddress failed: %v", err)
	}
	if got != "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed" {
		t.Errorf("got %s", got)
	}
	if _, err := NormalizeAddress("not-an-address"); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestRelayAuthHeadersDeterministic(t *testing.T) {
	r := &RelayAuth{KeyID: "key1", Secret: "s3cret"}
	h1 := r.HeadersAt("POST", "/orders", `{"a":1}`, 1700000000)
	h2 := r.HeadersAt("POST", "/orders", `{"a":1}`, 1700000000)
	if h1["X-Relay-Signature"] != h2["X-Relay-Signature"] {
		t.Error("signature not deterministic")
	}
	h3 := r.HeadersAt("POST", "/orders", `{"a":2}`, 1700000000)
	if h1["X-Relay-Signature"] == h3["X-Relay-Signature"] {
		t.Error("signature ignores body")
	}
	if strings.Contains(r.String(), "s3cret") {
		t.Error("String leaks secret")
	}
}
