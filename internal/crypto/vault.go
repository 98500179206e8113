// Package crypto provides the credential vault for per-user secrets, wallet
// login signature verification, and HMAC request signing for the order
// signer relay.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

const (
	// envelopePrefix tags ciphertexts produced by the current scheme.
	envelopePrefix = "ENC[v1]:"
	// minMasterKeyLen is the minimum amount of master key material in bytes.
	minMasterKeyLen = 32
	aesKeyLen       = 32
	hkdfInfo        = "dydxrelay credential vault v1"
)

// Vault encrypts and decrypts per-user secrets with AES-256-GCM. The key is
// derived from the process master key once at construction and never exposed.
// Plaintext is never cached.
type Vault struct {
	aead cipher.AEAD
}

// ParseMasterKey accepts base64 (standard or URL, padded or not), hex, or raw
// key material and returns the decoded bytes.
func ParseMasterKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("crypto: master key is empty")
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) >= minMasterKeyLen {
			return b, nil
		}
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(s, "0x")); err == nil && len(b) >= minMasterKeyLen {
		return b, nil
	}
	if len(s) >= minMasterKeyLen {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("crypto: master key must carry at least %d bytes", minMasterKeyLen)
}

// NewVault derives the data key from masterKey with HKDF-SHA256.
func NewVault(masterKey []byte) (*Vault, error) {
	if len(masterKey) < minMasterKeyLen {
		return nil, fmt.Errorf("crypto: master key too short (%d bytes)", len(masterKey))
	}
	key := make([]byte, aesKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return &Vault{aead: gcm}, nil
}

// Scope binds a ciphertext to one field of one user, so an envelope copied
// onto another user or field fails to decrypt.
func Scope(userAddress, field string) string {
	return strings.ToLower(userAddress) + "/" + field
}

// Field names used as encryption scopes.
const (
	FieldSharedSecret   = "shared_secret"
	FieldMnemonic       = "mnemonic"
	FieldTelegramToken  = "telegram_token"
	FieldTelegramChatID = "telegram_chat_id"
)

// Encrypt seals plaintext and returns an ENC[v1] envelope.
func (v *Vault) Encrypt(plaintext []byte, scope string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: generating nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, plaintext, []byte(scope))
	return envelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// EncryptString is Encrypt for string values.
func (v *Vault) EncryptString(plaintext, scope string) (string, error) {
	return v.Encrypt([]byte(plaintext), scope)
}

// Decrypt opens an envelope. Malformed input, a foreign key and tampering all
// yield domain.ErrDecryption.
func (v *Vault) Decrypt(envelope, scope string) ([]byte, error) {
	if !strings.HasPrefix(envelope, envelopePrefix) {
		return nil, fmt.Errorf("crypto: unknown envelope: %w", domain.ErrDecryption)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(envelope, envelopePrefix))
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding envelope: %w", domain.ErrDecryption)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns+v.aead.Overhead() {
		return nil, fmt.Errorf("crypto: envelope too short: %w", domain.ErrDecryption)
	}
	plaintext, err := v.aead.Open(nil, raw[:ns], raw[ns:], []byte(scope))
	if err != nil {
		return nil, fmt.Errorf("crypto: open envelope: %w", domain.ErrDecryption)
	}
	return plaintext, nil
}

// DecryptString is Decrypt for string values.
func (v *Vault) DecryptString(envelope, scope string) (string, error) {
	b, err := v.Decrypt(envelope, scope)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// OpenCredentials decrypts the exchange and notifier secrets of u. The caller
// owns the result and must Clear it. A missing mnemonic is an error; missing
// Telegram settings are not.
func (v *Vault) OpenCredentials(u domain.User) (*domain.Credentials, error) {
	if u.EncMnemonic == "" {
		return nil, fmt.Errorf("crypto: user %s: %w", u.Address, domain.ErrCredentialsMissing)
	}
	creds := &domain.Credentials{UserAddress: u.Address, DydxAddress: u.DydxAddress}
	mnemonic, err := v.Decrypt(u.EncMnemonic, Scope(u.Address, FieldMnemonic))
	if err != nil {
		return nil, err
	}
	creds.Mnemonic = mnemonic
	if u.EncTelegramToken != "" && u.EncTelegramChatID != "" {
		if creds.TelegramToken, err = v.DecryptString(u.EncTelegramToken, Scope(u.Address, FieldTelegramToken)); err != nil {
			creds.Clear()
			return nil, err
		}
		if creds.TelegramChatID, err = v.DecryptString(u.EncTelegramChatID, Scope(u.Address, FieldTelegramChatID)); err != nil {
			creds.Clear()
			return nil, err
		}
	}
	return creds, nil
}

// GenerateSharedSecret returns a 256-bit random token for webhook bodies.
func GenerateSharedSecret() (string, error) {
	return randomToken(32)
}

// GenerateWebhookID returns a random URL-safe identifier for webhook paths.
func GenerateWebhookID() (string, error) {
	return randomToken(18)
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto: random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SecretsEqual compares two secrets in constant time.
func SecretsEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
