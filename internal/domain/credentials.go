package domain

import (
	"errors"
	"log/slog"
)

const redacted = "[REDACTED]"

// Credentials is the decrypted secret material of one user. It lives for one
// pipeline execution or one monitor pass over that user's positions and must
// be cleared by whoever decrypted it.
type Credentials struct {
	UserAddress    string
	Mnemonic       []byte
	DydxAddress    string
	TelegramToken  string
	TelegramChatID string
}

// HasMnemonic reports whether exchange credentials are present.
func (c *Credentials) HasMnemonic() bool {
	return c != nil && len(c.Mnemonic) > 0
}

// HasTelegram reports whether per-user notification credentials are present.
func (c *Credentials) HasTelegram() bool {
	return c != nil && c.TelegramToken != "" && c.TelegramChatID != ""
}

// Clear zeroes the mnemonic and drops every secret reference.
func (c *Credentials) Clear() {
	if c == nil {
		return
	}
	for i := range c.Mnemonic {
		c.Mnemonic[i] = 0
	}
	c.Mnemonic = nil
	c.TelegramToken = ""
	c.TelegramChatID = ""
}

func (c *Credentials) String() string {
	if c == nil {
		return "<nil>"
	}
	return "credentials(" + c.UserAddress + ", " + redacted + ")"
}

// LogValue keeps secrets out of structured logs.
func (c *Credentials) LogValue() slog.Value {
	if c == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("user", c.UserAddress),
		slog.Bool("mnemonic", c.HasMnemonic()),
		slog.Bool("telegram", c.HasTelegram()),
	)
}

// MarshalJSON refuses to serialize secrets.
func (c *Credentials) MarshalJSON() ([]byte, error) {
	return nil, errors.New("credentials are not serializable")
}
