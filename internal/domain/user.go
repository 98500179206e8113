package domain

import "time"

// UserStatus is the soft lifecycle state of a user. Users are never deleted.
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// User is a tenant identified by wallet address. Enc* fields hold vault
// envelopes and never leave the server.
type User struct {
	Address           string     `json:"address"`
	WebhookID         string     `json:"webhook_id"`
	EncSharedSecret   string     `json:"-"`
	EncMnemonic       string     `json:"-"`
	DydxAddress       string     `json:"dydx_address,omitempty"`
	EncTelegramToken  string     `json:"-"`
	EncTelegramChatID string     `json:"-"`
	Status            UserStatus `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
}

// Active reports whether the user may trade.
func (u User) Active() bool {
	return u.Status == UserStatusActive
}

// UserProfile is the public projection of a User returned by the API.
type UserProfile struct {
	Address         string     `json:"address"`
	WebhookID       string     `json:"webhook_id"`
	DydxAddress     string     `json:"dydx_address,omitempty"`
	Status          UserStatus `json:"status"`
	HasSharedSecret bool       `json:"has_shared_secret"`
	HasMnemonic     bool       `json:"has_mnemonic"`
	HasTelegram     bool       `json:"has_telegram"`
	CreatedAt       time.Time  `json:"created_at"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
}

// Profile returns the public view of u.
func (u User) Profile() UserProfile {
	return UserProfile{
		Address:         u.Address,
		WebhookID:       u.WebhookID,
		DydxAddress:     u.DydxAddress,
		Status:          u.Status,
		HasSharedSecret: u.EncSharedSecret != "",
		HasMnemonic:     u.EncMnemonic != "",
		HasTelegram:     u.EncTelegramToken != "" && u.EncTelegramChatID != "",
		CreatedAt:       u.CreatedAt,
		LastLoginAt:     u.LastLoginAt,
	}
}
