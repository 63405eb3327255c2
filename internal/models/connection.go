package models

import (
	"time"

	"portfolio/internal/exchange"
)

// ExchangeConnection - подключение пользователя к бирже.
// Ключи хранятся только в зашифрованном виде и не отдаются в JSON.
type ExchangeConnection struct {
	ID          int64         `json:"id" db:"id"`
	UserID      string        `json:"user_id" db:"user_id"`
	Exchange    exchange.Name `json:"exchange" db:"exchange"`
	APIKey      string        `json:"-" db:"api_key"`    // зашифрован
	APISecret   string        `json:"-" db:"api_secret"` // зашифрован
	Passphrase  string        `json:"-" db:"passphrase"` // зашифрован, пустой если не нужен
	IsTestnet   bool          `json:"is_testnet" db:"is_testnet"`
	ConnectedAt time.Time     `json:"connected_at" db:"connected_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// ConnectionInfo - биржа в списке /exchanges
type ConnectionInfo struct {
	Exchange           exchange.Name `json:"exchange"`
	DisplayName        string        `json:"display_name"`
	SupportsTestnet    bool          `json:"supports_testnet"`
	RequiresPassphrase bool          `json:"requires_passphrase"`
	Connected          bool          `json:"connected"`
	IsTestnet          bool          `json:"is_testnet,omitempty"`
	ConnectedAt        *time.Time    `json:"connected_at,omitempty"`
}

// ConnectRequest - ключи, введённые пользователем при подключении
type ConnectRequest struct {
	APIKey     string `json:"api_key" validate:"required,apikey"`
	APISecret  string `json:"api_secret" validate:"required,apisecret"`
	Passphrase string `json:"passphrase" validate:"omitempty,passphrase"`
	IsTestnet  bool   `json:"is_testnet"`
}

// ValidateRequest - проверка ключей без сохранения
type ValidateRequest struct {
	Exchange string `json:"exchange" validate:"required"`
	ConnectRequest
}

// Profile - флаги профиля пользователя
type Profile struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Onboarded bool      `json:"onboarded" db:"onboarded"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
