package service

import (
	"context"

	"github.com/shopspring/decimal"

	"portfolio/internal/exchange"
	"portfolio/internal/models"
	"portfolio/internal/repository"
	"portfolio/pkg/crypto"
)

// ConnectionStore определяет интерфейс хранилища подключений к биржам
type ConnectionStore interface {
	GetConnection(ctx context.Context, userID string, name exchange.Name) (*models.ExchangeConnection, error)
	UpsertConnection(ctx context.Context, conn *models.ExchangeConnection) error
	ListConnections(ctx context.Context, userID string, names []exchange.Name) ([]*models.ExchangeConnection, error)
	DeleteConnection(ctx context.Context, userID string, name exchange.Name) error
}

// ProfileStore определяет интерфейс хранилища профилей
type ProfileStore interface {
	MarkOnboarded(ctx context.Context, userID string) error
}

// Encrypter шифрует ключи перед сохранением и расшифровывает при чтении
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// ClientProvider - кеш клиентов бирж
type ClientProvider interface {
	With(ctx context.Context, key exchange.CacheKey, source exchange.CredentialSource, fn func(*exchange.ClientHandle) error) error
	Invalidate(userID string, name exchange.Name) int
	InvalidateAll(userID string) int
}

// PriceSource возвращает цену валюты в USD
type PriceSource interface {
	USDPrice(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Проверяем, что реальные реализации удовлетворяют интерфейсам
var _ ConnectionStore = (*repository.ExchangeRepository)(nil)
var _ ProfileStore = (*repository.ProfileRepository)(nil)
var _ Encrypter = (*crypto.Cipher)(nil)
var _ ClientProvider = (*exchange.ClientCache)(nil)
var _ PriceSource = (*TickerPricer)(nil)

// ============ Интерфейсы сервисов для Dependency Injection ============

// PortfolioServiceInterface определяет интерфейс сервиса портфеля
type PortfolioServiceInterface interface {
	GetCompletePortfolio(ctx context.Context, userID string, names []string) (*models.PortfolioResponse, error)
	GetExchangeBalances(ctx context.Context, userID, name string) (*models.PortfolioResponse, error)
	GetAssetHoldings(ctx context.Context, userID string, names []string, currency string) (*models.AssetHoldings, error)
	GetOpenOrders(ctx context.Context, userID, name, symbol string) ([]exchange.Order, error)
	GetPositions(ctx context.Context, userID, name string) ([]exchange.Position, error)
}

// ExchangeServiceInterface определяет интерфейс сервиса подключений
type ExchangeServiceInterface interface {
	ValidateCredentials(ctx context.Context, name string, creds exchange.Credentials, testnet bool) (bool, error)
	ConnectExchange(ctx context.Context, userID, name string, req models.ConnectRequest) (*models.ConnectionInfo, error)
	DisconnectExchange(ctx context.Context, userID, name string) error
	DisconnectAll(ctx context.Context, userID string) (int, error)
	ListConnections(ctx context.Context, userID string) ([]models.ConnectionInfo, error)
}

var _ PortfolioServiceInterface = (*PortfolioService)(nil)
var _ ExchangeServiceInterface = (*ExchangeService)(nil)
