package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"portfolio/internal/api/middleware"
	"portfolio/internal/exchange"
	"portfolio/internal/models"
	"portfolio/internal/service"
)

const testUserID = "3f0c6f1e-8d52-4a4b-9b7e-51c1f1a2b3c4"

// ErrMockDatabase - ошибка хранилища для тестов
var ErrMockDatabase = errors.New("mock database error")

// withRequest добавляет пользователя и переменные маршрута
func withRequest(r *http.Request, vars map[string]string) *http.Request {
	r = r.WithContext(middleware.WithUserID(r.Context(), testUserID))
	if vars != nil {
		r = mux.SetURLVars(r, vars)
	}
	return r
}

// ============ Mock Portfolio Service ============

// MockPortfolioService мок для PortfolioServiceInterface
type MockPortfolioService struct {
	mu sync.Mutex

	portfolio *models.PortfolioResponse
	holdings  *models.AssetHoldings
	orders    []exchange.Order
	positions []exchange.Position
	err       error

	lastUserID   string
	lastNames    []string
	lastName     string
	lastSymbol   string
	lastCurrency string
}

func NewMockPortfolioService() *MockPortfolioService {
	return &MockPortfolioService{
		portfolio: models.NewPortfolioResponse([]models.ExchangePortfolio{
			{
				Exchange:      exchange.Binance,
				DisplayName:   "Binance",
				Balances:      []models.AssetBalance{{Currency: "BTC", Amount: decimal.RequireFromString("1.5")}},
				TotalValueUSD: decimal.RequireFromString("60000"),
			},
		}),
	}
}

func (m *MockPortfolioService) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockPortfolioService) GetCompletePortfolio(_ context.Context, userID string, names []string) (*models.PortfolioResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUserID, m.lastNames = userID, names
	if m.err != nil {
		return nil, m.err
	}
	return m.portfolio, nil
}

func (m *MockPortfolioService) GetExchangeBalances(_ context.Context, userID, name string) (*models.PortfolioResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUserID, m.lastName = userID, name
	if m.err != nil {
		return nil, m.err
	}
	return m.portfolio, nil
}

func (m *MockPortfolioService) GetAssetHoldings(_ context.Context, userID string, names []string, currency string) (*models.AssetHoldings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUserID, m.lastNames, m.lastCurrency = userID, names, currency
	if m.err != nil {
		return nil, m.err
	}
	return m.holdings, nil
}

func (m *MockPortfolioService) GetOpenOrders(_ context.Context, userID, name, symbol string) ([]exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUserID, m.lastName, m.lastSymbol = userID, name, symbol
	if m.err != nil {
		return nil, m.err
	}
	return m.orders, nil
}

func (m *MockPortfolioService) GetPositions(_ context.Context, userID, name string) ([]exchange.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUserID, m.lastName = userID, name
	if m.err != nil {
		return nil, m.err
	}
	return m.positions, nil
}

// ============ Mock Exchange Service ============

// MockExchangeService мок для ExchangeServiceInterface
type MockExchangeService struct {
	mu sync.Mutex

	validateErr   error
	connectErr    error
	disconnectErr error
	listErr       error

	connected    map[exchange.Name]bool
	lastCreds    exchange.Credentials
	lastTestnet  bool
	validateCall int
}

func NewMockExchangeService() *MockExchangeService {
	return &MockExchangeService{connected: make(map[exchange.Name]bool)}
}

func (m *MockExchangeService) ValidateCredentials(_ context.Context, name string, creds exchange.Credentials, testnet bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validateCall++
	m.lastCreds, m.lastTestnet = creds, testnet

	if _, err := exchange.ParseName(name); err != nil {
		return false, err
	}
	if m.validateErr != nil {
		return false, m.validateErr
	}
	return true, nil
}

func (m *MockExchangeService) ConnectExchange(_ context.Context, userID, rawName string, req models.ConnectRequest) (*models.ConnectionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name, err := exchange.ParseName(rawName)
	if err != nil {
		return nil, err
	}
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	m.connected[name] = true
	m.lastCreds = exchange.Credentials{APIKey: req.APIKey, Secret: req.APISecret, Passphrase: req.Passphrase}
	m.lastTestnet = req.IsTestnet

	return &models.ConnectionInfo{
		Exchange:    name,
		DisplayName: name.DisplayName(),
		Connected:   true,
		IsTestnet:   req.IsTestnet,
	}, nil
}

func (m *MockExchangeService) DisconnectExchange(_ context.Context, userID, rawName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name, err := exchange.ParseName(rawName)
	if err != nil {
		return err
	}
	if m.disconnectErr != nil {
		return m.disconnectErr
	}
	if !m.connected[name] {
		return service.ErrExchangeNotConnected
	}
	delete(m.connected, name)
	return nil
}

func (m *MockExchangeService) DisconnectAll(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disconnectErr != nil {
		return 0, m.disconnectErr
	}
	n := len(m.connected)
	m.connected = make(map[exchange.Name]bool)
	return n, nil
}

func (m *MockExchangeService) ListConnections(_ context.Context, userID string) ([]models.ConnectionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]models.ConnectionInfo, 0, len(exchange.SupportedExchanges))
	for _, name := range exchange.SupportedExchanges {
		out = append(out, models.ConnectionInfo{
			Exchange:    name,
			DisplayName: name.DisplayName(),
			Connected:   m.connected[name],
		})
	}
	return out, nil
}

var (
	_ service.PortfolioServiceInterface = (*MockPortfolioService)(nil)
	_ service.ExchangeServiceInterface  = (*MockExchangeService)(nil)
)
