package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"portfolio/internal/exchange"
	"portfolio/internal/models"
	"portfolio/internal/repository"
	"portfolio/pkg/crypto"
	"portfolio/pkg/utils"
)

const testUserID = "3f0c6f1e-8d52-4a4b-9b7e-51c1f1a2b3c4"

// fastPolicy - повторы без секундных пауз
var fastPolicy = exchange.CallPolicy{MaxAttempts: 3, Backoff: time.Millisecond}

func newTestCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	c, err := crypto.NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

// ============ Mock ConnectionStore ============

type MockConnectionStore struct {
	mu    sync.Mutex
	conns []*models.ExchangeConnection

	getErr    error
	listErr   error
	upsertErr error
	deleteErr error

	getCalls    int
	listCalls   int
	upsertCalls int
}

func NewMockConnectionStore() *MockConnectionStore {
	return &MockConnectionStore{}
}

// add сохраняет подключение с ключами, зашифрованными enc
func (m *MockConnectionStore) add(t *testing.T, enc Encrypter, userID string, name exchange.Name, creds exchange.Credentials, testnet bool) {
	t.Helper()

	encrypt := func(s string) string {
		if s == "" {
			return ""
		}
		out, err := enc.Encrypt(s)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		return out
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns = append(m.conns, &models.ExchangeConnection{
		ID:          int64(len(m.conns) + 1),
		UserID:      userID,
		Exchange:    name,
		APIKey:      encrypt(creds.APIKey),
		APISecret:   encrypt(creds.Secret),
		Passphrase:  encrypt(creds.Passphrase),
		IsTestnet:   testnet,
		ConnectedAt: time.Date(2024, 1, 1, 0, len(m.conns), 0, 0, time.UTC),
	})
}

func (m *MockConnectionStore) find(userID string, name exchange.Name) (int, *models.ExchangeConnection) {
	for i, c := range m.conns {
		if c.UserID == userID && c.Exchange == name {
			return i, c
		}
	}
	return -1, nil
}

func (m *MockConnectionStore) GetConnection(_ context.Context, userID string, name exchange.Name) (*models.ExchangeConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getCalls++
	if m.getErr != nil {
		return nil, m.getErr
	}
	if _, c := m.find(userID, name); c != nil {
		cp := *c
		return &cp, nil
	}
	return nil, repository.ErrConnectionNotFound
}

func (m *MockConnectionStore) UpsertConnection(_ context.Context, conn *models.ExchangeConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.upsertCalls++
	if m.upsertErr != nil {
		return m.upsertErr
	}

	conn.ConnectedAt = time.Now()
	conn.UpdatedAt = conn.ConnectedAt
	cp := *conn
	if i, _ := m.find(conn.UserID, conn.Exchange); i >= 0 {
		cp.ID = m.conns[i].ID
		m.conns[i] = &cp
	} else {
		cp.ID = int64(len(m.conns) + 1)
		m.conns = append(m.conns, &cp)
	}
	conn.ID = cp.ID
	return nil
}

func (m *MockConnectionStore) ListConnections(_ context.Context, userID string, names []exchange.Name) ([]*models.ExchangeConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}

	var out []*models.ExchangeConnection
	for _, c := range m.conns {
		if c.UserID != userID {
			continue
		}
		if len(names) > 0 && !containsName(names, c.Exchange) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out, nil
}

func (m *MockConnectionStore) DeleteConnection(_ context.Context, userID string, name exchange.Name) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	i, _ := m.find(userID, name)
	if i < 0 {
		return repository.ErrConnectionNotFound
	}
	m.conns = append(m.conns[:i], m.conns[i+1:]...)
	return nil
}

func (m *MockConnectionStore) accessCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCalls + m.listCalls + m.upsertCalls
}

func containsName(names []exchange.Name, n exchange.Name) bool {
	for _, x := range names {
		if x == n {
			return true
		}
	}
	return false
}

// ============ Mock ProfileStore ============

type MockProfileStore struct {
	mu        sync.Mutex
	onboarded map[string]bool
	err       error
}

func NewMockProfileStore() *MockProfileStore {
	return &MockProfileStore{onboarded: make(map[string]bool)}
}

func (m *MockProfileStore) MarkOnboarded(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.onboarded[userID] = true
	return nil
}

// ============ Mock ClientProvider ============

type MockClientProvider struct {
	mu             sync.Mutex
	invalidated    []exchange.Name
	invalidatedAll []string
}

func (m *MockClientProvider) With(context.Context, exchange.CacheKey, exchange.CredentialSource, func(*exchange.ClientHandle) error) error {
	return errors.New("not used")
}

func (m *MockClientProvider) Invalidate(_ string, name exchange.Name) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, name)
	return 1
}

func (m *MockClientProvider) InvalidateAll(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidatedAll = append(m.invalidatedAll, userID)
	return 1
}

// ============ Mock PriceSource ============

type MockPriceSource struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	calls  int
}

func NewMockPriceSource(prices map[string]string) *MockPriceSource {
	m := &MockPriceSource{prices: make(map[string]decimal.Decimal)}
	for k, v := range prices {
		m.prices[k] = decimal.RequireFromString(v)
	}
	return m
}

func (m *MockPriceSource) USDPrice(_ context.Context, currency string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if p, ok := m.prices[currency]; ok {
		return p, nil
	}
	return decimal.Zero, ErrNoPrice
}

// ============ Mock Transport ============

// MockTransport - клиент биржи с заданными ответами
type MockTransport struct {
	name exchange.Name

	mu          sync.Mutex
	balance     *exchange.RawBalance
	balanceErrs []error // по одной на вызов, затем balance
	balanceErr  error
	timeErr     error
	tickers     map[string]exchange.RawRecord
	tickerErr   error
	tickerGate  chan struct{}
	panicMsg    string

	balanceCalls atomic.Int32
	timeCalls    atomic.Int32
	tickerCalls  atomic.Int32
	closed       atomic.Bool
}

func NewMockTransport(name exchange.Name, total map[string]any) *MockTransport {
	return &MockTransport{
		name:    name,
		balance: &exchange.RawBalance{Total: total},
		tickers: make(map[string]exchange.RawRecord),
	}
}

func (m *MockTransport) Exchange() exchange.Name { return m.name }

func (m *MockTransport) FetchServerTime(context.Context) (time.Time, error) {
	m.timeCalls.Add(1)
	if m.timeErr != nil {
		return time.Time{}, m.timeErr
	}
	return time.Now(), nil
}

func (m *MockTransport) FetchBalance(context.Context, exchange.BalanceParams) (*exchange.RawBalance, error) {
	m.balanceCalls.Add(1)
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.balanceErrs) > 0 {
		err := m.balanceErrs[0]
		m.balanceErrs = m.balanceErrs[1:]
		return nil, err
	}
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	return m.balance, nil
}

func (m *MockTransport) FetchTicker(ctx context.Context, symbol string) (exchange.RawRecord, error) {
	m.tickerCalls.Add(1)
	if m.tickerGate != nil {
		select {
		case <-m.tickerGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.tickerErr != nil {
		return nil, m.tickerErr
	}
	rec, ok := m.tickers[symbol]
	if !ok {
		return nil, &exchange.APIError{Exchange: m.name, HTTPStatus: 400, Message: "Invalid symbol."}
	}
	return rec, nil
}

func (m *MockTransport) Close() error {
	m.closed.Store(true)
	return nil
}

// MockTradingTransport дополнительно отдаёт ордера и позиции
type MockTradingTransport struct {
	*MockTransport
	orders      []exchange.RawRecord
	positions   []exchange.RawRecord
	orderSymbol string
}

func (m *MockTradingTransport) FetchOpenOrders(_ context.Context, symbol string) ([]exchange.RawRecord, error) {
	m.orderSymbol = symbol
	return m.orders, nil
}

func (m *MockTradingTransport) FetchPositions(context.Context) ([]exchange.RawRecord, error) {
	return m.positions, nil
}

// ============ Factory ============

// mockFactory отдаёт заранее созданные транспорты и считает создания
type mockFactory struct {
	mu         sync.Mutex
	transports map[exchange.Name]exchange.Transport
	created    map[exchange.Name]int
	lastCreds  map[exchange.Name]exchange.Credentials
}

func newMockFactory(transports ...exchange.Transport) *mockFactory {
	f := &mockFactory{
		transports: make(map[exchange.Name]exchange.Transport),
		created:    make(map[exchange.Name]int),
		lastCreds:  make(map[exchange.Name]exchange.Credentials),
	}
	for _, t := range transports {
		f.transports[t.Exchange()] = t
	}
	return f
}

func (f *mockFactory) New(name exchange.Name, cfg exchange.Config) (exchange.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.transports[name]
	if !ok {
		return nil, errors.New("no transport for " + string(name))
	}
	f.created[name]++
	f.lastCreds[name] = cfg.Credentials
	return t, nil
}

func (f *mockFactory) createdCount(name exchange.Name) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[name]
}

func (f *mockFactory) totalCreated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.created {
		n += c
	}
	return n
}

// ============ Сборка сервиса портфеля ============

type portfolioFixture struct {
	service *PortfolioService
	store   *MockConnectionStore
	cipher  *crypto.Cipher
	factory *mockFactory
	cache   *exchange.ClientCache
	prices  *MockPriceSource
}

func newPortfolioFixture(t *testing.T, prices map[string]string, transports ...exchange.Transport) *portfolioFixture {
	t.Helper()

	f := &portfolioFixture{
		store:   NewMockConnectionStore(),
		cipher:  newTestCipher(t),
		factory: newMockFactory(transports...),
		prices:  NewMockPriceSource(prices),
	}
	f.cache = exchange.NewClientCache(exchange.CacheConfig{Factory: f.factory.New}, utils.NewNopLogger())
	f.service = NewPortfolioService(
		f.store,
		NewCredentialResolver(f.store, f.cipher),
		f.cache,
		f.prices,
		PortfolioConfig{MaxConcurrency: 4, ExchangeTimeout: 5 * time.Second, Policy: fastPolicy},
		utils.NewNopLogger(),
	)
	return f
}

func (f *portfolioFixture) connect(t *testing.T, names ...exchange.Name) {
	t.Helper()
	for _, n := range names {
		f.store.add(t, f.cipher, testUserID, n, exchange.Credentials{APIKey: "key-" + string(n), Secret: "secret-" + string(n)}, false)
	}
}
