package exchange

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"portfolio/pkg/ratelimit"
)

// Transport - клиент API одной биржи.
//
// Методы возвращают "сырые" записи в формате, близком к ответу биржи
// (числа чаще всего строками). Приведение к каноническому виду - задача
// Normalize*. Ошибки биржи возвращаются как *APIError, сетевые - как есть.
type Transport interface {
	// Exchange возвращает идентификатор биржи
	Exchange() Name

	// FetchServerTime - лёгкая проверка связи
	FetchServerTime(ctx context.Context) (time.Time, error)

	// FetchBalance возвращает балансы аккаунта
	FetchBalance(ctx context.Context, params BalanceParams) (*RawBalance, error)

	// FetchTicker возвращает тикер по унифицированному символу BASE/QUOTE
	FetchTicker(ctx context.Context, symbol string) (RawRecord, error)

	// Close освобождает ресурсы клиента. Не прерывает выполняющиеся запросы.
	Close() error
}

// OrderFetcher - опционально: открытые ордера
type OrderFetcher interface {
	FetchOpenOrders(ctx context.Context, symbol string) ([]RawRecord, error)
}

// PositionFetcher - опционально: открытые деривативные позиции
type PositionFetcher interface {
	FetchPositions(ctx context.Context) ([]RawRecord, error)
}

// BalanceParams - параметры запроса баланса
type BalanceParams struct {
	// Type - тип аккаунта ("spot"); пустой - аккаунт по умолчанию
	Type string
}

// RawRecord - запись биржи в унифицированных ключах
// (symbol, last, bid, side, amount...) с неприведёнными значениями
type RawRecord map[string]any

// RawBalance - балансы по валютам; значения могут быть строками или числами
type RawBalance struct {
	Total map[string]any
	Free  map[string]any
	Used  map[string]any
}

func newRawBalance() *RawBalance {
	return &RawBalance{
		Total: make(map[string]any),
		Free:  make(map[string]any),
		Used:  make(map[string]any),
	}
}

// add суммирует значения по валюте (некоторые биржи отдают несколько строк на валюту)
func (b *RawBalance) add(currency string, total, free, used any) {
	b.Total[currency] = sumAny(b.Total[currency], total)
	if free != nil {
		b.Free[currency] = sumAny(b.Free[currency], free)
	}
	if used != nil {
		b.Used[currency] = sumAny(b.Used[currency], used)
	}
}

func sumAny(prev, next any) any {
	if prev == nil {
		return next
	}
	a, okA := toDecimal(prev)
	b, okB := toDecimal(next)
	switch {
	case okA && okB:
		return a.Add(b).String()
	case okA:
		return a.String()
	default:
		return next
	}
}

// Credentials - расшифрованные ключи API. Живут только в памяти.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// String скрывает значения, чтобы ключи не попали в логи
func (c Credentials) String() string {
	return "Credentials{APIKey:***, Secret:***}"
}

func (c Credentials) GoString() string {
	return c.String()
}

// Empty - ключи не заданы (публичный клиент)
func (c Credentials) Empty() bool {
	return c.APIKey == "" && c.Secret == ""
}

// Config - параметры создания транспорта
type Config struct {
	Credentials Credentials
	Mode        Mode

	// RateLimit включает ожидание токена перед каждым запросом
	RateLimit bool
	// Timeout ограничивает один HTTP запрос
	Timeout time.Duration

	// BaseURL переопределяет эндпоинт биржи (тесты, прокси)
	BaseURL string
	// HTTPClient переопределяет HTTP клиент
	HTTPClient *http.Client
	// Limiters - общий реестр limiter'ов; nil - limiter на клиента
	Limiters *ratelimit.Registry
}

const DefaultTimeout = 15 * time.Second

// Factory создаёт транспорт биржи. Подменяется в тестах.
type Factory func(name Name, cfg Config) (Transport, error)

// NewTransport - Factory по умолчанию: строит транспорт по таблице возможностей.
// Для бирж без sandbox запрос test-режима отклоняется с KindUnsupportedTestnet.
func NewTransport(name Name, cfg Config) (Transport, error) {
	c, err := Lookup(name)
	if err != nil {
		return nil, err
	}

	if cfg.Mode == ModeTest && !c.SupportsTestnet() {
		return nil, &Error{
			Kind:     KindUnsupportedTestnet,
			Exchange: name,
			Message:  c.DisplayName + " does not support testnet",
		}
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeLive
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return c.newTransport(c, cfg)
}

// ============================================================
// Канонические записи
// ============================================================

const (
	SideBuy   = "buy"
	SideSell  = "sell"
	SideLong  = "long"
	SideShort = "short"

	OrderStatusUnknown = "unknown"
)

// Ticker - канонический тикер
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Volume    float64   `json:"volume"`
}

// Fee - комиссия ордера
type Fee struct {
	Currency string   `json:"currency"`
	Cost     float64  `json:"cost"`
	Rate     *float64 `json:"rate,omitempty"`
}

// Order - канонический ордер
type Order struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Type      string    `json:"type"`
	Side      string    `json:"side"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price"`
	Filled    float64   `json:"filled"`
	Remaining float64   `json:"remaining"`
	Cost      float64   `json:"cost"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Fee       Fee       `json:"fee"`
	// SideInferred - сторона не распознана и подставлена по умолчанию
	SideInferred bool `json:"side_inferred,omitempty"`
}

// Position - каноническая позиция
type Position struct {
	Symbol            string     `json:"symbol"`
	Side              string     `json:"side"`
	Amount            float64    `json:"amount"`
	EntryPrice        float64    `json:"entry_price"`
	Leverage          *float64   `json:"leverage,omitempty"`
	LiquidationPrice  *float64   `json:"liquidation_price,omitempty"`
	Notional          *float64   `json:"notional,omitempty"`
	InitialMargin     *float64   `json:"initial_margin,omitempty"`
	MaintenanceMargin *float64   `json:"maintenance_margin,omitempty"`
	Timestamp         *time.Time `json:"timestamp,omitempty"`
	SideInferred      bool       `json:"side_inferred,omitempty"`
}

// AssetAmount - положительный баланс валюты
type AssetAmount struct {
	Currency string
	Amount   decimal.Decimal
}
