package models

import (
	"time"

	"github.com/shopspring/decimal"

	"portfolio/internal/exchange"
)

// AssetBalance - баланс валюты на бирже.
// Value пуст до оценки, после оценки заполнен всегда (0, если цену получить не удалось).
type AssetBalance struct {
	Currency string           `json:"currency"`
	Amount   decimal.Decimal  `json:"amount"`
	Value    *decimal.Decimal `json:"value,omitempty"`
}

// ValueOrZero возвращает оценку в USD или 0
func (b AssetBalance) ValueOrZero() decimal.Decimal {
	if b.Value == nil {
		return decimal.Zero
	}
	return *b.Value
}

// ExchangePortfolio - портфель на одной бирже.
// При Error балансы пусты и TotalValueUSD = 0, но запись остаётся в ответе.
type ExchangePortfolio struct {
	Exchange    exchange.Name  `json:"exchange"`
	DisplayName string         `json:"display_name"`
	Balances    []AssetBalance `json:"balances"`
	// ConnectedAt - время подключения биржи; пусто, если подключения нет
	ConnectedAt   *time.Time      `json:"connected_at,omitempty"`
	TotalValueUSD decimal.Decimal `json:"total_value_usd"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
}

// Failed - запрос к бирже завершился ошибкой
func (p ExchangePortfolio) Failed() bool {
	return p.Error != ""
}

// PortfolioMetadata - итоги по всем биржам
type PortfolioMetadata struct {
	TotalValueUSD decimal.Decimal `json:"total_value_usd"`
	ExchangeCount int             `json:"exchange_count"`
	AssetCount    int             `json:"asset_count"`
}

// PortfolioResponse - сводный портфель
type PortfolioResponse struct {
	Success  bool                `json:"success"`
	Data     []ExchangePortfolio `json:"data"`
	Error    string              `json:"error,omitempty"`
	Metadata PortfolioMetadata   `json:"metadata"`
}

// NewPortfolioResponse собирает ответ и считает metadata:
// сумма TotalValueUSD записей, число записей и число балансов.
func NewPortfolioResponse(data []ExchangePortfolio) *PortfolioResponse {
	if data == nil {
		data = []ExchangePortfolio{}
	}

	meta := PortfolioMetadata{TotalValueUSD: decimal.Zero, ExchangeCount: len(data)}
	for _, p := range data {
		meta.TotalValueUSD = meta.TotalValueUSD.Add(p.TotalValueUSD)
		meta.AssetCount += len(p.Balances)
	}

	return &PortfolioResponse{Success: true, Data: data, Metadata: meta}
}

// AssetHolding - количество валюты на одной бирже
type AssetHolding struct {
	Exchange exchange.Name   `json:"exchange"`
	Amount   decimal.Decimal `json:"amount"`
	ValueUSD decimal.Decimal `json:"value_usd"`
}

// AssetHoldings - валюта по всем биржам пользователя
type AssetHoldings struct {
	Currency      string          `json:"currency"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	TotalValueUSD decimal.Decimal `json:"total_value_usd"`
	Holdings      []AssetHolding  `json:"holdings"`
}
