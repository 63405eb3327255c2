package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"portfolio/internal/api/middleware"
	"portfolio/internal/exchange"
	"portfolio/internal/service"
	"portfolio/pkg/utils"
)

// PortfolioHandler отдаёт портфель пользователя по подключённым биржам
//
// Endpoints:
// - GET /api/v1/portfolio - сводный портфель
// - GET /api/v1/portfolio/holdings/{currency} - одна валюта по всем биржам
// - GET /api/v1/exchanges/{name}/balance - портфель одной биржи
// - GET /api/v1/exchanges/{name}/orders - открытые ордера
// - GET /api/v1/exchanges/{name}/positions - позиции
type PortfolioHandler struct {
	responder
	portfolioService service.PortfolioServiceInterface
}

// NewPortfolioHandler создает новый PortfolioHandler
func NewPortfolioHandler(portfolioService service.PortfolioServiceInterface, log *utils.Logger) *PortfolioHandler {
	return &PortfolioHandler{
		responder:        newResponder(log),
		portfolioService: portfolioService,
	}
}

// OrdersResponse - открытые ордера биржи
type OrdersResponse struct {
	Exchange string           `json:"exchange"`
	Symbol   string           `json:"symbol,omitempty"`
	Orders   []exchange.Order `json:"orders"`
}

// PositionsResponse - открытые позиции биржи
type PositionsResponse struct {
	Exchange  string              `json:"exchange"`
	Positions []exchange.Position `json:"positions"`
}

// GetPortfolio возвращает сводный портфель
// GET /api/v1/portfolio?exchanges=binance,okx
//
// Ошибка отдельной биржи не ломает ответ: запись биржи содержит поле error,
// а success остаётся true.
//
//	{
//	  "success": true,
//	  "data": [{"exchange": "binance", "balances": [...], "total_value_usd": "60000"}],
//	  "metadata": {"total_value_usd": "60000", "exchange_count": 1, "asset_count": 1}
//	}
func (h *PortfolioHandler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	resp, err := h.portfolioService.GetCompletePortfolio(r.Context(), userID, parseExchangeList(r))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, resp)
}

// GetHoldings возвращает количество и стоимость валюты на каждой бирже
// GET /api/v1/portfolio/holdings/{currency}?exchanges=
func (h *PortfolioHandler) GetHoldings(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	currency := mux.Vars(r)["currency"]

	holdings, err := h.portfolioService.GetAssetHoldings(r.Context(), userID, parseExchangeList(r), currency)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, holdings)
}

// GetExchangeBalance возвращает портфель одной биржи
// GET /api/v1/exchanges/{name}/balance
//
// Ответы:
// - 200 OK: портфель биржи
// - 400 Bad Request: неподдерживаемая биржа
// - 404 Not Found: биржа не подключена
// - 422/429/502/504: ошибка биржи (code = вид ошибки)
func (h *PortfolioHandler) GetExchangeBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	resp, err := h.portfolioService.GetExchangeBalances(r.Context(), userID, mux.Vars(r)["name"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, resp)
}

// GetOpenOrders возвращает открытые ордера
// GET /api/v1/exchanges/{name}/orders?symbol=BTC/USDT
func (h *PortfolioHandler) GetOpenOrders(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	name := mux.Vars(r)["name"]
	symbol := r.URL.Query().Get("symbol")

	orders, err := h.portfolioService.GetOpenOrders(r.Context(), userID, name, symbol)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	if orders == nil {
		orders = []exchange.Order{}
	}

	h.respondWithJSON(w, http.StatusOK, OrdersResponse{
		Exchange: name,
		Symbol:   utils.NormalizeSymbol(symbol),
		Orders:   orders,
	})
}

// GetPositions возвращает открытые позиции (деривативы)
// GET /api/v1/exchanges/{name}/positions
//
// Биржи без деривативов отвечают 501.
func (h *PortfolioHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	name := mux.Vars(r)["name"]

	positions, err := h.portfolioService.GetPositions(r.Context(), userID, name)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	if positions == nil {
		positions = []exchange.Position{}
	}

	h.respondWithJSON(w, http.StatusOK, PositionsResponse{Exchange: name, Positions: positions})
}
