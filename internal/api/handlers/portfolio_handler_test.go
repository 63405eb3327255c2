package handlers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"portfolio/internal/exchange"
	"portfolio/internal/models"
	"portfolio/internal/service"
	"portfolio/pkg/utils"
)

// ============ PortfolioHandler Tests ============

func TestPortfolioHandler_GetPortfolio(t *testing.T) {
	t.Run("successfully returns portfolio", func(t *testing.T) {
		mockSvc := NewMockPortfolioService()
		handler := NewPortfolioHandler(mockSvc, utils.NewNopLogger())

		req := withRequest(httptest.NewRequest(http.MethodGet, "/api/v1/portfolio?exchanges=binance,%20okx,,", nil), nil)
		w := httptest.NewRecorder()

		handler.GetPortfolio(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %q", ct)
		}

		var response models.PortfolioResponse
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !response.Success || len(response.Data) != 1 {
			t.Errorf("unexpected response: %+v", response)
		}
		if !response.Metadata.TotalValueUSD.Equal(decimal.RequireFromString("60000")) {
			t.Errorf("total = %s, want 60000", response.Metadata.TotalValueUSD)
		}

		if mockSvc.lastUserID != testUserID {
			t.Errorf("user id = %q, want %q", mockSvc.lastUserID, testUserID)
		}
		if !reflect.DeepEqual(mockSvc.lastNames, []string{"binance", "okx"}) {
			t.Errorf("names = %v, want [binance okx]", mockSvc.lastNames)
		}
	})

	t.Run("passes nil names when filter is absent", func(t *testing.T) {
		mockSvc := NewMockPortfolioService()
		handler := NewPortfolioHandler(mockSvc, utils.NewNopLogger())

		req := withRequest(httptest.NewRequest(http.MethodGet, "/api/v1/portfolio", nil), nil)
		w := httptest.NewRecorder()

		handler.GetPortfolio(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}
		if mockSvc.lastNames != nil {
			t.Errorf("names = %v, want nil", mockSvc.lastNames)
		}
	})

	t.Run("returns 400 on unsupported exchange filter", func(t *testing.T) {
		mockSvc := NewMockPortfolioService()
		mockSvc.SetError(fmt.Errorf("%w: %q", exchange.ErrUnsupportedExchange, "mtgox"))
		handler := NewPortfolioHandler(mockSvc, utils.NewNopLogger())

		req := withRequest(httptest.NewRequest(http.MethodGet, "/api/v1/portfolio?exchanges=mtgox", nil), nil)
		w := httptest.NewRecorder()

		handler.GetPortfolio(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})
}

func TestPortfolioHandler_GetExchangeBalance(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantError  string
	}{
		{"success", nil, http.StatusOK, "", ""},
		{
			"rate limited",
			&exchange.Error{Kind: exchange.KindRateLimited, Exchange: exchange.Binance},
			http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded, please try again.",
		},
		{
			"network timeout",
			&exchange.Error{Kind: exchange.KindNetworkTimeout, Exchange: exchange.Binance},
			http.StatusGatewayTimeout, "network_timeout", "Network timeout, please check your connection.",
		},
		{
			"invalid credentials",
			&exchange.Error{Kind: exchange.KindInvalidCredentials, Exchange: exchange.Binance},
			http.StatusUnprocessableEntity, "invalid_credentials", "Invalid API key or secret.",
		},
		{
			"exchange error",
			&exchange.Error{Kind: exchange.KindExchangeError, Exchange: exchange.Binance, Message: "Service unavailable"},
			http.StatusBadGateway, "exchange_error", "Exchange error: Service unavailable",
		},
		{
			"not connected",
			&exchange.Error{Kind: exchange.KindNotConnected, Exchange: exchange.Binance, Message: "No connection found for Binance"},
			http.StatusNotFound, "not_connected", "No connection found for Binance",
		},
		{
			"stored credentials unreadable",
			&exchange.Error{Kind: exchange.KindDecryptionFailed, Exchange: exchange.Binance},
			http.StatusConflict, "decryption_failed", "Failed to decrypt stored credentials for binance",
		},
		{
			"unsupported exchange",
			fmt.Errorf("%w: %q", exchange.ErrUnsupportedExchange, "mtgox"),
			http.StatusBadRequest, "unsupported_exchange", "",
		},
		{
			"invalid user",
			fmt.Errorf("%w: %q", utils.ErrInvalidUserID, "nope"),
			http.StatusBadRequest, "invalid_request", "",
		},
		{
			"internal error is hidden",
			ErrMockDatabase,
			http.StatusInternalServerError, "internal_error", "Internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockSvc := NewMockPortfolioService()
			mockSvc.SetError(tt.err)
			handler := NewPortfolioHandler(mockSvc, utils.NewNopLogger())

			req := withRequest(httptest.NewRequest(http.MethodGet, "/api/v1/exchanges/binance/balance", nil),
				map[string]string{"name": "binance"})
			w := httptest.NewRecorder()

			handler.GetExchangeBalance(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if mockSvc.lastName != "binance" {
				t.Errorf("name = %q, want binance", mockSvc.lastName)
			}
			if tt.err == nil {
				return
			}

			var response ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", response.Code, tt.wantCode)
			}
			if tt.wantError != "" && response.Error != tt.wantError {
				t.Errorf("error = %q, want %q", response.Error, tt.wantError)
			}
		})
	}
}

func TestPortfolioHandler_GetHoldings(t *testing.T) {
	t.Run("successfully returns holdings", func(t *testing.T) {
		mockSvc := NewMockPortfolioService()
		mockSvc.holdings = &models.AssetHoldings{
			Currency:      "BTC",
			TotalAmount:   decimal.RequireFromString("2"),
			TotalValueUSD: decimal.RequireFromString("80000"),
			Holdings: []models.AssetHolding{
				{Exchange: exchange.Binance, Amount: decimal.RequireFromString("1.5"), ValueUSD: decimal.RequireFromString("60000")},
				{Exchange: exchange.Kraken, Amount: decimal.RequireFromString("0.5"), ValueUSD: decimal.RequireFromString("20000")},
			},
		}
		handler := NewPortfolioHandler(mockSvc, utils.NewNopLogger())

		req := withRequest(httptest.NewRequest(http.MethodGet, "/api/v1/portfolio/holdings/btc?exchanges=binance,kraken", nil),
			map[string]string{"currency": "btc"})
		w := httptest.NewRecorder()

		handler.GetHoldings(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}

		var response models.AssetHoldings
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(response.Holdings) != 2 || !response.TotalAmount.Equal(decimal.RequireFromString("2")) {
			t.Errorf("unexpected holdings: %+v", response)
		}
		if mockSvc.lastCurrency != "btc" {
			t.Errorf("currency = %q, want raw path value", mockSvc.lastCurrency)
		}
	})

	t.Run("returns 400 on invalid currency", func(t *testing.T) {
		mockSvc := NewMockPortfolioService()
		mockSvc.SetError(fmt.Errorf("%w: %q", utils.ErrInvalidCurrency, "$$"))
		handler := NewPortfolioHandler(mockSvc, utils.NewNopLogger())

		req := withRequest(httptest.NewRequest(http.MethodGet, "/api/v1/portfolio/holdings/$$", nil),
			map[string]string{"currency": "$$"})
		w := httptest.NewRecorder()

		handler.GetHoldings(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})
}

func TestPortfolioHandler_GetOpenOrders(t *testing.T) {
	t.Run("returns empty list instead of null", func(t *testing.T) {
		mockSvc := NewMockPortfolioService()
		handler := NewPortfolioHandler(mockSvc, utils.NewNopLogger())

		req := withRequest(httptest.NewRequest(http.MethodGet, "/api/v1/exchanges/bybit/orders?symbol=btc-usdt", nil),
			map[string]string{"name": "bybit"})
		w := httptest.NewRecorder()

		handler.GetOpenOrders(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}

		var response map[string]interface{}
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		orders, ok := response["orders"].([]interface{})
		if !ok || len(orders) != 0 {
			t.Errorf("orders should be an empty array, got %v", response["orders"])
		}
		if response["symbol"] != "BTC/USDT" {
			t.Errorf("symbol = %v, want BTC/USDT", response["symbol"])
		}
		if mockSvc.lastSymbol != "btc-usdt" {
			t.Errorf("service should receive raw symbol, got %q", mockSvc.lastSymbol)
		}
	})

	t.Run("returns orders", func(t *testing.T) {
		mockSvc := NewMockPortfolioService()
		mockSvc.orders = []exchange.Order{
			{ID: "1", Symbol: "BTC/USDT", Type: "limit", Side: "buy", Amount: 0.5, Price: 40000, Status: "open"},
		}
		handler := NewPortfolioHandler(mockSvc, utils.NewNopLogger())

		req := withRequest(httptest.NewRequest(http.MethodGet, "/api/v1/exchanges/bybit/orders", nil),
			map[string]string{"name": "bybit"})
		w := httptest.NewRecorder()

		handler.GetOpenOrders(w, req)

		var response OrdersResponse
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(response.Orders) != 1 || response.Orders[0].Side != "buy" {
			t.Errorf("unexpected orders: %+v", response.Orders)
		}
		if response.Exchange != "bybit" {
			t.Errorf("exchange = %q, want bybit", response.Exchange)
		}
	})
}

func TestPortfolioHandler_GetPositions(t *testing.T) {
	t.Run("returns 501 for spot-only exchange", func(t *testing.T) {
		mockSvc := NewMockPortfolioService()
		mockSvc.SetError(fmt.Errorf("%w: %s positions", service.ErrOperationNotSupported, "Kraken"))
		handler := NewPortfolioHandler(mockSvc, utils.NewNopLogger())

		req := withRequest(httptest.NewRequest(http.MethodGet, "/api/v1/exchanges/kraken/positions", nil),
			map[string]string{"name": "kraken"})
		w := httptest.NewRecorder()

		handler.GetPositions(w, req)

		if w.Code != http.StatusNotImplemented {
			t.Errorf("expected status %d, got %d", http.StatusNotImplemented, w.Code)
		}
	})

	t.Run("returns positions", func(t *testing.T) {
		lev := 10.0
		mockSvc := NewMockPortfolioService()
		mockSvc.positions = []exchange.Position{
			{Symbol: "BTC/USDT", Side: "long", Amount: 0.1, EntryPrice: 40000, Leverage: &lev},
		}
		handler := NewPortfolioHandler(mockSvc, utils.NewNopLogger())

		req := withRequest(httptest.NewRequest(http.MethodGet, "/api/v1/exchanges/bybit/positions", nil),
			map[string]string{"name": "bybit"})
		w := httptest.NewRecorder()

		handler.GetPositions(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}

		var response PositionsResponse
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(response.Positions) != 1 || *response.Positions[0].Leverage != 10 {
			t.Errorf("unexpected positions: %+v", response.Positions)
		}
	})
}
