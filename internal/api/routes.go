package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"portfolio/internal/api/handlers"
	"portfolio/internal/api/middleware"
	"portfolio/internal/service"
	"portfolio/pkg/utils"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	PortfolioService service.PortfolioServiceInterface
	ExchangeService  service.ExchangeServiceInterface

	// JWTSecret - HS256 секрет identity-провайдера
	JWTSecret      []byte
	AllowedOrigins []string

	// MetricsUser/MetricsPassword закрывают /metrics basic auth; пустые - открыто
	MetricsUser     string
	MetricsPassword string

	Logger *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/ (JWT)
//
//	├── /portfolio/
//	│   ├── GET / - сводный портфель (?exchanges=binance,okx)
//	│   └── GET /holdings/{currency} - валюта по всем биржам
//	└── /exchanges/
//	    ├── GET / - поддерживаемые биржи и подключения
//	    ├── DELETE / - отключить все биржи
//	    ├── POST /validate - проверить ключи
//	    ├── POST /{name}/connect - подключить биржу
//	    ├── DELETE /{name}/connect - отключить биржу
//	    ├── GET /{name}/balance - портфель одной биржи
//	    ├── GET /{name}/orders - открытые ордера (?symbol=BTC/USDT)
//	    └── GET /{name}/positions - позиции
//
// /health, /metrics
//
// Middleware применяется в следующем порядке:
// 1. RequestID
// 2. Recovery
// 3. Logging
// 4. CORS
// 5. Auth (только /api/v1)
func SetupRoutes(deps *Dependencies) *mux.Router {
	if deps == nil {
		deps = &Dependencies{}
	}
	log := deps.Logger
	if log == nil {
		log = utils.L()
	}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = middleware.DefaultAllowedOrigins
	}

	router := mux.NewRouter()

	// Глобальные middleware (применяются ко всем маршрутам)
	router.Use(middleware.RequestID)
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logging(log))
	router.Use(middleware.CORS(origins))

	router.HandleFunc("/health", handlers.Health).Methods(http.MethodGet)
	router.Handle("/metrics", middleware.BasicAuth(deps.MetricsUser, deps.MetricsPassword)(promhttp.Handler())).
		Methods(http.MethodGet)

	// Preflight к /api/v1 идёт без токена: маршрут стоит до subrouter с Auth,
	// ответ 204 даёт CORS из глобальных middleware
	router.PathPrefix("/api/v1").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Auth(deps.JWTSecret))

	// Portfolio routes
	if deps.PortfolioService != nil {
		portfolioHandler := handlers.NewPortfolioHandler(deps.PortfolioService, log)

		api.HandleFunc("/portfolio", portfolioHandler.GetPortfolio).Methods(http.MethodGet)
		api.HandleFunc("/portfolio/holdings/{currency}", portfolioHandler.GetHoldings).Methods(http.MethodGet)
		api.HandleFunc("/exchanges/{name}/balance", portfolioHandler.GetExchangeBalance).Methods(http.MethodGet)
		api.HandleFunc("/exchanges/{name}/orders", portfolioHandler.GetOpenOrders).Methods(http.MethodGet)
		api.HandleFunc("/exchanges/{name}/positions", portfolioHandler.GetPositions).Methods(http.MethodGet)
	}

	// Exchange routes
	if deps.ExchangeService != nil {
		exchangeHandler := handlers.NewExchangeHandler(deps.ExchangeService, log)

		api.HandleFunc("/exchanges", exchangeHandler.GetExchanges).Methods(http.MethodGet)
		api.HandleFunc("/exchanges", exchangeHandler.DisconnectAll).Methods(http.MethodDelete)
		api.HandleFunc("/exchanges/validate", exchangeHandler.ValidateCredentials).Methods(http.MethodPost)
		api.HandleFunc("/exchanges/{name}/connect", exchangeHandler.ConnectExchange).Methods(http.MethodPost)
		api.HandleFunc("/exchanges/{name}/connect", exchangeHandler.DisconnectExchange).Methods(http.MethodDelete)
	}

	// Несовпадение метода вне /api/v1: CORS отвечает на preflight и здесь
	router.MethodNotAllowedHandler = middleware.CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))

	return router
}
