package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"portfolio/internal/api/middleware"
	"portfolio/internal/exchange"
	"portfolio/internal/models"
	"portfolio/internal/service"
	"portfolio/pkg/utils"
)

// ValidateResponse - результат проверки ключей
type ValidateResponse struct {
	Exchange string `json:"exchange"`
	Valid    bool   `json:"valid"`
	Error    string `json:"error,omitempty"`
	Code     string `json:"code,omitempty"`
}

// ExchangeHandler отвечает за подключение бирж
//
// Endpoints:
// - GET /api/v1/exchanges - поддерживаемые биржи и подключения пользователя
// - POST /api/v1/exchanges/validate - проверка ключей без сохранения
// - POST /api/v1/exchanges/{name}/connect - подключение биржи
// - DELETE /api/v1/exchanges/{name}/connect - отключение биржи
type ExchangeHandler struct {
	responder
	exchangeService service.ExchangeServiceInterface
}

// NewExchangeHandler создает новый ExchangeHandler
func NewExchangeHandler(exchangeService service.ExchangeServiceInterface, log *utils.Logger) *ExchangeHandler {
	return &ExchangeHandler{
		responder:       newResponder(log),
		exchangeService: exchangeService,
	}
}

// GetExchanges возвращает все поддерживаемые биржи с состоянием подключения
// GET /api/v1/exchanges
//
//	[
//	  {"exchange": "binance", "display_name": "Binance", "supports_testnet": true, "connected": true, ...},
//	  {"exchange": "kraken", "display_name": "Kraken", "supports_testnet": false, "connected": false, ...}
//	]
func (h *ExchangeHandler) GetExchanges(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	list, err := h.exchangeService.ListConnections(r.Context(), userID)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, list)
}

// ValidateCredentials проверяет ключи на бирже, ничего не сохраняя
// POST /api/v1/exchanges/validate
//
// Тело запроса:
//
//	{
//	  "exchange": "binance",
//	  "api_key": "your-api-key",
//	  "api_secret": "your-secret",
//	  "passphrase": "optional-passphrase", // KuCoin, OKX, Bitget
//	  "is_testnet": false
//	}
//
// Ответы:
// - 200 OK: {"valid": true} или {"valid": false, "error": "..."} если биржа отклонила ключи
// - 400 Bad Request: некорректное тело или неподдерживаемая биржа
func (h *ExchangeHandler) ValidateCredentials(w http.ResponseWriter, r *http.Request) {
	var req models.ValidateRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	creds := exchange.Credentials{
		APIKey:     req.APIKey,
		Secret:     req.APISecret,
		Passphrase: req.Passphrase,
	}

	valid, err := h.exchangeService.ValidateCredentials(r.Context(), req.Exchange, creds, req.IsTestnet)

	var verr *service.ValidationError
	switch {
	case err == nil:
		h.respondWithJSON(w, http.StatusOK, ValidateResponse{Exchange: req.Exchange, Valid: valid})
	case errors.As(err, &verr) && verr.Kind != exchange.KindUnsupportedTestnet:
		h.respondWithJSON(w, http.StatusOK, ValidateResponse{
			Exchange: req.Exchange,
			Valid:    false,
			Error:    verr.Error(),
			Code:     verr.Kind.String(),
		})
	default:
		h.respondWithServiceError(w, r, err)
	}
}

// ConnectExchange подключает биржу с API ключами
// POST /api/v1/exchanges/{name}/connect
//
// Тело запроса:
//
//	{
//	  "api_key": "your-api-key",
//	  "api_secret": "your-secret",
//	  "passphrase": "optional-passphrase",
//	  "is_testnet": false
//	}
//
// Повторное подключение заменяет сохранённые ключи.
//
// Ответы:
// - 200 OK: биржа подключена
// - 400 Bad Request: некорректные данные
// - 422 Unprocessable Entity: биржа отклонила ключи
func (h *ExchangeHandler) ConnectExchange(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	var req models.ConnectRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	info, err := h.exchangeService.ConnectExchange(r.Context(), userID, mux.Vars(r)["name"], req)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, SuccessResponse{
		Message: info.DisplayName + " connected successfully",
		Data:    info,
	})
}

// DisconnectAll отключает все биржи пользователя
// DELETE /api/v1/exchanges
func (h *ExchangeHandler) DisconnectAll(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	n, err := h.exchangeService.DisconnectAll(r.Context(), userID)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, SuccessResponse{
		Message: "All exchanges disconnected",
		Data:    map[string]int{"disconnected": n},
	})
}

// DisconnectExchange отключает биржу и удаляет ключи
// DELETE /api/v1/exchanges/{name}/connect
//
// Ответы:
// - 200 OK: биржа отключена
// - 404 Not Found: биржа не была подключена
func (h *ExchangeHandler) DisconnectExchange(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	name := mux.Vars(r)["name"]

	if err := h.exchangeService.DisconnectExchange(r.Context(), userID, name); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, SuccessResponse{
		Message: "Exchange disconnected successfully",
	})
}
