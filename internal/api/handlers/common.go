package handlers

import (
	"errors"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"portfolio/internal/api/middleware"
	"portfolio/internal/exchange"
	"portfolio/internal/service"
	"portfolio/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxRequestBodySize ограничение размера тела запроса (1 MB)
const MaxRequestBodySize = 1 << 20 // 1 MB

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string             `json:"error"`
	Code    string             `json:"code,omitempty"`
	Details string             `json:"details,omitempty"`
	Fields  []utils.FieldError `json:"fields,omitempty"`
}

// SuccessResponse стандартный формат успешного ответа
type SuccessResponse struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// responder - общие хелперы ответа для всех handlers
type responder struct {
	log *utils.Logger
}

func newResponder(log *utils.Logger) responder {
	if log == nil {
		log = utils.L()
	}
	return responder{log: log}
}

// respondWithJSON отправляет JSON ответ
func (h responder) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to marshal response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

// respondWithError отправляет JSON ответ с ошибкой
func (h responder) respondWithError(w http.ResponseWriter, code int, message string, details string) {
	h.respondWithJSON(w, code, ErrorResponse{
		Error:   message,
		Details: details,
	})
}

// respondWithServiceError переводит ошибку сервиса в HTTP статус.
// Сообщения ошибок бирж уже рассчитаны на пользователя и отдаются как есть,
// внутренние ошибки логируются и скрываются.
func (h responder) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)

	resp := ErrorResponse{Error: err.Error(), Code: code}

	var verrs utils.ValidationErrors
	if errors.As(err, &verrs) {
		resp.Error = "Invalid request"
		resp.Fields = verrs
	}

	if status >= http.StatusInternalServerError && code == codeInternal {
		h.log.Error("request failed",
			utils.Method(r.Method),
			utils.Path(r.URL.Path),
			utils.RequestID(middleware.RequestIDFromContext(r.Context())),
			utils.Err(err),
		)
		resp.Error = "Internal server error"
	}

	h.respondWithJSON(w, status, resp)
}

const (
	codeInvalidRequest = "invalid_request"
	codeUnsupported    = "unsupported_exchange"
	codeNotSupported   = "operation_not_supported"
	codeInternal       = "internal_error"
)

// statusFor сопоставляет ошибку со статусом и машинным кодом ответа
func statusFor(err error) (int, string) {
	var verrs utils.ValidationErrors
	var validation *service.ValidationError
	var exErr *exchange.Error

	switch {
	case errors.As(err, &verrs):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, exchange.ErrUnsupportedExchange):
		return http.StatusBadRequest, codeUnsupported
	case errors.Is(err, utils.ErrInvalidUserID),
		errors.Is(err, utils.ErrInvalidCurrency),
		errors.Is(err, utils.ErrInvalidSymbol),
		errors.Is(err, utils.ErrInvalidPassphrase):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.As(err, &validation):
		if validation.Kind == exchange.KindUnsupportedTestnet {
			return http.StatusBadRequest, validation.Kind.String()
		}
		return http.StatusUnprocessableEntity, validation.Kind.String()
	case errors.Is(err, service.ErrExchangeNotConnected):
		return http.StatusNotFound, exchange.KindNotConnected.String()
	case errors.Is(err, service.ErrOperationNotSupported):
		return http.StatusNotImplemented, codeNotSupported
	case errors.As(err, &exErr):
		return statusForKind(exErr.Kind), exErr.Kind.String()
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func statusForKind(kind exchange.ErrorKind) int {
	switch kind {
	case exchange.KindNotConnected:
		return http.StatusNotFound
	case exchange.KindInvalidCredentials:
		return http.StatusUnprocessableEntity
	case exchange.KindDecryptionFailed:
		return http.StatusConflict
	case exchange.KindUnsupportedTestnet:
		return http.StatusBadRequest
	case exchange.KindRateLimited:
		return http.StatusTooManyRequests
	case exchange.KindNetworkTimeout:
		return http.StatusGatewayTimeout
	case exchange.KindExchangeError, exchange.KindMissingData:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// parseExchangeList разбирает ?exchanges=binance,okx. Пустой список - все подключения.
func parseExchangeList(r *http.Request) []string {
	raw := r.URL.Query().Get("exchanges")
	if raw == "" {
		return nil
	}

	var names []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	return names
}

// decodeBody читает JSON тело запроса с ограничением размера
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(dst)
}
