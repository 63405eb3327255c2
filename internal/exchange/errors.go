package exchange

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
)

// ErrorKind - закрытый набор видов ошибок слоя бирж
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotConnected
	KindDecryptionFailed
	KindInvalidCredentials
	KindRateLimited
	KindNetworkTimeout
	KindUnsupportedTestnet
	KindExchangeError
	KindMissingData
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotConnected:
		return "not_connected"
	case KindDecryptionFailed:
		return "decryption_failed"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindRateLimited:
		return "rate_limited"
	case KindNetworkTimeout:
		return "network_timeout"
	case KindUnsupportedTestnet:
		return "unsupported_testnet"
	case KindExchangeError:
		return "exchange_error"
	case KindMissingData:
		return "missing_data"
	default:
		return "unknown"
	}
}

// Transient - повтор может помочь (лимит запросов, сеть)
func (k ErrorKind) Transient() bool {
	return k == KindRateLimited || k == KindNetworkTimeout
}

// Error - классифицированная ошибка. Error() - сообщение для пользователя.
type Error struct {
	Kind     ErrorKind
	Exchange Name
	// Op - операция, в которой произошла ошибка
	Op string
	// Message - текст биржи (KindExchangeError) или описание
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidCredentials:
		return "Invalid API key or secret."
	case KindRateLimited:
		return "Rate limit exceeded, please try again."
	case KindNetworkTimeout:
		return "Network timeout, please check your connection."
	case KindExchangeError:
		return "Exchange error: " + e.Message
	case KindNotConnected:
		if e.Message != "" {
			return e.Message
		}
		return "No connection found for " + string(e.Exchange)
	case KindDecryptionFailed:
		return "Failed to decrypt stored credentials for " + string(e.Exchange)
	}

	if e.Message != "" {
		return e.Message
	}
	if e.Op != "" {
		return "Unknown error in " + e.Op
	}
	return "Unknown error"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf возвращает вид ошибки; для неклассифицированных - KindUnknown
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind проверяет вид ошибки
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// APIError - ошибка, которую вернула биржа (HTTP статус и/или код в теле)
type APIError struct {
	Exchange   Name
	HTTPStatus int
	Code       string
	Message    string
	Original   error
}

func (e *APIError) Error() string {
	msg := string(e.Exchange) + ": " + e.Message
	if e.Code != "" {
		msg += " (code " + e.Code + ")"
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Original
}

// Classify переводит ошибку транспорта в *Error.
// Решение принимается по отчёту транспорта (статус, код, текст),
// а не по типам конкретной библиотеки.
func Classify(name Name, op string, err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	kind, msg := classifyKind(name, err)
	return &Error{Kind: kind, Exchange: name, Op: op, Message: msg, Err: err}
}

func classifyKind(name Name, err error) (ErrorKind, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkTimeout, ""
	}
	if errors.Is(err, context.Canceled) {
		return KindUnknown, "request cancelled"
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(name, apiErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindNetworkTimeout, ""
	}

	return KindUnknown, err.Error()
}

func classifyAPIError(name Name, e *APIError) (ErrorKind, string) {
	c := capabilities[name]
	msg := strings.ToLower(e.Message)

	switch {
	case e.HTTPStatus == http.StatusUnauthorized,
		e.HTTPStatus == http.StatusForbidden && !matchAny(msg, c.RateLimitPatterns),
		e.Code != "" && slices.Contains(c.AuthCodes, e.Code),
		matchAny(msg, c.AuthPatterns):
		return KindInvalidCredentials, e.Message

	case e.HTTPStatus == http.StatusTooManyRequests,
		e.HTTPStatus == http.StatusTeapot, // бан по IP у Binance
		e.Code != "" && slices.Contains(c.RateLimitCodes, e.Code),
		matchAny(msg, c.RateLimitPatterns):
		return KindRateLimited, e.Message

	case e.HTTPStatus == http.StatusBadGateway,
		e.HTTPStatus == http.StatusServiceUnavailable,
		e.HTTPStatus == http.StatusGatewayTimeout,
		e.HTTPStatus == http.StatusRequestTimeout:
		return KindNetworkTimeout, e.Message
	}

	if e.Message == "" {
		return KindExchangeError, "request failed"
	}
	return KindExchangeError, e.Message
}

func matchAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
