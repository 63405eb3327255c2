package utils

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	ErrInvalidUserID     = errors.New("invalid user id")
	ErrInvalidCurrency   = errors.New("invalid currency code")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrInvalidAPISecret  = errors.New("invalid API secret")
	ErrInvalidPassphrase = errors.New("invalid API passphrase")
)

var (
	currencyRegex = regexp.MustCompile(`^[A-Z0-9]{1,15}$`)
	symbolRegex   = regexp.MustCompile(`^[A-Z0-9]{1,15}/[A-Z0-9]{1,15}$`)
	// CDP ключи Coinbase имеют вид organizations/{org}/apiKeys/{id}
	apiKeyRegex = regexp.MustCompile(`^[A-Za-z0-9_\-/]{16,160}$`)
)

const (
	minSecretLength     = 16
	maxSecretLength     = 256
	maxPassphraseLength = 64
)

// ValidateUserID проверяет что идентификатор пользователя - UUID
// (так его выдаёт identity-провайдер)
func ValidateUserID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, id)
	}
	return nil
}

// NormalizeCurrency приводит код валюты к верхнему регистру
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func ValidateCurrency(code string) error {
	if !currencyRegex.MatchString(NormalizeCurrency(code)) {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return nil
}

// NormalizeSymbol приводит символ к унифицированному виду BASE/QUOTE.
// Принимает BTC-USDT, btc_usdt, BTC/USDT.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("-", "/", "_", "/").Replace(s)
	return s
}

func ValidateSymbol(symbol string) error {
	if !symbolRegex.MatchString(NormalizeSymbol(symbol)) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// SplitSymbol разбивает BASE/QUOTE на части
func SplitSymbol(symbol string) (base, quote string, err error) {
	s := NormalizeSymbol(symbol)
	if err := ValidateSymbol(s); err != nil {
		return "", "", err
	}
	parts := strings.SplitN(s, "/", 2)
	return parts[0], parts[1], nil
}

func ValidateAPIKey(key string) error {
	if !apiKeyRegex.MatchString(key) {
		return ErrInvalidAPIKey
	}
	return nil
}

func ValidateAPISecret(secret string) error {
	if len(secret) < minSecretLength || len(secret) > maxSecretLength {
		return ErrInvalidAPISecret
	}
	return nil
}

// ValidateAPIPassphrase - passphrase опционален, проверяется только длина
func ValidateAPIPassphrase(passphrase string) error {
	if len(passphrase) > maxPassphraseLength {
		return ErrInvalidPassphrase
	}
	return nil
}

// ============================================================
// ValidationErrors
// ============================================================

// FieldError - ошибка валидации конкретного поля
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors - накопитель ошибок валидации запроса
type ValidationErrors []FieldError

func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, FieldError{Field: field, Message: message})
}

func (v *ValidationErrors) AddError(field string, err error) {
	if err == nil {
		return
	}
	v.Add(field, err.Error())
}

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}

// ============================================================
// Валидация структур (go-playground/validator)
// ============================================================

var (
	structValidator *validator.Validate
	validatorOnce   sync.Once
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("apikey", func(fl validator.FieldLevel) bool {
			return ValidateAPIKey(fl.Field().String()) == nil
		})
		_ = v.RegisterValidation("apisecret", func(fl validator.FieldLevel) bool {
			return ValidateAPISecret(fl.Field().String()) == nil
		})
		_ = v.RegisterValidation("passphrase", func(fl validator.FieldLevel) bool {
			return ValidateAPIPassphrase(fl.Field().String()) == nil
		})
		_ = v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
			return ValidateCurrency(fl.Field().String()) == nil
		})
		structValidator = v
	})
	return structValidator
}

// ValidateStruct проверяет struct-теги `validate` и возвращает ValidationErrors
func ValidateStruct(s interface{}) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	var out ValidationErrors
	for _, fe := range verrs {
		out.Add(fe.Field(), describeTag(fe))
	}
	return out
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "apikey":
		return ErrInvalidAPIKey.Error()
	case "apisecret":
		return ErrInvalidAPISecret.Error()
	case "passphrase":
		return ErrInvalidPassphrase.Error()
	case "currency":
		return ErrInvalidCurrency.Error()
	default:
		return "failed on " + fe.Tag()
	}
}
