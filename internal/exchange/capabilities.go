package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// Capability описывает отличия биржи декларативно:
// эндпоинты, поддержку testnet, лимиты, формат символов и коды ошибок.
type Capability struct {
	Name        Name
	DisplayName string

	BaseURL string
	// SandboxURL - эндпоинт testnet; пустой, если биржа его не поддерживает
	SandboxURL string
	// SandboxHeaders - заголовки demo-режима (OKX работает через заголовок)
	SandboxHeaders map[string]string

	RequiresPassphrase bool

	// Лимиты запросов на биржу (req/sec и burst)
	RateLimit float64
	Burst     float64

	// MarketSymbol переводит BASE/QUOTE в формат биржи
	MarketSymbol func(base, quote string) string
	// AssetAlias переводит код актива биржи в общепринятый (XXBT -> BTC)
	AssetAlias func(code string) string

	// Коды и фрагменты сообщений, по которым классифицируются ошибки
	AuthCodes         []string
	RateLimitCodes    []string
	AuthPatterns      []string
	RateLimitPatterns []string

	// TestnetHint добавляется к ошибке валидации ключей в testnet,
	// если текст ошибки биржи содержит один из TestnetHintPatterns
	TestnetHint         string
	TestnetHintPatterns []string

	newTransport func(Capability, Config) (Transport, error)
}

// SupportsTestnet - есть ли у биржи sandbox
func (c Capability) SupportsTestnet() bool {
	return c.SandboxURL != ""
}

// HintFor возвращает подсказку testnet для ошибки или пустую строку
func (c Capability) HintFor(err error) string {
	if c.TestnetHint == "" || err == nil {
		return ""
	}
	// текст биржи лежит глубже сообщения для пользователя
	for e := err; e != nil; e = errors.Unwrap(e) {
		if matchAny(strings.ToLower(e.Error()), c.TestnetHintPatterns) {
			return c.TestnetHint
		}
	}
	return ""
}

// Endpoint возвращает базовый URL для режима
func (c Capability) Endpoint(mode Mode) string {
	if mode == ModeTest {
		return c.SandboxURL
	}
	return c.BaseURL
}

// Symbol переводит унифицированный символ BASE/QUOTE в формат биржи
func (c Capability) Symbol(unified string) string {
	base, quote, ok := strings.Cut(strings.ToUpper(unified), "/")
	if !ok {
		return unified
	}
	return c.MarketSymbol(base, quote)
}

// Asset приводит код актива биржи к общему виду
func (c Capability) Asset(code string) string {
	code = strings.ToUpper(code)
	if c.AssetAlias != nil {
		return c.AssetAlias(code)
	}
	return code
}

// Lookup возвращает описание биржи
func Lookup(name Name) (Capability, error) {
	c, ok := capabilities[name]
	if !ok {
		return Capability{}, fmt.Errorf("%w: %q", ErrUnsupportedExchange, name)
	}
	return c, nil
}

func concatSymbol(base, quote string) string { return base + quote }
func dashSymbol(base, quote string) string   { return base + "-" + quote }
func lowerSymbol(base, quote string) string  { return strings.ToLower(base + quote) }

// krakenSymbol: Kraken исторически называет BTC как XBT
func krakenSymbol(base, quote string) string {
	if base == "BTC" {
		base = "XBT"
	}
	return base + quote
}

// krakenAsset: XXBT -> BTC, ZUSD -> USD, XETH -> ETH, XDG -> DOGE
func krakenAsset(code string) string {
	if len(code) == 4 && (code[0] == 'X' || code[0] == 'Z') {
		switch code[1:] {
		case "XBT", "ETH", "LTC", "XRP", "XLM", "ETC", "MLN", "REP", "ZEC", "XMR", "XDG",
			"USD", "EUR", "GBP", "CAD", "JPY":
			code = code[1:]
		}
	}
	// балансы в стейкинге и earn: DOT.S, ETH2.S, USDT.F
	if i := strings.IndexByte(code, '.'); i > 0 {
		code = code[:i]
	}
	switch code {
	case "XBT":
		return "BTC"
	case "XDG":
		return "DOGE"
	}
	return code
}

var capabilities = map[Name]Capability{
	Binance: {
		Name:         Binance,
		DisplayName:  "Binance",
		BaseURL:      "https://api.binance.com",
		SandboxURL:   "https://testnet.binance.vision",
		RateLimit:    20,
		Burst:        40,
		MarketSymbol: concatSymbol,
		// -2014/-2015: неверный ключ или права, -1022: подпись
		AuthCodes:         []string{"-2014", "-2015", "-1022", "-2008"},
		RateLimitCodes:    []string{"-1003", "-1015"},
		AuthPatterns:      []string{"invalid api-key", "signature for this request is not valid"},
		RateLimitPatterns: []string{"too many requests", "too much request weight"},
		TestnetHint:       "Binance testnet only supports spot trading. Please generate new testnet keys with only spot trading permissions.",
		// sandbox без sapi эндпоинтов и ключи с правами не только на спот
		TestnetHintPatterns: []string{"testnet/sandbox url", "permissions for action"},
		newTransport:        newBinanceTransport,
	},
	Coinbase: {
		Name:              Coinbase,
		DisplayName:       "Coinbase",
		BaseURL:           "https://api.coinbase.com",
		RateLimit:         10,
		Burst:             15,
		MarketSymbol:      dashSymbol,
		AuthPatterns:      []string{"unauthorized", "invalid api key", "invalid signature"},
		RateLimitPatterns: []string{"rate limit", "too many requests"},
		newTransport:      newCoinbaseTransport,
	},
	Kraken: {
		Name:              Kraken,
		DisplayName:       "Kraken",
		BaseURL:           "https://api.kraken.com",
		RateLimit:         1,
		Burst:             15,
		MarketSymbol:      krakenSymbol,
		AssetAlias:        krakenAsset,
		AuthCodes:         []string{"EAPI:Invalid key", "EAPI:Invalid signature", "EGeneral:Permission denied"},
		RateLimitCodes:    []string{"EAPI:Rate limit exceeded", "EGeneral:Too many requests", "EOrder:Rate limit exceeded"},
		RateLimitPatterns: []string{"rate limit"},
		newTransport:      newKrakenTransport,
	},
	KuCoin: {
		Name:               KuCoin,
		DisplayName:        "KuCoin",
		BaseURL:            "https://api.kucoin.com",
		SandboxURL:         "https://openapi-sandbox.kucoin.com",
		RequiresPassphrase: true,
		RateLimit:          10,
		Burst:              20,
		MarketSymbol:       dashSymbol,
		// 400003 ключ не найден, 400004 passphrase, 400005 подпись
		AuthCodes:         []string{"400001", "400002", "400003", "400004", "400005", "400006", "411100"},
		RateLimitCodes:    []string{"429000", "1015"},
		RateLimitPatterns: []string{"too many requests"},
		newTransport:      newKuCoinTransport,
	},
	OKX: {
		Name:               OKX,
		DisplayName:        "OKX",
		BaseURL:            "https://www.okx.com",
		SandboxURL:         "https://www.okx.com",
		SandboxHeaders:     map[string]string{"x-simulated-trading": "1"},
		RequiresPassphrase: true,
		RateLimit:          10,
		Burst:              20,
		MarketSymbol:       dashSymbol,
		// 50111 неверный OK-ACCESS-KEY, 50113 подпись, 50105 passphrase
		AuthCodes:         []string{"50100", "50101", "50103", "50104", "50105", "50111", "50112", "50113", "50114"},
		RateLimitCodes:    []string{"50011", "50061"},
		RateLimitPatterns: []string{"too many requests"},
		newTransport:      newOKXTransport,
	},
	Bybit: {
		Name:         Bybit,
		DisplayName:  "Bybit",
		BaseURL:      "https://api.bybit.com",
		SandboxURL:   "https://api-testnet.bybit.com",
		RateLimit:    10,
		Burst:        20,
		MarketSymbol: concatSymbol,
		// 10003 неверный ключ, 10004 подпись, 10005 права, 33004 ключ истёк
		AuthCodes:         []string{"10003", "10004", "10005", "10007", "33004"},
		RateLimitCodes:    []string{"10006", "10018"},
		AuthPatterns:      []string{"api key is invalid", "error sign", "retcode=10003", "retcode=10004"},
		RateLimitPatterns: []string{"too many visits", "retcode=10006"},
		newTransport:      newBybitTransport,
	},
	Bitget: {
		Name:               Bitget,
		DisplayName:        "Bitget",
		BaseURL:            "https://api.bitget.com",
		SandboxURL:         "https://api.demo.bitget.com",
		RequiresPassphrase: true,
		RateLimit:          10,
		Burst:              20,
		MarketSymbol:       concatSymbol,
		AuthCodes:          []string{"40006", "40009", "40012", "40037", "40014"},
		RateLimitCodes:     []string{"429", "40010"},
		RateLimitPatterns:  []string{"too many requests"},
		newTransport:       newBitgetTransport,
	},
	Huobi: {
		Name:              Huobi,
		DisplayName:       "Huobi",
		BaseURL:           "https://api.huobi.pro",
		RateLimit:         10,
		Burst:             20,
		MarketSymbol:      lowerSymbol,
		AuthCodes:         []string{"api-signature-not-valid", "invalid-access-key", "api-key-invalid", "login-required"},
		RateLimitCodes:    []string{"too-many-request", "api-limit-exceeded"},
		RateLimitPatterns: []string{"too many request"},
		newTransport:      newHuobiTransport,
	},
}
