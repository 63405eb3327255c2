package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// Name - идентификатор биржи из закрытого списка поддерживаемых
type Name string

const (
	Binance  Name = "binance"
	Coinbase Name = "coinbase"
	Kraken   Name = "kraken"
	KuCoin   Name = "kucoin"
	OKX      Name = "okx"
	Bybit    Name = "bybit"
	Bitget   Name = "bitget"
	Huobi    Name = "huobi"
)

// SupportedExchanges - поддерживаемые биржи в порядке отображения
var SupportedExchanges = []Name{Binance, Coinbase, Kraken, KuCoin, OKX, Bybit, Bitget, Huobi}

var ErrUnsupportedExchange = errors.New("unsupported exchange")

// ParseName нормализует и проверяет идентификатор биржи.
// Всё, чего нет в SupportedExchanges, отклоняется.
func ParseName(s string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := capabilities[n]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedExchange, s)
	}
	return n, nil
}

// IsSupported проверяет, поддерживается ли биржа
func IsSupported(s string) bool {
	_, err := ParseName(s)
	return err == nil
}

func (n Name) String() string {
	return string(n)
}

// DisplayName - название биржи для пользователя (Binance, KuCoin, OKX...)
func (n Name) DisplayName() string {
	if c, ok := capabilities[n]; ok {
		return c.DisplayName
	}
	return string(n)
}

// Mode - режим сети клиента
type Mode string

const (
	ModeLive Mode = "live"
	ModeTest Mode = "test"
)

// ModeFor переводит флаг testnet в Mode
func ModeFor(testnet bool) Mode {
	if testnet {
		return ModeTest
	}
	return ModeLive
}
