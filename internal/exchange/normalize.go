package exchange

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// now подменяется в тестах
var now = time.Now

func missingData(record string) *Error {
	return &Error{Kind: KindMissingData, Message: record + " data is undefined"}
}

// NormalizeBalance оставляет только валюты с положительным total.
// Нулевые, отрицательные и нечисловые значения отбрасываются до приведения.
// Результат отсортирован по коду валюты.
func NormalizeBalance(raw *RawBalance) ([]AssetAmount, error) {
	if raw == nil {
		return nil, missingData("balance")
	}

	out := make([]AssetAmount, 0, len(raw.Total))
	for currency, v := range raw.Total {
		amount, ok := toDecimal(v)
		if !ok || !amount.IsPositive() {
			continue
		}
		out = append(out, AssetAmount{
			Currency: strings.ToUpper(currency),
			Amount:   amount,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

// NormalizeTicker приводит тикер; отсутствующие числа становятся 0
func NormalizeTicker(rec RawRecord) (*Ticker, error) {
	if rec == nil {
		return nil, missingData("ticker")
	}

	ts, _ := toTime(rec["timestamp"])
	return &Ticker{
		Symbol:    toString(rec["symbol"]),
		Timestamp: ts,
		Last:      toFloat(rec["last"], 0),
		Bid:       toFloat(rec["bid"], 0),
		Ask:       toFloat(rec["ask"], 0),
		High:      toFloat(rec["high"], 0),
		Low:       toFloat(rec["low"], 0),
		Volume:    toFloat(rec["volume"], 0),
	}, nil
}

// NormalizeOrder приводит ордер.
// Нераспознанная сторона становится buy с SideInferred, статус по умолчанию
// unknown, время - текущее, комиссия - 0 USD.
func NormalizeOrder(rec RawRecord) (*Order, error) {
	if rec == nil {
		return nil, missingData("order")
	}

	side, inferred := orderSide(rec["side"])

	status := strings.ToLower(toString(rec["status"]))
	if status == "" {
		status = OrderStatusUnknown
	}

	ts, ok := toTime(rec["timestamp"])
	if !ok {
		ts = now()
	}

	return &Order{
		ID:           toString(rec["id"]),
		Symbol:       toString(rec["symbol"]),
		Type:         toString(rec["type"]),
		Side:         side,
		Amount:       toFloat(rec["amount"], 0),
		Price:        toFloat(rec["price"], 0),
		Filled:       toFloat(rec["filled"], 0),
		Remaining:    toFloat(rec["remaining"], 0),
		Cost:         toFloat(rec["cost"], 0),
		Status:       status,
		Timestamp:    ts,
		Fee:          orderFee(rec["fee"]),
		SideInferred: inferred,
	}, nil
}

// NormalizePosition приводит позицию.
// short/sell - short, всё остальное long (нераспознанное - с SideInferred).
// Размер берётся из amount, затем из contracts.
func NormalizePosition(rec RawRecord) (*Position, error) {
	if rec == nil {
		return nil, missingData("position")
	}

	side, inferred := positionSide(rec["side"])

	amount := toFloat(rec["amount"], math.NaN())
	if math.IsNaN(amount) {
		amount = toFloat(rec["contracts"], 0)
	}

	p := &Position{
		Symbol:            toString(rec["symbol"]),
		Side:              side,
		Amount:            amount,
		EntryPrice:        toFloat(rec["entryPrice"], 0),
		Leverage:          toOptionalFloat(rec["leverage"]),
		LiquidationPrice:  toOptionalFloat(rec["liquidationPrice"]),
		Notional:          toOptionalFloat(rec["notional"]),
		InitialMargin:     toOptionalFloat(rec["initialMargin"]),
		MaintenanceMargin: toOptionalFloat(rec["maintenanceMargin"]),
		SideInferred:      inferred,
	}

	if ts, ok := toTime(rec["timestamp"]); ok {
		p.Timestamp = &ts
	} else if ts, ok := toTime(rec["datetime"]); ok {
		p.Timestamp = &ts
	}

	return p, nil
}

func orderSide(v any) (string, bool) {
	switch strings.ToLower(toString(v)) {
	case SideBuy:
		return SideBuy, false
	case SideSell:
		return SideSell, false
	}
	return SideBuy, true
}

func positionSide(v any) (string, bool) {
	switch strings.ToLower(toString(v)) {
	case SideShort, SideSell:
		return SideShort, false
	case SideLong, SideBuy:
		return SideLong, false
	}
	return SideLong, true
}

func orderFee(v any) Fee {
	fee := Fee{Currency: "USD"}

	var m map[string]any
	switch f := v.(type) {
	case map[string]any:
		m = f
	case RawRecord:
		m = f
	default:
		return fee
	}

	if c := toString(m["currency"]); c != "" {
		fee.Currency = c
	}
	fee.Cost = toFloat(m["cost"], 0)
	fee.Rate = toOptionalFloat(m["rate"])
	return fee
}

// ============================================================
// Безопасное приведение значений
// ============================================================

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return x, true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		return d, err == nil
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(x), true
	case float32:
		return toDecimal(float64(x))
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case int32:
		return decimal.NewFromInt(int64(x)), true
	}
	return decimal.Zero, false
}

func toFloat(v any, fallback float64) float64 {
	d, ok := toDecimal(v)
	if !ok {
		return fallback
	}
	f, _ := d.Float64()
	return f
}

func toOptionalFloat(v any) *float64 {
	d, ok := toDecimal(v)
	if !ok {
		return nil
	}
	f, _ := d.Float64()
	return &f
}

// toString - строковое приведение идентификаторов: числа без экспоненты
func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

// toTime понимает миллисекунды (числом или строкой) и RFC3339
func toTime(v any) (time.Time, bool) {
	if v == nil {
		return time.Time{}, false
	}
	if t, ok := v.(time.Time); ok {
		return t, !t.IsZero()
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true
		}
	}
	d, ok := toDecimal(v)
	if !ok || !d.IsPositive() {
		return time.Time{}, false
	}
	return time.UnixMilli(d.IntPart()), true
}
