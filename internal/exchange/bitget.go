package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"time"
)

const bitgetSuccess = "00000"

// bitgetTransport - REST API v2 Bitget
type bitgetTransport struct {
	*restClient
}

func newBitgetTransport(c Capability, cfg Config) (Transport, error) {
	return &bitgetTransport{restClient: newRESTClient(c, cfg)}, nil
}

// sign: base64(HMAC-SHA256(timestamp + method + path[?query] + body))
func (b *bitgetTransport) sign(req *http.Request, payload []byte) error {
	timestamp := b.millis()

	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	h := hmac.New(sha256.New, []byte(b.creds.Secret))
	h.Write([]byte(timestamp + req.Method + path + string(payload)))

	req.Header.Set("ACCESS-KEY", b.creds.APIKey)
	req.Header.Set("ACCESS-SIGN", base64.StdEncoding.EncodeToString(h.Sum(nil)))
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-PASSPHRASE", b.creds.Passphrase)
	req.Header.Set("locale", "en-US")
	return nil
}

func (b *bitgetTransport) get(ctx context.Context, path string, query url.Values, signed bool, data any) error {
	body, err := b.do(ctx, restRequest{method: http.MethodGet, path: path, query: query, signed: signed}, b.sign)
	if err != nil {
		return err
	}

	var resp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := b.decode(body, &resp); err != nil {
		return err
	}
	if resp.Code != bitgetSuccess {
		return b.apiError(resp.Code, resp.Msg)
	}

	wrapper := struct {
		Data any `json:"data"`
	}{Data: data}
	return b.decode(body, &wrapper)
}

func (b *bitgetTransport) FetchServerTime(ctx context.Context) (time.Time, error) {
	var data struct {
		ServerTime string `json:"serverTime"`
	}
	if err := b.get(ctx, "/api/v2/public/time", nil, false, &data); err != nil {
		return time.Time{}, err
	}
	t, _ := toTime(data.ServerTime)
	return t, nil
}

func (b *bitgetTransport) FetchBalance(ctx context.Context, _ BalanceParams) (*RawBalance, error) {
	var data []struct {
		Coin      string `json:"coin"`
		Available string `json:"available"`
		Frozen    string `json:"frozen"`
		Locked    string `json:"locked"`
	}
	if err := b.get(ctx, "/api/v2/spot/account/assets", nil, true, &data); err != nil {
		return nil, err
	}

	balance := newRawBalance()
	for _, a := range data {
		avail, _ := toDecimal(a.Available)
		frozen, _ := toDecimal(a.Frozen)
		locked, _ := toDecimal(a.Locked)
		used := frozen.Add(locked)

		balance.add(b.cap.Asset(a.Coin), avail.Add(used).String(), a.Available, used.String())
	}
	return balance, nil
}

func (b *bitgetTransport) FetchTicker(ctx context.Context, symbol string) (RawRecord, error) {
	q := url.Values{}
	q.Set("symbol", b.cap.Symbol(symbol))

	var data []struct {
		Symbol     string `json:"symbol"`
		LastPr     string `json:"lastPr"`
		BidPr      string `json:"bidPr"`
		AskPr      string `json:"askPr"`
		High24h    string `json:"high24h"`
		Low24h     string `json:"low24h"`
		BaseVolume string `json:"baseVolume"`
		TS         string `json:"ts"`
	}
	if err := b.get(ctx, "/api/v2/spot/market/tickers", q, false, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, b.apiError("", "no ticker for "+symbol)
	}

	t := data[0]
	return RawRecord{
		"symbol":    symbol,
		"timestamp": t.TS,
		"last":      t.LastPr,
		"bid":       t.BidPr,
		"ask":       t.AskPr,
		"high":      t.High24h,
		"low":       t.Low24h,
		"volume":    t.BaseVolume,
	}, nil
}

func (b *bitgetTransport) FetchOpenOrders(ctx context.Context, symbol string) ([]RawRecord, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", b.cap.Symbol(symbol))
	}

	var data []struct {
		OrderID     string `json:"orderId"`
		Symbol      string `json:"symbol"`
		OrderType   string `json:"orderType"`
		Side        string `json:"side"`
		Size        string `json:"size"`
		PriceAvg    string `json:"priceAvg"`
		BaseVolume  string `json:"baseVolume"`
		QuoteVolume string `json:"quoteVolume"`
		Status      string `json:"status"`
		CTime       string `json:"cTime"`
	}
	if err := b.get(ctx, "/api/v2/spot/trade/unfilled-orders", q, true, &data); err != nil {
		return nil, err
	}

	out := make([]RawRecord, 0, len(data))
	for _, o := range data {
		rec := RawRecord{
			"id":        o.OrderID,
			"symbol":    o.Symbol,
			"type":      o.OrderType,
			"side":      o.Side,
			"amount":    o.Size,
			"price":     o.PriceAvg,
			"filled":    o.BaseVolume,
			"cost":      o.QuoteVolume,
			"status":    o.Status,
			"timestamp": o.CTime,
		}
		if size, ok := toDecimal(o.Size); ok {
			if filled, ok := toDecimal(o.BaseVolume); ok {
				rec["remaining"] = size.Sub(filled).String()
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *bitgetTransport) FetchPositions(ctx context.Context) ([]RawRecord, error) {
	q := url.Values{}
	q.Set("productType", "USDT-FUTURES")
	q.Set("marginCoin", "USDT")

	var data []struct {
		Symbol           string `json:"symbol"`
		HoldSide         string `json:"holdSide"`
		Total            string `json:"total"`
		OpenPriceAvg     string `json:"openPriceAvg"`
		Leverage         string `json:"leverage"`
		LiquidationPrice string `json:"liquidationPrice"`
		MarginSize       string `json:"marginSize"`
		MarkPrice        string `json:"markPrice"`
		UTime            string `json:"uTime"`
	}
	if err := b.get(ctx, "/api/v2/mix/position/all-position", q, true, &data); err != nil {
		return nil, err
	}

	out := make([]RawRecord, 0, len(data))
	for _, p := range data {
		rec := RawRecord{
			"symbol":           p.Symbol,
			"side":             p.HoldSide,
			"contracts":        p.Total,
			"entryPrice":       p.OpenPriceAvg,
			"leverage":         p.Leverage,
			"liquidationPrice": p.LiquidationPrice,
			"initialMargin":    p.MarginSize,
			"timestamp":        p.UTime,
		}
		if total, ok := toDecimal(p.Total); ok {
			if mark, ok := toDecimal(p.MarkPrice); ok {
				rec["notional"] = total.Mul(mark).String()
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
