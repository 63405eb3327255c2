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

const kucoinSuccess = "200000"

type kucoinTransport struct {
	*restClient
}

func newKuCoinTransport(c Capability, cfg Config) (Transport, error) {
	return &kucoinTransport{restClient: newRESTClient(c, cfg)}, nil
}

// sign: ключ версии 2, passphrase тоже подписывается секретом
func (k *kucoinTransport) sign(req *http.Request, payload []byte) error {
	timestamp := k.millis()

	endpoint := req.URL.Path
	if req.URL.RawQuery != "" {
		endpoint += "?" + req.URL.RawQuery
	}

	req.Header.Set("KC-API-KEY", k.creds.APIKey)
	req.Header.Set("KC-API-SIGN", k.hmac(timestamp+req.Method+endpoint+string(payload)))
	req.Header.Set("KC-API-TIMESTAMP", timestamp)
	req.Header.Set("KC-API-PASSPHRASE", k.hmac(k.creds.Passphrase))
	req.Header.Set("KC-API-KEY-VERSION", "2")
	return nil
}

func (k *kucoinTransport) hmac(msg string) string {
	h := hmac.New(sha256.New, []byte(k.creds.Secret))
	h.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (k *kucoinTransport) get(ctx context.Context, path string, query url.Values, signed bool, data any) error {
	body, err := k.do(ctx, restRequest{method: http.MethodGet, path: path, query: query, signed: signed}, k.sign)
	if err != nil {
		return err
	}

	var resp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := k.decode(body, &resp); err != nil {
		return err
	}
	if resp.Code != kucoinSuccess {
		return k.apiError(resp.Code, resp.Msg)
	}

	wrapper := struct {
		Data any `json:"data"`
	}{Data: data}
	return k.decode(body, &wrapper)
}

func (k *kucoinTransport) FetchServerTime(ctx context.Context) (time.Time, error) {
	var ms int64
	if err := k.get(ctx, "/api/v1/timestamp", nil, false, &ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (k *kucoinTransport) FetchBalance(ctx context.Context, params BalanceParams) (*RawBalance, error) {
	accountType := "trade"
	if params.Type != "" && params.Type != "spot" {
		accountType = params.Type
	}

	q := url.Values{}
	q.Set("type", accountType)

	var data []struct {
		Currency  string `json:"currency"`
		Balance   string `json:"balance"`
		Available string `json:"available"`
		Holds     string `json:"holds"`
	}
	if err := k.get(ctx, "/api/v1/accounts", q, true, &data); err != nil {
		return nil, err
	}

	balance := newRawBalance()
	for _, a := range data {
		balance.add(k.cap.Asset(a.Currency), a.Balance, a.Available, a.Holds)
	}
	return balance, nil
}

func (k *kucoinTransport) FetchTicker(ctx context.Context, symbol string) (RawRecord, error) {
	q := url.Values{}
	q.Set("symbol", k.cap.Symbol(symbol))

	var data *struct {
		Time    int64  `json:"time"`
		Price   string `json:"price"`
		BestBid string `json:"bestBid"`
		BestAsk string `json:"bestAsk"`
	}
	if err := k.get(ctx, "/api/v1/market/orderbook/level1", q, false, &data); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, k.apiError("", "no ticker for "+symbol)
	}

	return RawRecord{
		"symbol":    symbol,
		"timestamp": data.Time,
		"last":      data.Price,
		"bid":       data.BestBid,
		"ask":       data.BestAsk,
	}, nil
}

func (k *kucoinTransport) FetchOpenOrders(ctx context.Context, symbol string) ([]RawRecord, error) {
	q := url.Values{}
	q.Set("status", "active")
	if symbol != "" {
		q.Set("symbol", k.cap.Symbol(symbol))
	}

	var data struct {
		Items []struct {
			ID          string `json:"id"`
			Symbol      string `json:"symbol"`
			Type        string `json:"type"`
			Side        string `json:"side"`
			Size        string `json:"size"`
			Price       string `json:"price"`
			DealSize    string `json:"dealSize"`
			DealFunds   string `json:"dealFunds"`
			Fee         string `json:"fee"`
			FeeCurrency string `json:"feeCurrency"`
			IsActive    bool   `json:"isActive"`
			CreatedAt   int64  `json:"createdAt"`
		} `json:"items"`
	}
	if err := k.get(ctx, "/api/v1/orders", q, true, &data); err != nil {
		return nil, err
	}

	out := make([]RawRecord, 0, len(data.Items))
	for _, o := range data.Items {
		rec := RawRecord{
			"id":        o.ID,
			"symbol":    o.Symbol,
			"type":      o.Type,
			"side":      o.Side,
			"amount":    o.Size,
			"price":     o.Price,
			"filled":    o.DealSize,
			"cost":      o.DealFunds,
			"timestamp": o.CreatedAt,
			"fee":       RawRecord{"currency": o.FeeCurrency, "cost": o.Fee},
		}
		if o.IsActive {
			rec["status"] = "open"
		}
		if size, ok := toDecimal(o.Size); ok {
			if deal, ok := toDecimal(o.DealSize); ok {
				rec["remaining"] = size.Sub(deal).String()
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
