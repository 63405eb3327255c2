package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type krakenTransport struct {
	*restClient

	// приватные запросы идут по одному: Kraken отклоняет nonce меньше
	// уже принятого, поэтому порядок отправки должен совпадать с порядком nonce
	privateMu sync.Mutex
	lastNonce int64
}

func newKrakenTransport(c Capability, cfg Config) (Transport, error) {
	return &krakenTransport{restClient: newRESTClient(c, cfg)}, nil
}

// sign: API-Sign = base64(HMAC-SHA512(base64decode(secret), path + SHA256(nonce + postdata)))
func (k *krakenTransport) sign(req *http.Request, payload []byte) error {
	secret, err := base64.StdEncoding.DecodeString(k.creds.Secret)
	if err != nil {
		return &APIError{Exchange: k.name, HTTPStatus: http.StatusUnauthorized, Message: "invalid api secret encoding"}
	}

	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return fmt.Errorf("kraken: parse form: %w", err)
	}

	sum := sha256.Sum256([]byte(form.Get("nonce") + string(payload)))

	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(req.URL.Path))
	mac.Write(sum[:])

	req.Header.Set("API-Key", k.creds.APIKey)
	req.Header.Set("API-Sign", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return nil
}

// call выполняет запрос и распаковывает result; непустой error - ошибка
func (k *krakenTransport) call(ctx context.Context, req restRequest, result any) error {
	body, err := k.do(ctx, req, k.sign)
	if err != nil {
		return err
	}

	var resp struct {
		Error []string `json:"error"`
	}
	if err := k.decode(body, &resp); err != nil {
		return err
	}
	if len(resp.Error) > 0 {
		// ошибка вида "EAPI:Invalid key"; она же служит кодом
		return k.apiError(resp.Error[0], strings.Join(resp.Error, "; "))
	}

	wrapper := struct {
		Result any `json:"result"`
	}{Result: result}
	return k.decode(body, &wrapper)
}

func (k *krakenTransport) public(ctx context.Context, path string, query url.Values, result any) error {
	return k.call(ctx, restRequest{method: http.MethodGet, path: path, query: query}, result)
}

func (k *krakenTransport) private(ctx context.Context, path string, params url.Values, result any) error {
	if params == nil {
		params = url.Values{}
	}
	k.privateMu.Lock()
	defer k.privateMu.Unlock()

	params.Set("nonce", k.nextNonce())

	return k.call(ctx, restRequest{
		method: http.MethodPost,
		path:   path,
		body:   params.Encode(),
		form:   true,
		signed: true,
	}, result)
}

// nextNonce - строго возрастающий nonce в наносекундах; вызывается под privateMu
func (k *krakenTransport) nextNonce() string {
	n := k.now().UnixNano()
	if n <= k.lastNonce {
		n = k.lastNonce + 1
	}
	k.lastNonce = n
	return strconv.FormatInt(n, 10)
}

func (k *krakenTransport) FetchServerTime(ctx context.Context) (time.Time, error) {
	var result struct {
		UnixTime int64 `json:"unixtime"`
	}
	if err := k.public(ctx, "/0/public/Time", nil, &result); err != nil {
		return time.Time{}, err
	}
	return time.Unix(result.UnixTime, 0), nil
}

func (k *krakenTransport) FetchBalance(ctx context.Context, _ BalanceParams) (*RawBalance, error) {
	var result map[string]string
	if err := k.private(ctx, "/0/private/Balance", nil, &result); err != nil {
		return nil, err
	}

	// XXBT и XBT.F сводятся к одному BTC и суммируются
	balance := newRawBalance()
	for code, amount := range result {
		balance.add(k.cap.Asset(code), amount, nil, nil)
	}
	return balance, nil
}

type krakenTicker struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Close  []string `json:"c"`
	Volume []string `json:"v"`
	High   []string `json:"h"`
	Low    []string `json:"l"`
}

// rolling24h - второй элемент массива Kraken: значение за последние 24 часа
func rolling24h(v []string) any {
	if len(v) > 1 {
		return v[1]
	}
	return nil
}

func latest(v []string) any {
	if len(v) > 0 {
		return v[0]
	}
	return nil
}

func (k *krakenTransport) FetchTicker(ctx context.Context, symbol string) (RawRecord, error) {
	q := url.Values{}
	q.Set("pair", k.cap.Symbol(symbol))

	var result map[string]krakenTicker
	if err := k.public(ctx, "/0/public/Ticker", q, &result); err != nil {
		return nil, err
	}

	// ключ ответа может отличаться от запрошенной пары (XBTUSD -> XXBTZUSD)
	for _, t := range result {
		return RawRecord{
			"symbol": symbol,
			"last":   latest(t.Close),
			"bid":    latest(t.Bid),
			"ask":    latest(t.Ask),
			"high":   rolling24h(t.High),
			"low":    rolling24h(t.Low),
			"volume": rolling24h(t.Volume),
		}, nil
	}
	return nil, k.apiError("", "no ticker for "+symbol)
}

func (k *krakenTransport) FetchOpenOrders(ctx context.Context, symbol string) ([]RawRecord, error) {
	var result struct {
		Open map[string]struct {
			Status  string  `json:"status"`
			OpenTm  float64 `json:"opentm"`
			Vol     string  `json:"vol"`
			VolExec string  `json:"vol_exec"`
			Cost    string  `json:"cost"`
			Fee     string  `json:"fee"`
			Descr   struct {
				Pair      string `json:"pair"`
				Type      string `json:"type"`
				OrderType string `json:"ordertype"`
				Price     string `json:"price"`
			} `json:"descr"`
		} `json:"open"`
	}
	if err := k.private(ctx, "/0/private/OpenOrders", nil, &result); err != nil {
		return nil, err
	}

	pair := ""
	if symbol != "" {
		pair = k.cap.Symbol(symbol)
	}

	ids := make([]string, 0, len(result.Open))
	for id := range result.Open {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]RawRecord, 0, len(ids))
	for _, id := range ids {
		o := result.Open[id]
		if pair != "" && o.Descr.Pair != pair {
			continue
		}
		rec := RawRecord{
			"id":        id,
			"symbol":    o.Descr.Pair,
			"type":      o.Descr.OrderType,
			"side":      o.Descr.Type,
			"amount":    o.Vol,
			"price":     o.Descr.Price,
			"filled":    o.VolExec,
			"cost":      o.Cost,
			"status":    o.Status,
			"timestamp": int64(o.OpenTm * 1000),
			"fee":       RawRecord{"cost": o.Fee},
		}
		if vol, ok := toDecimal(o.Vol); ok {
			if exec, ok := toDecimal(o.VolExec); ok {
				rec["remaining"] = vol.Sub(exec).String()
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
