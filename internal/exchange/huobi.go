package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// huobiTransport - REST API Huobi (HTX). Подпись передаётся параметрами запроса.
type huobiTransport struct {
	*restClient

	accountMu sync.Mutex
	accountID string
}

func newHuobiTransport(c Capability, cfg Config) (Transport, error) {
	return &huobiTransport{restClient: newRESTClient(c, cfg)}, nil
}

// sign: параметры подписи добавляются в query, строка подписи -
// "METHOD\nhost\npath\nотсортированный query"
func (h *huobiTransport) sign(req *http.Request, _ []byte) error {
	q := req.URL.Query()
	q.Set("AccessKeyId", h.creds.APIKey)
	q.Set("SignatureMethod", "HmacSHA256")
	q.Set("SignatureVersion", "2")
	q.Set("Timestamp", h.now().UTC().Format("2006-01-02T15:04:05"))

	// Encode сортирует ключи
	query := q.Encode()
	payload := strings.Join([]string{req.Method, strings.ToLower(req.URL.Host), req.URL.Path, query}, "\n")

	mac := hmac.New(sha256.New, []byte(h.creds.Secret))
	mac.Write([]byte(payload))

	req.URL.RawQuery = query + "&Signature=" + url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return nil
}

func (h *huobiTransport) get(ctx context.Context, path string, query url.Values, signed bool, result any) error {
	body, err := h.do(ctx, restRequest{method: http.MethodGet, path: path, query: query, signed: signed}, h.sign)
	if err != nil {
		return err
	}

	var resp struct {
		Status  string `json:"status"`
		ErrCode string `json:"err-code"`
		ErrMsg  string `json:"err-msg"`
	}
	if err := h.decode(body, &resp); err != nil {
		return err
	}
	if resp.Status == "error" {
		return h.apiError(resp.ErrCode, resp.ErrMsg)
	}
	return h.decode(body, result)
}

func (h *huobiTransport) FetchServerTime(ctx context.Context) (time.Time, error) {
	var resp struct {
		Data int64 `json:"data"`
	}
	if err := h.get(ctx, "/v1/common/timestamp", nil, false, &resp); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.Data), nil
}

// spotAccount находит id spot аккаунта; результат кешируется на время жизни клиента
func (h *huobiTransport) spotAccount(ctx context.Context) (string, error) {
	h.accountMu.Lock()
	defer h.accountMu.Unlock()

	if h.accountID != "" {
		return h.accountID, nil
	}

	var resp struct {
		Data []struct {
			ID    int64  `json:"id"`
			Type  string `json:"type"`
			State string `json:"state"`
		} `json:"data"`
	}
	if err := h.get(ctx, "/v1/account/accounts", nil, true, &resp); err != nil {
		return "", err
	}

	for _, a := range resp.Data {
		if a.Type == "spot" {
			h.accountID = strconv.FormatInt(a.ID, 10)
			return h.accountID, nil
		}
	}
	return "", h.apiError("", "spot account not found")
}

func (h *huobiTransport) FetchBalance(ctx context.Context, _ BalanceParams) (*RawBalance, error) {
	if err := h.requireCredentials(); err != nil {
		return nil, err
	}

	accountID, err := h.spotAccount(ctx)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			List []struct {
				Currency string `json:"currency"`
				Type     string `json:"type"`
				Balance  string `json:"balance"`
			} `json:"list"`
		} `json:"data"`
	}
	if err := h.get(ctx, "/v1/account/accounts/"+accountID+"/balance", nil, true, &resp); err != nil {
		return nil, err
	}

	// Huobi отдаёт по строке на тип: trade (свободно) и frozen (в ордерах)
	balance := newRawBalance()
	for _, item := range resp.Data.List {
		currency := h.cap.Asset(item.Currency)
		switch item.Type {
		case "trade":
			balance.add(currency, item.Balance, item.Balance, nil)
		case "frozen":
			balance.add(currency, item.Balance, nil, item.Balance)
		}
	}
	return balance, nil
}

func (h *huobiTransport) FetchTicker(ctx context.Context, symbol string) (RawRecord, error) {
	q := url.Values{}
	q.Set("symbol", h.cap.Symbol(symbol))

	var resp struct {
		TS   int64 `json:"ts"`
		Tick *struct {
			Close  float64   `json:"close"`
			High   float64   `json:"high"`
			Low    float64   `json:"low"`
			Amount float64   `json:"amount"`
			Bid    []float64 `json:"bid"`
			Ask    []float64 `json:"ask"`
		} `json:"tick"`
	}
	if err := h.get(ctx, "/market/detail/merged", q, false, &resp); err != nil {
		return nil, err
	}
	if resp.Tick == nil {
		return nil, h.apiError("", "no ticker for "+symbol)
	}

	rec := RawRecord{
		"symbol":    symbol,
		"timestamp": resp.TS,
		"last":      resp.Tick.Close,
		"high":      resp.Tick.High,
		"low":       resp.Tick.Low,
		"volume":    resp.Tick.Amount,
	}
	if len(resp.Tick.Bid) > 0 {
		rec["bid"] = resp.Tick.Bid[0]
	}
	if len(resp.Tick.Ask) > 0 {
		rec["ask"] = resp.Tick.Ask[0]
	}
	return rec, nil
}

func (h *huobiTransport) FetchOpenOrders(ctx context.Context, symbol string) ([]RawRecord, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", h.cap.Symbol(symbol))
	}

	var resp struct {
		Data []struct {
			ID               int64  `json:"id"`
			Symbol           string `json:"symbol"`
			Type             string `json:"type"`
			Amount           string `json:"amount"`
			Price            string `json:"price"`
			FilledAmount     string `json:"filled-amount"`
			FilledCashAmount string `json:"filled-cash-amount"`
			FilledFees       string `json:"filled-fees"`
			State            string `json:"state"`
			CreatedAt        int64  `json:"created-at"`
		} `json:"data"`
	}
	if err := h.get(ctx, "/v1/order/openOrders", q, true, &resp); err != nil {
		return nil, err
	}

	out := make([]RawRecord, 0, len(resp.Data))
	for _, o := range resp.Data {
		// type вида "buy-limit"
		side, orderType, _ := strings.Cut(o.Type, "-")
		rec := RawRecord{
			"id":        strconv.FormatInt(o.ID, 10),
			"symbol":    o.Symbol,
			"type":      orderType,
			"side":      side,
			"amount":    o.Amount,
			"price":     o.Price,
			"filled":    o.FilledAmount,
			"cost":      o.FilledCashAmount,
			"status":    o.State,
			"timestamp": o.CreatedAt,
			"fee":       RawRecord{"cost": o.FilledFees},
		}
		if amount, ok := toDecimal(o.Amount); ok {
			if filled, ok := toDecimal(o.FilledAmount); ok {
				rec["remaining"] = amount.Sub(filled).String()
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
