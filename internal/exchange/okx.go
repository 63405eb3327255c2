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

// okxTransport - REST API v5 OKX. Demo-режим включается заголовком
// x-simulated-trading на том же эндпоинте.
type okxTransport struct {
	*restClient
}

func newOKXTransport(c Capability, cfg Config) (Transport, error) {
	return &okxTransport{restClient: newRESTClient(c, cfg)}, nil
}

// sign: base64(HMAC-SHA256(timestamp + method + requestPath + body))
func (o *okxTransport) sign(req *http.Request, payload []byte) error {
	timestamp := o.now().UTC().Format("2006-01-02T15:04:05.000Z")

	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	h := hmac.New(sha256.New, []byte(o.creds.Secret))
	h.Write([]byte(timestamp + req.Method + path + string(payload)))

	req.Header.Set("OK-ACCESS-KEY", o.creds.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(h.Sum(nil)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", o.creds.Passphrase)
	return nil
}

// get выполняет GET и распаковывает data; code != "0" - ошибка
func (o *okxTransport) get(ctx context.Context, path string, query url.Values, signed bool, data any) error {
	body, err := o.do(ctx, restRequest{method: http.MethodGet, path: path, query: query, signed: signed}, o.sign)
	if err != nil {
		return err
	}

	var resp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := o.decode(body, &resp); err != nil {
		return err
	}
	if resp.Code != "0" {
		return o.apiError(resp.Code, resp.Msg)
	}

	wrapper := struct {
		Data any `json:"data"`
	}{Data: data}
	return o.decode(body, &wrapper)
}

func (o *okxTransport) FetchServerTime(ctx context.Context) (time.Time, error) {
	var data []struct {
		TS string `json:"ts"`
	}
	if err := o.get(ctx, "/api/v5/public/time", nil, false, &data); err != nil {
		return time.Time{}, err
	}
	if len(data) == 0 {
		return time.Time{}, o.apiError("", "empty server time response")
	}
	t, _ := toTime(data[0].TS)
	return t, nil
}

func (o *okxTransport) FetchBalance(ctx context.Context, _ BalanceParams) (*RawBalance, error) {
	var data []struct {
		Details []struct {
			Ccy       string `json:"ccy"`
			Eq        string `json:"eq"`
			AvailBal  string `json:"availBal"`
			FrozenBal string `json:"frozenBal"`
		} `json:"details"`
	}
	if err := o.get(ctx, "/api/v5/account/balance", nil, true, &data); err != nil {
		return nil, err
	}

	balance := newRawBalance()
	for _, account := range data {
		for _, d := range account.Details {
			balance.add(o.cap.Asset(d.Ccy), d.Eq, d.AvailBal, d.FrozenBal)
		}
	}
	return balance, nil
}

func (o *okxTransport) FetchTicker(ctx context.Context, symbol string) (RawRecord, error) {
	q := url.Values{}
	q.Set("instId", o.cap.Symbol(symbol))

	var data []struct {
		InstID  string `json:"instId"`
		Last    string `json:"last"`
		BidPx   string `json:"bidPx"`
		AskPx   string `json:"askPx"`
		High24h string `json:"high24h"`
		Low24h  string `json:"low24h"`
		Vol24h  string `json:"vol24h"`
		TS      string `json:"ts"`
	}
	if err := o.get(ctx, "/api/v5/market/ticker", q, false, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, o.apiError("", "no ticker for "+symbol)
	}

	t := data[0]
	return RawRecord{
		"symbol":    symbol,
		"timestamp": t.TS,
		"last":      t.Last,
		"bid":       t.BidPx,
		"ask":       t.AskPx,
		"high":      t.High24h,
		"low":       t.Low24h,
		"volume":    t.Vol24h,
	}, nil
}

func (o *okxTransport) FetchOpenOrders(ctx context.Context, symbol string) ([]RawRecord, error) {
	q := url.Values{}
	q.Set("instType", "SPOT")
	if symbol != "" {
		q.Set("instId", o.cap.Symbol(symbol))
	}

	var data []struct {
		OrdID     string `json:"ordId"`
		InstID    string `json:"instId"`
		OrdType   string `json:"ordType"`
		Side      string `json:"side"`
		Sz        string `json:"sz"`
		Px        string `json:"px"`
		AccFillSz string `json:"accFillSz"`
		AvgPx     string `json:"avgPx"`
		State     string `json:"state"`
		Fee       string `json:"fee"`
		FeeCcy    string `json:"feeCcy"`
		CTime     string `json:"cTime"`
	}
	if err := o.get(ctx, "/api/v5/trade/orders-pending", q, true, &data); err != nil {
		return nil, err
	}

	out := make([]RawRecord, 0, len(data))
	for _, d := range data {
		rec := RawRecord{
			"id":        d.OrdID,
			"symbol":    d.InstID,
			"type":      d.OrdType,
			"side":      d.Side,
			"amount":    d.Sz,
			"price":     d.Px,
			"filled":    d.AccFillSz,
			"status":    d.State,
			"timestamp": d.CTime,
		}
		if sz, ok := toDecimal(d.Sz); ok {
			if filled, ok := toDecimal(d.AccFillSz); ok {
				rec["remaining"] = sz.Sub(filled).String()
				if avg, ok := toDecimal(d.AvgPx); ok {
					rec["cost"] = filled.Mul(avg).String()
				}
			}
		}
		// OKX отдаёт комиссию отрицательной
		if fee, ok := toDecimal(d.Fee); ok {
			rec["fee"] = RawRecord{"currency": d.FeeCcy, "cost": fee.Abs().String()}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (o *okxTransport) FetchPositions(ctx context.Context) ([]RawRecord, error) {
	var data []struct {
		InstID      string `json:"instId"`
		PosSide     string `json:"posSide"`
		Pos         string `json:"pos"`
		AvgPx       string `json:"avgPx"`
		Lever       string `json:"lever"`
		LiqPx       string `json:"liqPx"`
		NotionalUsd string `json:"notionalUsd"`
		Imr         string `json:"imr"`
		Mmr         string `json:"mmr"`
		UTime       string `json:"uTime"`
	}
	if err := o.get(ctx, "/api/v5/account/positions", nil, true, &data); err != nil {
		return nil, err
	}

	out := make([]RawRecord, 0, len(data))
	for _, p := range data {
		pos, ok := toDecimal(p.Pos)
		if !ok || pos.IsZero() {
			continue
		}

		rec := RawRecord{
			"symbol":            p.InstID,
			"contracts":         pos.Abs().String(),
			"entryPrice":        p.AvgPx,
			"leverage":          p.Lever,
			"liquidationPrice":  p.LiqPx,
			"notional":          p.NotionalUsd,
			"initialMargin":     p.Imr,
			"maintenanceMargin": p.Mmr,
			"timestamp":         p.UTime,
		}
		// в режиме net сторона задаётся знаком pos
		switch {
		case p.PosSide == SideLong || p.PosSide == SideShort:
			rec["side"] = p.PosSide
		case pos.IsNegative():
			rec["side"] = SideShort
		default:
			rec["side"] = SideLong
		}
		out = append(out, rec)
	}
	return out, nil
}
