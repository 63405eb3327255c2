package exchange

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	"portfolio/pkg/ratelimit"
)

// binanceTransport - spot API Binance через SDK adshao/go-binance
type binanceTransport struct {
	name    Name
	cap     Capability
	client  *binance.Client
	creds   Credentials
	limiter *ratelimit.RateLimiter
}

func newBinanceTransport(c Capability, cfg Config) (Transport, error) {
	// limiter, URL и HTTP клиент берутся из общей REST основы
	rc := newRESTClient(c, cfg)

	client := binance.NewClient(cfg.Credentials.APIKey, cfg.Credentials.Secret)
	client.BaseURL = rc.baseURL
	client.HTTPClient = rc.http

	return &binanceTransport{
		name:    c.Name,
		cap:     c,
		client:  client,
		creds:   cfg.Credentials,
		limiter: rc.limiter,
	}, nil
}

func (b *binanceTransport) Exchange() Name {
	return b.name
}

func (b *binanceTransport) Close() error {
	return nil
}

func (b *binanceTransport) wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}

// apiError переводит ошибку SDK в *APIError с кодом Binance
func (b *binanceTransport) apiError(err error) error {
	var sdkErr *common.APIError
	if errors.As(err, &sdkErr) {
		return &APIError{
			Exchange: b.name,
			Code:     strconv.FormatInt(sdkErr.Code, 10),
			Message:  sdkErr.Message,
			Original: err,
		}
	}
	return err
}

func (b *binanceTransport) requireCredentials() error {
	if b.creds.Empty() {
		return &APIError{Exchange: b.name, HTTPStatus: http.StatusUnauthorized, Message: "API credentials required"}
	}
	return nil
}

func (b *binanceTransport) FetchServerTime(ctx context.Context) (time.Time, error) {
	if err := b.wait(ctx); err != nil {
		return time.Time{}, err
	}
	ms, err := b.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, b.apiError(err)
	}
	return time.UnixMilli(ms), nil
}

func (b *binanceTransport) FetchBalance(ctx context.Context, _ BalanceParams) (*RawBalance, error) {
	if err := b.requireCredentials(); err != nil {
		return nil, err
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, b.apiError(err)
	}

	balance := newRawBalance()
	for _, bal := range account.Balances {
		free, _ := toDecimal(bal.Free)
		locked, _ := toDecimal(bal.Locked)
		balance.add(b.cap.Asset(bal.Asset), free.Add(locked).String(), bal.Free, bal.Locked)
	}
	return balance, nil
}

func (b *binanceTransport) FetchTicker(ctx context.Context, symbol string) (RawRecord, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	stats, err := b.client.NewListPriceChangeStatsService().Symbol(b.cap.Symbol(symbol)).Do(ctx)
	if err != nil {
		return nil, b.apiError(err)
	}
	if len(stats) == 0 {
		return nil, &APIError{Exchange: b.name, HTTPStatus: http.StatusOK, Message: "no ticker for " + symbol}
	}

	s := stats[0]
	return RawRecord{
		"symbol":    symbol,
		"timestamp": s.CloseTime,
		"last":      s.LastPrice,
		"bid":       s.BidPrice,
		"ask":       s.AskPrice,
		"high":      s.HighPrice,
		"low":       s.LowPrice,
		"volume":    s.Volume,
	}, nil
}

func (b *binanceTransport) FetchOpenOrders(ctx context.Context, symbol string) ([]RawRecord, error) {
	if err := b.requireCredentials(); err != nil {
		return nil, err
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	svc := b.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(b.cap.Symbol(symbol))
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, b.apiError(err)
	}

	out := make([]RawRecord, 0, len(orders))
	for _, o := range orders {
		rec := RawRecord{
			"id":        strconv.FormatInt(o.OrderID, 10),
			"symbol":    o.Symbol,
			"type":      string(o.Type),
			"side":      string(o.Side),
			"amount":    o.OrigQuantity,
			"price":     o.Price,
			"filled":    o.ExecutedQuantity,
			"cost":      o.CummulativeQuoteQuantity,
			"status":    string(o.Status),
			"timestamp": o.Time,
		}
		if orig, ok := toDecimal(o.OrigQuantity); ok {
			if exec, ok := toDecimal(o.ExecutedQuantity); ok {
				rec["remaining"] = orig.Sub(exec).String()
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
