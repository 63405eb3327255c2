package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bybit "github.com/hirokisan/bybit/v2"
)

const bybitRecvWindow = "5000"

// bybitTransport: балансы через SDK hirokisan/bybit, остальное - подписанный REST v5
type bybitTransport struct {
	*restClient
	sdk *bybit.Client
}

func newBybitTransport(c Capability, cfg Config) (Transport, error) {
	rc := newRESTClient(c, cfg)

	sdk := bybit.NewClient().WithBaseURL(rc.baseURL).WithHTTPClient(rc.http)
	if !cfg.Credentials.Empty() {
		sdk = sdk.WithAuth(cfg.Credentials.APIKey, cfg.Credentials.Secret)
	}

	return &bybitTransport{restClient: rc, sdk: sdk}, nil
}

// sign: HMAC-SHA256(timestamp + apiKey + recvWindow + query|body)
func (b *bybitTransport) sign(req *http.Request, payload []byte) error {
	timestamp := b.millis()

	params := req.URL.RawQuery
	if req.Method != http.MethodGet {
		params = string(payload)
	}

	h := hmac.New(sha256.New, []byte(b.creds.Secret))
	h.Write([]byte(timestamp + b.creds.APIKey + bybitRecvWindow + params))

	req.Header.Set("X-BAPI-API-KEY", b.creds.APIKey)
	req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(h.Sum(nil)))
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	return nil
}

// get выполняет GET и проверяет retCode
func (b *bybitTransport) get(ctx context.Context, path string, query url.Values, signed bool, result any) error {
	body, err := b.do(ctx, restRequest{method: http.MethodGet, path: path, query: query, signed: signed}, b.sign)
	if err != nil {
		return err
	}

	var base struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := b.decode(body, &base); err != nil {
		return err
	}
	if base.RetCode != 0 {
		return b.apiError(strconv.Itoa(base.RetCode), base.RetMsg)
	}
	return b.decode(body, result)
}

func (b *bybitTransport) FetchServerTime(ctx context.Context) (time.Time, error) {
	var resp struct {
		Time int64 `json:"time"`
	}
	if err := b.get(ctx, "/v5/market/time", nil, false, &resp); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.Time), nil
}

func (b *bybitTransport) FetchBalance(ctx context.Context, _ BalanceParams) (*RawBalance, error) {
	if err := b.requireCredentials(); err != nil {
		return nil, err
	}

	res, err := runSDK(ctx, b.limiter, func() (*bybit.V5GetWalletBalanceResponse, error) {
		return b.sdk.V5().Account().GetWalletBalance(bybit.AccountTypeV5("UNIFIED"), nil)
	})
	if err != nil {
		return nil, b.sdkError(err)
	}

	balance := newRawBalance()
	for _, account := range res.Result.List {
		for _, coin := range account.Coin {
			balance.add(b.cap.Asset(string(coin.Coin)), coin.WalletBalance, nil, nil)
		}
	}
	return balance, nil
}

// sdkError переводит ошибку SDK в APIError с кодом и HTTP статусом,
// чтобы классификация шла так же, как для REST; сетевые ошибки остаются как есть
func (b *bybitTransport) sdkError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	apiErr := &APIError{Exchange: b.name, Message: err.Error(), Original: err}

	var rateErr *bybit.RateLimitV5Error
	var respErr *bybit.ErrorResponse
	var status int
	switch {
	case errors.As(err, &rateErr):
		apiErr.HTTPStatus = http.StatusTooManyRequests
		if rateErr.CommonV5Response != nil {
			apiErr.Code = strconv.Itoa(rateErr.RetCode)
			apiErr.Message = rateErr.RetMsg
		}
	case errors.As(err, &respErr):
		apiErr.Code = strconv.Itoa(respErr.RetCode)
		apiErr.Message = respErr.RetMsg
	case errors.Is(err, bybit.ErrInvalidRequest):
		apiErr.HTTPStatus = http.StatusUnauthorized
	case errors.Is(err, bybit.ErrForbiddenRequest):
		apiErr.HTTPStatus = http.StatusForbidden
	case errors.Is(err, bybit.ErrBadRequest):
		apiErr.HTTPStatus = http.StatusBadRequest
	case errors.Is(err, bybit.ErrPathNotFound):
		apiErr.HTTPStatus = http.StatusNotFound
	default:
		// SDK не экспортирует статус: "unexpected status code 503"
		if _, scanErr := fmt.Sscanf(err.Error(), "unexpected status code %d", &status); scanErr == nil {
			apiErr.HTTPStatus = status
		}
	}
	return apiErr
}

func (b *bybitTransport) FetchTicker(ctx context.Context, symbol string) (RawRecord, error) {
	q := url.Values{}
	q.Set("category", "spot")
	q.Set("symbol", b.cap.Symbol(symbol))

	var resp struct {
		Time   int64 `json:"time"`
		Result struct {
			List []struct {
				Symbol       string `json:"symbol"`
				LastPrice    string `json:"lastPrice"`
				Bid1Price    string `json:"bid1Price"`
				Ask1Price    string `json:"ask1Price"`
				HighPrice24h string `json:"highPrice24h"`
				LowPrice24h  string `json:"lowPrice24h"`
				Volume24h    string `json:"volume24h"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := b.get(ctx, "/v5/market/tickers", q, false, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result.List) == 0 {
		return nil, b.apiError("", "no ticker for "+symbol)
	}

	t := resp.Result.List[0]
	return RawRecord{
		"symbol":    symbol,
		"timestamp": resp.Time,
		"last":      t.LastPrice,
		"bid":       t.Bid1Price,
		"ask":       t.Ask1Price,
		"high":      t.HighPrice24h,
		"low":       t.LowPrice24h,
		"volume":    t.Volume24h,
	}, nil
}

func (b *bybitTransport) FetchOpenOrders(ctx context.Context, symbol string) ([]RawRecord, error) {
	q := url.Values{}
	q.Set("category", "spot")
	if symbol != "" {
		q.Set("symbol", b.cap.Symbol(symbol))
	}

	var resp struct {
		Result struct {
			List []struct {
				OrderID      string `json:"orderId"`
				Symbol       string `json:"symbol"`
				OrderType    string `json:"orderType"`
				Side         string `json:"side"`
				Qty          string `json:"qty"`
				Price        string `json:"price"`
				CumExecQty   string `json:"cumExecQty"`
				LeavesQty    string `json:"leavesQty"`
				CumExecValue string `json:"cumExecValue"`
				CumExecFee   string `json:"cumExecFee"`
				OrderStatus  string `json:"orderStatus"`
				CreatedTime  string `json:"createdTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := b.get(ctx, "/v5/order/realtime", q, true, &resp); err != nil {
		return nil, err
	}

	out := make([]RawRecord, 0, len(resp.Result.List))
	for _, o := range resp.Result.List {
		out = append(out, RawRecord{
			"id":        o.OrderID,
			"symbol":    o.Symbol,
			"type":      o.OrderType,
			"side":      o.Side,
			"amount":    o.Qty,
			"price":     o.Price,
			"filled":    o.CumExecQty,
			"remaining": o.LeavesQty,
			"cost":      o.CumExecValue,
			"status":    o.OrderStatus,
			"timestamp": o.CreatedTime,
			"fee":       RawRecord{"cost": o.CumExecFee},
		})
	}
	return out, nil
}

func (b *bybitTransport) FetchPositions(ctx context.Context) ([]RawRecord, error) {
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("settleCoin", "USDT")

	var resp struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				Side          string `json:"side"`
				Size          string `json:"size"`
				AvgPrice      string `json:"avgPrice"`
				Leverage      string `json:"leverage"`
				LiqPrice      string `json:"liqPrice"`
				PositionValue string `json:"positionValue"`
				PositionIM    string `json:"positionIM"`
				PositionMM    string `json:"positionMM"`
				UpdatedTime   string `json:"updatedTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := b.get(ctx, "/v5/position/list", q, true, &resp); err != nil {
		return nil, err
	}

	out := make([]RawRecord, 0, len(resp.Result.List))
	for _, p := range resp.Result.List {
		// Bybit отдаёт пустые слоты с нулевым размером
		if size, ok := toDecimal(p.Size); !ok || size.IsZero() {
			continue
		}
		out = append(out, RawRecord{
			"symbol":            p.Symbol,
			"side":              p.Side,
			"contracts":         p.Size,
			"entryPrice":        p.AvgPrice,
			"leverage":          p.Leverage,
			"liquidationPrice":  p.LiqPrice,
			"notional":          p.PositionValue,
			"initialMargin":     p.PositionIM,
			"maintenanceMargin": p.PositionMM,
			"timestamp":         p.UpdatedTime,
		})
	}
	return out, nil
}
