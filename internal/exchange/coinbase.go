package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const coinbaseJWTTTL = 2 * time.Minute

// coinbaseTransport - Coinbase Advanced Trade API v3.
// Ключи CDP (секрет в PEM) подписываются JWT ES256, старые ключи - HMAC.
type coinbaseTransport struct {
	*restClient
}

func newCoinbaseTransport(c Capability, cfg Config) (Transport, error) {
	return &coinbaseTransport{restClient: newRESTClient(c, cfg)}, nil
}

// cdpKey - секрет в формате PEM. В env переносы строк часто приходят как "\n".
func (c *coinbaseTransport) cdpKey() (string, bool) {
	secret := strings.ReplaceAll(c.creds.Secret, `\n`, "\n")
	return secret, strings.Contains(secret, "-----BEGIN")
}

func (c *coinbaseTransport) sign(req *http.Request, payload []byte) error {
	if pem, ok := c.cdpKey(); ok {
		token, err := c.jwt(pem, req.Method, req.URL.Host+req.URL.Path)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}

	timestamp := strconv.FormatInt(c.now().Unix(), 10)

	mac := hmac.New(sha256.New, []byte(c.creds.Secret))
	mac.Write([]byte(timestamp + req.Method + req.URL.Path + string(payload)))

	req.Header.Set("CB-ACCESS-KEY", c.creds.APIKey)
	req.Header.Set("CB-ACCESS-SIGN", hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("CB-ACCESS-TIMESTAMP", timestamp)
	return nil
}

// jwt создаёт токен CDP на один запрос
func (c *coinbaseTransport) jwt(pem, method, uri string) (string, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(pem))
	if err != nil {
		return "", &APIError{Exchange: c.name, HTTPStatus: http.StatusUnauthorized, Message: "invalid api secret: " + err.Error()}
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("coinbase: nonce: %w", err)
	}

	now := c.now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"sub": c.creds.APIKey,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(coinbaseJWTTTL).Unix(),
		"uri": method + " " + uri,
	})
	token.Header["kid"] = c.creds.APIKey
	token.Header["nonce"] = hex.EncodeToString(nonce)

	return token.SignedString(key)
}

func (c *coinbaseTransport) get(ctx context.Context, path string, query url.Values, signed bool, result any) error {
	body, err := c.do(ctx, restRequest{method: http.MethodGet, path: path, query: query, signed: signed}, c.sign)
	if err != nil {
		return err
	}
	return c.decode(body, result)
}

func (c *coinbaseTransport) FetchServerTime(ctx context.Context) (time.Time, error) {
	var resp struct {
		EpochMillis string `json:"epochMillis"`
		ISO         string `json:"iso"`
	}
	if err := c.get(ctx, "/api/v3/brokerage/time", nil, false, &resp); err != nil {
		return time.Time{}, err
	}
	if t, ok := toTime(resp.EpochMillis); ok {
		return t, nil
	}
	t, _ := toTime(resp.ISO)
	return t, nil
}

func (c *coinbaseTransport) FetchBalance(ctx context.Context, _ BalanceParams) (*RawBalance, error) {
	balance := newRawBalance()

	cursor := ""
	for {
		q := url.Values{}
		q.Set("limit", "250")
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var resp struct {
			Accounts []struct {
				Currency         string `json:"currency"`
				AvailableBalance struct {
					Value string `json:"value"`
				} `json:"available_balance"`
				Hold struct {
					Value string `json:"value"`
				} `json:"hold"`
			} `json:"accounts"`
			HasNext bool   `json:"has_next"`
			Cursor  string `json:"cursor"`
		}
		if err := c.get(ctx, "/api/v3/brokerage/accounts", q, true, &resp); err != nil {
			return nil, err
		}

		for _, a := range resp.Accounts {
			avail, _ := toDecimal(a.AvailableBalance.Value)
			hold, _ := toDecimal(a.Hold.Value)
			balance.add(c.cap.Asset(a.Currency), avail.Add(hold).String(), a.AvailableBalance.Value, a.Hold.Value)
		}

		if !resp.HasNext || resp.Cursor == "" {
			return balance, nil
		}
		cursor = resp.Cursor
	}
}

func (c *coinbaseTransport) FetchTicker(ctx context.Context, symbol string) (RawRecord, error) {
	var resp struct {
		ProductID string `json:"product_id"`
		Price     string `json:"price"`
		Volume24h string `json:"volume_24h"`
	}
	if err := c.get(ctx, "/api/v3/brokerage/market/products/"+c.cap.Symbol(symbol), nil, false, &resp); err != nil {
		return nil, err
	}
	if resp.Price == "" {
		return nil, c.apiError("", "no ticker for "+symbol)
	}

	return RawRecord{
		"symbol": symbol,
		"last":   resp.Price,
		"volume": resp.Volume24h,
	}, nil
}

func (c *coinbaseTransport) FetchOpenOrders(ctx context.Context, symbol string) ([]RawRecord, error) {
	q := url.Values{}
	q.Set("order_status", "OPEN")
	if symbol != "" {
		q.Set("product_ids", c.cap.Symbol(symbol))
	}

	var resp struct {
		Orders []struct {
			OrderID       string                    `json:"order_id"`
			ProductID     string                    `json:"product_id"`
			Side          string                    `json:"side"`
			Status        string                    `json:"status"`
			OrderType     string                    `json:"order_type"`
			CreatedTime   string                    `json:"created_time"`
			FilledSize    string                    `json:"filled_size"`
			FilledValue   string                    `json:"filled_value"`
			TotalFees     string                    `json:"total_fees"`
			Configuration map[string]map[string]any `json:"order_configuration"`
		} `json:"orders"`
	}
	if err := c.get(ctx, "/api/v3/brokerage/orders/historical/batch", q, true, &resp); err != nil {
		return nil, err
	}

	out := make([]RawRecord, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		rec := RawRecord{
			"id":        o.OrderID,
			"symbol":    o.ProductID,
			"type":      strings.ToLower(o.OrderType),
			"side":      o.Side,
			"filled":    o.FilledSize,
			"cost":      o.FilledValue,
			"status":    strings.ToLower(o.Status),
			"timestamp": o.CreatedTime,
			"fee":       RawRecord{"cost": o.TotalFees},
		}
		// размер и цена лежат в конфигурации конкретного типа ордера
		for _, cfg := range o.Configuration {
			if v, ok := cfg["base_size"]; ok {
				rec["amount"] = v
			}
			if v, ok := cfg["limit_price"]; ok {
				rec["price"] = v
			}
		}
		if amount, ok := toDecimal(rec["amount"]); ok {
			if filled, ok := toDecimal(o.FilledSize); ok {
				rec["remaining"] = amount.Sub(filled).String()
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
