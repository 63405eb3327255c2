package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"portfolio/pkg/ratelimit"
)

var fastJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const maxResponseSize = 8 << 20

// restClient - общая часть REST транспортов: URL, лимиты, заголовки,
// подпись и разбор HTTP ошибок. Подпись у каждой биржи своя.
type restClient struct {
	name    Name
	cap     Capability
	baseURL string
	mode    Mode
	creds   Credentials
	http    *http.Client
	limiter *ratelimit.RateLimiter
	now     func() time.Time
}

// restRequest - описание запроса
type restRequest struct {
	method string
	path   string
	query  url.Values
	// body - JSON тело (POST) или готовая form-строка при form=true
	body   any
	form   bool
	signed bool
}

// signFunc добавляет подпись к запросу; payload - тело запроса
type signFunc func(req *http.Request, payload []byte) error

func newRESTClient(c Capability, cfg Config) *restClient {
	base := cfg.BaseURL
	if base == "" {
		base = c.Endpoint(cfg.Mode)
	}

	rc := &restClient{
		name:    c.Name,
		cap:     c,
		baseURL: strings.TrimRight(base, "/"),
		mode:    cfg.Mode,
		creds:   cfg.Credentials,
		http:    httpClientFor(cfg),
		now:     time.Now,
	}

	if cfg.RateLimit {
		if cfg.Limiters != nil {
			rc.limiter = cfg.Limiters.Get(string(c.Name), c.RateLimit, c.Burst)
		} else {
			rc.limiter = ratelimit.NewRateLimiter(c.RateLimit, c.Burst)
		}
	}
	return rc
}

func (r *restClient) requireCredentials() error {
	if r.creds.Empty() {
		return &APIError{Exchange: r.name, HTTPStatus: http.StatusUnauthorized, Message: "API credentials required"}
	}
	if r.cap.RequiresPassphrase && r.creds.Passphrase == "" {
		return &APIError{Exchange: r.name, HTTPStatus: http.StatusUnauthorized, Message: "API passphrase required"}
	}
	return nil
}

// do выполняет запрос и возвращает тело ответа.
// HTTP статус >= 400 превращается в *APIError.
func (r *restClient) do(ctx context.Context, req restRequest, sign signFunc) ([]byte, error) {
	if req.signed {
		if err := r.requireCredentials(); err != nil {
			return nil, err
		}
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	target := r.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var payload []byte
	switch b := req.body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	default:
		var err error
		if payload, err = fastJSON.Marshal(b); err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", r.name, err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	if req.form {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if r.mode == ModeTest {
		for k, v := range r.cap.SandboxHeaders {
			httpReq.Header.Set(k, v)
		}
	}

	if req.signed && sign != nil {
		if err := sign(httpReq, payload); err != nil {
			return nil, err
		}
	}

	resp, err := r.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		code, msg := extractError(body)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{
			Exchange:   r.name,
			HTTPStatus: resp.StatusCode,
			Code:       code,
			Message:    msg,
		}
	}

	return body, nil
}

// decode разбирает тело ответа
func (r *restClient) decode(body []byte, v any) error {
	if err := fastJSON.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%s: decode response: %w", r.name, err)
	}
	return nil
}

// apiError - ошибка, которую биржа вернула в теле при HTTP 200
func (r *restClient) apiError(code, msg string) *APIError {
	return &APIError{Exchange: r.name, HTTPStatus: http.StatusOK, Code: code, Message: msg}
}

// extractError вытаскивает код и текст ошибки из тела, не зная биржи
func extractError(body []byte) (code, msg string) {
	var m map[string]any
	if err := fastJSON.Unmarshal(body, &m); err != nil {
		return "", strings.TrimSpace(string(body))
	}

	for _, k := range []string{"code", "retCode", "err-code", "error_code"} {
		if v, ok := m[k]; ok && v != nil {
			code = toString(v)
			break
		}
	}
	for _, k := range []string{"msg", "message", "retMsg", "err-msg", "error_details", "error"} {
		if v, ok := m[k]; ok && v != nil {
			if list, ok := v.([]any); ok {
				parts := make([]string, 0, len(list))
				for _, p := range list {
					parts = append(parts, toString(p))
				}
				msg = strings.Join(parts, "; ")
			} else {
				msg = toString(v)
			}
			if msg != "" {
				break
			}
		}
	}
	return code, msg
}

// Close: пул соединений общий, у клиента закрывать нечего
func (r *restClient) Close() error {
	return nil
}

func (r *restClient) Exchange() Name {
	return r.name
}

func (r *restClient) millis() string {
	return fmt.Sprintf("%d", r.now().UnixMilli())
}
