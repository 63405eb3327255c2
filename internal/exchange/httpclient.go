package exchange

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

// HTTPPoolConfig - параметры общего пула соединений к биржам
type HTTPPoolConfig struct {
	ConnectTimeout      time.Duration
	ResponseTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	KeepAliveInterval   time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
}

// DefaultHTTPPoolConfig - пул для сотен пользователей на восьми биржах
func DefaultHTTPPoolConfig() HTTPPoolConfig {
	return HTTPPoolConfig{
		ConnectTimeout:      5 * time.Second,
		ResponseTimeout:     15 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		KeepAliveInterval:   30 * time.Second,

		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
	}
}

var (
	sharedTransport     *http.Transport
	sharedTransportOnce sync.Once
)

// SharedTransport - общий http.Transport: клиенты всех пользователей
// переиспользуют keep-alive соединения к одной бирже.
func SharedTransport() *http.Transport {
	sharedTransportOnce.Do(func() {
		sharedTransport = newPooledTransport(DefaultHTTPPoolConfig())
	})
	return sharedTransport
}

func newPooledTransport(cfg HTTPPoolConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			// не ждём соединения дольше, чем осталось у запроса
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < cfg.ConnectTimeout {
				d := *dialer
				d.Timeout = time.Until(deadline)
				return d.DialContext(ctx, network, addr)
			}
			return dialer.DialContext(ctx, network, addr)
		},

		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,

		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},

		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
	}
}

// NewHTTPClient - клиент поверх общего пула с таймаутом на запрос
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Transport: SharedTransport(),
		Timeout:   timeout,
	}
}

// CloseIdleConnections закрывает простаивающие соединения пула.
// Вызывается при graceful shutdown.
func CloseIdleConnections() {
	if sharedTransport != nil {
		sharedTransport.CloseIdleConnections()
	}
}

// httpClientFor выбирает HTTP клиент транспорта
func httpClientFor(cfg Config) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	return NewHTTPClient(cfg.Timeout)
}
