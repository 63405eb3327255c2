package exchange

import (
	"context"
	"sync"
	"time"
)

// fakeTransport - Transport в памяти для тестов кеша и вызовов
type fakeTransport struct {
	mu      sync.RWMutex
	name    Name
	creds   Credentials
	mode    Mode
	balance *RawBalance
	err     error
	closed  bool
}

func (f *fakeTransport) Exchange() Name { return f.name }

func (f *fakeTransport) FetchServerTime(context.Context) (time.Time, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return time.Unix(1700000000, 0), f.err
}

func (f *fakeTransport) FetchBalance(context.Context, BalanceParams) (*RawBalance, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.balance, f.err
}

func (f *fakeTransport) FetchTicker(context.Context, string) (RawRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return RawRecord{"last": "1"}, f.err
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// countingFactory считает созданные транспорты и может задерживать создание
type countingFactory struct {
	mu      sync.Mutex
	created int
	delay   time.Duration
	gate    chan struct{}
	last    Config
}

func (f *countingFactory) New(name Name, cfg Config) (Transport, error) {
	if f.gate != nil {
		<-f.gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	f.last = cfg
	return &fakeTransport{name: name, creds: cfg.Credentials, mode: cfg.Mode}, nil
}

func (f *countingFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func staticCredentials(c Credentials) CredentialSource {
	return func(context.Context) (Credentials, error) { return c, nil }
}
