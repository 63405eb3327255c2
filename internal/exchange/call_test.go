package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"portfolio/pkg/utils"
)

func testPolicy(attempts int) CallPolicy {
	return CallPolicy{MaxAttempts: attempts, Backoff: time.Millisecond, Logger: utils.NewNopLogger()}
}

// failThen возвращает err на первых n вызовах, затем успех
func failThen(n int, err error, calls *int) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		*calls++
		if *calls <= n {
			return "", err
		}
		return "ok", nil
	}
}

func TestCall_RetriesRateLimit(t *testing.T) {
	rateLimited := &APIError{Exchange: Binance, HTTPStatus: 429, Message: "Too many requests"}

	tests := []struct {
		name      string
		attempts  int
		wantErr   bool
		wantCalls int
	}{
		{"3 попытки - успех на третьей", 3, false, 3},
		{"2 попытки - RateLimited", 2, true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := Call(context.Background(), testPolicy(tt.attempts), Binance, "fetchBalance", failThen(2, rateLimited, &calls))

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr {
				if !IsKind(err, KindRateLimited) {
					t.Fatalf("ожидалась RateLimited, получено %v", err)
				}
				return
			}
			if err != nil || got != "ok" {
				t.Fatalf("got %q, err %v", got, err)
			}
		})
	}
}

func TestCall_DoesNotRetryPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"неверные ключи", &APIError{Exchange: OKX, HTTPStatus: 401}, KindInvalidCredentials},
		{"ошибка биржи", &APIError{Exchange: OKX, HTTPStatus: 200, Code: "51001", Message: "bad instrument"}, KindExchangeError},
		{"неизвестная", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			_, err := Call(context.Background(), testPolicy(3), OKX, "fetchBalance", failThen(5, tt.err, &calls))

			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
			if KindOf(err) != tt.want {
				t.Errorf("kind = %s, want %s", KindOf(err), tt.want)
			}
		})
	}
}

func TestCall_RetriesNetworkTimeout(t *testing.T) {
	calls := 0
	got, err := Call(context.Background(), testPolicy(3), Kraken, "fetchTicker", failThen(1, context.DeadlineExceeded, &calls))

	if err != nil || got != "ok" || calls != 2 {
		t.Errorf("got %q, err %v, calls %d", got, err, calls)
	}
}

func TestCall_ErrorIsClassified(t *testing.T) {
	_, err := Call(context.Background(), testPolicy(1), Bybit, "fetchBalance", func(context.Context) (int, error) {
		return 0, errors.New("socket closed")
	})

	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("ожидалась *Error, получено %T", err)
	}
	if e.Exchange != Bybit || e.Op != "fetchBalance" || e.Kind != KindUnknown {
		t.Errorf("неверная классификация: %+v", e)
	}
}

func TestCall_DefaultPolicy(t *testing.T) {
	p := DefaultCallPolicy()
	if p.MaxAttempts != 3 || p.Backoff != time.Second {
		t.Errorf("DefaultCallPolicy = %+v", p)
	}
	if p.WithMaxAttempts(5).MaxAttempts != 5 || p.MaxAttempts != 3 {
		t.Error("WithMaxAttempts должен возвращать копию")
	}
}
