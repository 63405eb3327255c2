package exchange

import (
	"context"

	"portfolio/pkg/ratelimit"
)

// runSDK выполняет вызов SDK без поддержки context.
// Вызов ограничен таймаутом HTTP клиента SDK; при отмене ctx результат
// отбрасывается, а сам запрос дорабатывает в фоне.
func runSDK[T any](ctx context.Context, limiter *ratelimit.RateLimiter, fn func() (T, error)) (T, error) {
	var zero T

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return zero, err
		}
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
