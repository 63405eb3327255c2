package exchange

import (
	"context"
	"time"

	"portfolio/internal/metrics"
	"portfolio/pkg/retry"
	"portfolio/pkg/utils"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
)

// CallPolicy - политика повторов вызова биржи.
// Задержка фиксированная: повторяются только RateLimited и NetworkTimeout.
type CallPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Logger      *utils.Logger
}

// DefaultCallPolicy - 3 попытки с паузой 1s
func DefaultCallPolicy() CallPolicy {
	return CallPolicy{MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff}
}

// WithMaxAttempts возвращает копию политики с другим числом попыток
func (p CallPolicy) WithMaxAttempts(n int) CallPolicy {
	p.MaxAttempts = n
	return p
}

// Call выполняет операцию биржи с классификацией ошибок и повторами.
//
// Ошибка результата всегда *Error:
//   - InvalidCredentials, ExchangeError, Unknown - сразу, без повторов
//   - RateLimited, NetworkTimeout - повтор через Backoff, пока есть попытки
func Call[T any](ctx context.Context, policy CallPolicy, name Name, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.Backoff < 0 {
		policy.Backoff = 0
	}

	log := policy.Logger
	if log == nil {
		log = utils.L()
	}

	cfg := retry.FixedConfig(policy.MaxAttempts, policy.Backoff)
	cfg.RetryIf = func(err error) bool {
		return KindOf(err).Transient()
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		kind := KindOf(err).String()
		metrics.RecordRetry(string(name), kind)
		log.Warn("exchange call failed, retrying",
			utils.Exchange(string(name)),
			utils.Operation(op),
			utils.Attempt(attempt),
			utils.ErrorKind(kind),
			utils.Err(err),
			utils.Duration("delay_ms", delay.Milliseconds()),
		)
	}

	started := time.Now()
	result, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err != nil {
			return v, Classify(name, op, err)
		}
		return v, nil
	})

	if err != nil {
		classified := Classify(name, op, err)
		metrics.ObserveCall(string(name), op, classified.Kind.String(), started)
		var zero T
		return zero, classified
	}

	metrics.ObserveCall(string(name), op, "ok", started)
	return result, nil
}
