package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config конфигурация повторных попыток
//
// delay(n) = min(Delay * Multiplier^n ± jitter, MaxDelay)
// При Multiplier = 1 и JitterFactor = 0 задержка фиксированная.
type Config struct {
	// MaxAttempts - число попыток, включая первую (минимум 1)
	MaxAttempts int

	// Delay - задержка перед второй попыткой
	Delay time.Duration

	// MaxDelay - верхняя граница задержки (0 = без ограничения)
	MaxDelay time.Duration

	// Multiplier - множитель роста задержки (по умолчанию 1)
	Multiplier float64

	// JitterFactor - доля случайной вариации задержки (0.0 - 1.0)
	JitterFactor float64

	// RetryIf решает, стоит ли повторять ошибку. nil - повторять всё.
	RetryIf func(error) bool

	// OnRetry вызывается перед ожиданием очередной попытки
	OnRetry func(attempt int, err error, delay time.Duration)
}

// FixedConfig - фиксированная задержка без jitter
func FixedConfig(attempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts: attempts,
		Delay:       delay,
		Multiplier:  1,
	}
}

// ExponentialConfig - удвоение задержки с 10% jitter
func ExponentialConfig(attempts int, delay, maxDelay time.Duration) Config {
	return Config{
		MaxAttempts:  attempts,
		Delay:        delay,
		MaxDelay:     maxDelay,
		Multiplier:   2,
		JitterFactor: 0.1,
	}
}

func (c *Config) normalize() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.Delay < 0 {
		c.Delay = 0
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 1
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
}

// delayFor вычисляет задержку после попытки с номером attempt (с нуля)
func (c *Config) delayFor(attempt int) time.Duration {
	delay := float64(c.Delay) * math.Pow(c.Multiplier, float64(attempt))

	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.JitterFactor > 0 {
		delay += delay * c.JitterFactor * (rand.Float64()*2 - 1)
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// DoWithResult выполняет операцию до MaxAttempts раз.
//
// Возвращает результат первой успешной попытки либо последнюю ошибку.
// Ошибка, для которой RetryIf вернул false, возвращается сразу.
// Отмена контекста прерывает ожидание и возвращает последнюю ошибку операции.
func DoWithResult[T any](ctx context.Context, cfg Config, operation func(ctx context.Context) (T, error)) (T, error) {
	cfg.normalize()

	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := operation(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !shouldRetry(cfg, err) {
			return zero, err
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := cfg.delayFor(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// Do - вариант DoWithResult без результата
func Do(ctx context.Context, cfg Config, operation func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})
	return err
}

func shouldRetry(cfg Config, err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if cfg.RetryIf == nil {
		return true
	}
	return cfg.RetryIf(err)
}

// PermanentError - ошибка, которую не нужно повторять независимо от RetryIf
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent помечает ошибку как неповторяемую
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
