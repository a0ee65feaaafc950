package retry

import (
	"context"
	"time"
)

// Func is a function that can be retried
type Func func(ctx context.Context) error

// DelayFunc is a closure which will return a delay generator function
type DelayFunc func() func() time.Duration

type config struct {
	maxAttempts int
	delayFunc   DelayFunc
	retryIf     func(error) bool
}

// Option configures the retrier
type Option func(*config)

// WithMaxAttempts sets the maximum number of attempts.
// The default is 3.
func WithMaxAttempts(n int) Option {
	return func(c *config) {
		c.maxAttempts = n
	}
}

// WithBaseDelay sets the first delay of the default doubling schedule.
func WithBaseDelay(d time.Duration) Option {
	return func(c *config) {
		c.delayFunc = doubling(d)
	}
}

// WithDelayFunc sets the function which will
// return timeout duration for every attempt.
// The default function will return: 150ms, 300ms, 600ms.
func WithDelayFunc(d DelayFunc) Option {
	return func(c *config) {
		c.delayFunc = d
	}
}

// WithRetryIf restricts retries to errors matching the predicate; any other
// error is returned immediately.
func WithRetryIf(pred func(error) bool) Option {
	return func(c *config) {
		c.retryIf = pred
	}
}

// Fibonacci returns a DelayFunc yielding unit multiples of the sequence
// 1, 1, 2, 3, 5, capped at the last value.
func Fibonacci(unit time.Duration) DelayFunc {
	steps := []time.Duration{1, 1, 2, 3, 5}
	return func() func() time.Duration {
		attempt := 0
		return func() time.Duration {
			d := steps[min(attempt, len(steps)-1)] * unit
			attempt++
			return d
		}
	}
}

func doubling(base time.Duration) DelayFunc {
	return func() func() time.Duration {
		attempt := 0
		return func() time.Duration {
			delay := base << attempt
			attempt++
			return delay
		}
	}
}

func Do(ctx context.Context, fn Func, opts ...Option) error {
	cfg := &config{
		maxAttempts: 3,
		delayFunc:   doubling(150 * time.Millisecond),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error
	df := cfg.delayFunc()
	for attempt := range cfg.maxAttempts {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if cfg.retryIf != nil && !cfg.retryIf(lastErr) {
			return lastErr
		}

		if attempt == cfg.maxAttempts-1 {
			break
		}

		timer := time.NewTimer(df())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
