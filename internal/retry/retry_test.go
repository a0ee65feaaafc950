package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	t.Run("success on first try", func(t *testing.T) {
		var attempts int
		fn := func(ctx context.Context) error {
			attempts++
			return nil
		}

		err := Do(context.Background(), fn, WithMaxAttempts(3))

		if err != nil {
			t.Errorf("expected no error, but got: %v", err)
		}
		if attempts != 1 {
			t.Errorf("expected 1 attempt, but got: %d", attempts)
		}
	})

	t.Run("success after a few retries", func(t *testing.T) {
		var attempts int
		fn := func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("transient error")
			}
			return nil
		}

		err := Do(
			context.Background(),
			fn,
			WithMaxAttempts(5),
			WithBaseDelay(1*time.Millisecond),
		)

		if err != nil {
			t.Errorf("expected no error, but got: %v", err)
		}
		if attempts != 3 {
			t.Errorf("expected 3 attempts, but got: %d", attempts)
		}
	})

	t.Run("failure after all retries", func(t *testing.T) {
		var attempts int
		expectedErr := errors.New("error")
		fn := func(ctx context.Context) error {
			attempts++
			return expectedErr
		}

		err := Do(
			context.Background(),
			fn,
			WithMaxAttempts(4),
			WithBaseDelay(1*time.Millisecond))

		if !errors.Is(err, expectedErr) {
			t.Errorf("expected error '%v', but got: %v", expectedErr, err)
		}
		if attempts != 4 {
			t.Errorf("expected 4 attempts, but got: %d", attempts)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var attempts int
		fn := func(ctx context.Context) error {
			attempts++
			return errors.New("error")
		}

		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()

		err := Do(
			ctx,
			fn,
			WithMaxAttempts(10),
			WithBaseDelay(10*time.Millisecond))

		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled error, but got: %v", err)
		}
		if attempts >= 10 {
			t.Errorf("expected fewer than 10 attempts, but got: %d", attempts)
		}
	})
}

func TestFibonacciDelays(t *testing.T) {
	df := Fibonacci(time.Second)()
	want := []time.Duration{
		1 * time.Second,
		1 * time.Second,
		2 * time.Second,
		3 * time.Second,
		5 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}
	for i, w := range want {
		if got := df(); got != w {
			t.Errorf("delay %d: expected %v, got %v", i, w, got)
		}
	}
}

func TestRetryIfStopsOnFatalError(t *testing.T) {
	fatal := errors.New("fatal")
	var attempts int
	err := Do(
		context.Background(),
		func(ctx context.Context) error {
			attempts++
			return fatal
		},
		WithMaxAttempts(5),
		WithBaseDelay(1*time.Millisecond),
		WithRetryIf(func(err error) bool { return !errors.Is(err, fatal) }),
	)
	if !errors.Is(err, fatal) {
		t.Errorf("expected fatal error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got: %d", attempts)
	}
}
