package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Policy describes how an operation is retried.
type Policy struct {
	Attempts int
	// Delay is the initial backoff; it doubles after every failed attempt up to MaxDelay.
	Delay    time.Duration
	MaxDelay time.Duration
	// Retryable filters errors worth another attempt. nil retries everything.
	Retryable func(error) bool
}

// Do executes fn under p with exponential backoff and full jitter (sleep in [0, current delay]).
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 60 * time.Second
	}
	meter := otel.Meter("pserver-go")
	attemptCounter, _ := meter.Int64Counter("pserver_resilience_retry_attempts_total")
	failCounter, _ := meter.Int64Counter("pserver_resilience_retry_fail_total")

	cur := p.Delay
	var lastErr error
	for i := 0; i < p.Attempts; i++ {
		v, err := fn(ctx)
		attemptCounter.Add(ctx, 1)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if i == p.Attempts-1 || (p.Retryable != nil && !p.Retryable(err)) {
			break
		}
		if cur > p.MaxDelay {
			cur = p.MaxDelay
		}
		var sleep time.Duration
		if cur > 0 {
			sleep = time.Duration(rand.Int63n(int64(cur) + 1))
		}
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}

// Retry runs fn up to attempts times starting with the given backoff.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	return Do(ctx, Policy{Attempts: attempts, Delay: delay}, func(context.Context) (T, error) { return fn() })
}
