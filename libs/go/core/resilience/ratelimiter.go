package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// RateLimiter is a token bucket refilled lazily on every check.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   float64
	fillRate   float64 // tokens per second
	available  float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter creates a full bucket holding capacity tokens, refilled at fillRate per second.
func NewRateLimiter(capacity int64, fillRate float64) *RateLimiter {
	return &RateLimiter{
		capacity:   float64(capacity),
		fillRate:   fillRate,
		available:  float64(capacity),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow returns whether one token can be consumed now.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN attempts to consume n tokens.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	if float64(n) <= r.available {
		r.available -= float64(n)
		return true
	}
	counter, _ := otel.Meter("pserver-go").Int64Counter("pserver_ratelimiter_throttled_total")
	counter.Add(context.Background(), 1)
	return false
}

// ReserveAfter returns the duration after which n tokens will be available.
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	if r.available >= float64(n) || r.fillRate <= 0 {
		return 0
	}
	shortfall := float64(n) - r.available
	return time.Duration(shortfall / r.fillRate * float64(time.Second))
}

// Wait blocks until n tokens were consumed or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context, n int64) error {
	for !r.AllowN(n) {
		d := r.ReserveAfter(n)
		if d <= 0 {
			d = time.Millisecond
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (r *RateLimiter) refill() {
	now := r.now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.available += elapsed * r.fillRate
	if r.available > r.capacity {
		r.available = r.capacity
	}
	r.lastRefill = now
}
