package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// ErrOpen is returned by Guard when the breaker rejects a call.
var ErrOpen = errors.New("circuit open")

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	Window         time.Duration // rolling window length
	Buckets        int           // window resolution
	MinSamples     int           // outcomes required before the failure rate is evaluated
	FailureRate    float64       // open when failures/total >= FailureRate
	HalfOpenAfter  time.Duration // cool-down before probes are let through
	HalfOpenProbes int           // successful probes needed to close again
}

// DefaultBreakerConfig suits peer-to-peer calls inside one cluster.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:         10 * time.Second,
		Buckets:        10,
		MinSamples:     5,
		FailureRate:    0.5,
		HalfOpenAfter:  2 * time.Second,
		HalfOpenProbes: 1,
	}
}

// BreakerState is the externally visible breaker state.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker opens on the failure rate over a rolling window and closes again after
// HalfOpenProbes consecutive successful probes.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	state    BreakerState
	openedAt time.Time
	probes   int
	passed   int
	window   *slidingWindow
	now      func() time.Time
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Buckets <= 0 {
		cfg.Buckets = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.FailureRate <= 0 || cfg.FailureRate > 1 {
		cfg.FailureRate = 0.5
	}
	cb := &CircuitBreaker{cfg: cfg, now: time.Now}
	cb.window = newSlidingWindow(cfg.Window, cfg.Buckets, cb.clock)
	return cb
}

func (c *CircuitBreaker) clock() time.Time { return c.now() }

// Allow returns whether a request is permitted.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Open:
		if c.now().Sub(c.openedAt) < c.cfg.HalfOpenAfter {
			return false
		}
		c.state = HalfOpen
		c.probes, c.passed = 0, 0
		fallthrough
	case HalfOpen:
		if c.probes >= c.cfg.HalfOpenProbes {
			return false
		}
		c.probes++
	}
	return true
}

// Cancel hands back a half-open probe granted by Allow that was never used.
func (c *CircuitBreaker) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == HalfOpen && c.probes > 0 {
		c.probes--
	}
}

// RecordResult records a success or failure outcome.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case HalfOpen:
		if !success {
			c.open()
			return
		}
		c.passed++
		if c.passed >= c.cfg.HalfOpenProbes {
			c.state = Closed
			c.window.reset()
		}
	case Closed:
		c.window.add(success)
		total, failures := c.window.stats()
		if total >= c.cfg.MinSamples && float64(failures)/float64(total) >= c.cfg.FailureRate {
			c.open()
		}
	}
}

// State reports the current state without side effects.
func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CircuitBreaker) open() {
	c.state = Open
	c.openedAt = c.now()
	counter, _ := otel.Meter("pserver-go").Int64Counter("pserver_resilience_circuit_open_total")
	counter.Add(context.Background(), 1)
}

// Guard runs fn when the breaker allows it and records the outcome. failure decides
// which errors count against the breaker; nil counts every error.
func Guard[T any](c *CircuitBreaker, failure func(error) bool, fn func() (T, error)) (T, error) {
	var zero T
	if !c.Allow() {
		return zero, ErrOpen
	}
	v, err := fn()
	c.RecordResult(err == nil || (failure != nil && !failure(err)))
	return v, err
}

// BreakerSet lazily keeps one breaker per key, e.g. per destination node.
type BreakerSet[K comparable] struct {
	mu  sync.Mutex
	cfg BreakerConfig
	m   map[K]*CircuitBreaker
}

func NewBreakerSet[K comparable](cfg BreakerConfig) *BreakerSet[K] {
	return &BreakerSet[K]{cfg: cfg, m: make(map[K]*CircuitBreaker)}
}

// Get returns the breaker for key, creating it closed.
func (s *BreakerSet[K]) Get(key K) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.m[key]
	if !ok {
		cb = NewCircuitBreaker(s.cfg)
		s.m[key] = cb
	}
	return cb
}

// slidingWindow keeps success/failure counts in time buckets; stale buckets are ignored.
type slidingWindow struct {
	interval time.Duration
	data     []bucket
	nowFn    func() time.Time
}

type bucket struct {
	epoch         int64
	success, fail int
}

func newSlidingWindow(size time.Duration, buckets int, now func() time.Time) *slidingWindow {
	interval := size / time.Duration(buckets)
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &slidingWindow{interval: interval, data: make([]bucket, buckets), nowFn: now}
}

func (w *slidingWindow) add(success bool) {
	epoch := w.nowFn().UnixNano() / w.interval.Nanoseconds()
	b := &w.data[int(epoch%int64(len(w.data)))]
	if b.epoch != epoch {
		*b = bucket{epoch: epoch}
	}
	if success {
		b.success++
	} else {
		b.fail++
	}
}

func (w *slidingWindow) stats() (total int, failures int) {
	oldest := w.nowFn().UnixNano()/w.interval.Nanoseconds() - int64(len(w.data)) + 1
	for _, b := range w.data {
		if b.epoch < oldest {
			continue
		}
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
