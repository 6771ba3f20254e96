// Package ratelimit provides the shared token bucket that bounds the global
// submission rate across all workers of a run.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	// DefaultInterval is the refill period used when none is configured.
	DefaultInterval = 100 * time.Millisecond
	// DefaultPollInterval is how often a blocked Acquire re-checks the bucket.
	DefaultPollInterval = time.Millisecond
)

// Config configures a TokenBucket.
type Config struct {
	Rate            float64       // Target operations per second; <= 0 disables limiting
	BurstMultiplier float64       // Capacity = ceil(Rate * BurstMultiplier)
	Interval        time.Duration // Refill period (default: 100ms)
	PollInterval    time.Duration // Acquire poll period (default: 1ms)
}

// TokenBucket is a mutex-protected token bucket shared by every worker.
//
// Tokens start at capacity. Every interval the bucket gains
// max(1, floor(rate * interval)) tokens, capped at capacity, so very low
// rates are never throttled below one operation per interval.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   int
	capacity int
	refill   int

	rate     float64
	interval time.Duration
	poll     time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a TokenBucket. The refill loop is not running until Start is called.
func New(cfg Config) *TokenBucket {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	b := &TokenBucket{
		rate:     cfg.Rate,
		interval: interval,
		poll:     poll,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if cfg.Rate > 0 {
		burst := cfg.BurstMultiplier
		if burst <= 0 {
			burst = 1
		}
		b.capacity = max(1, int(math.Ceil(cfg.Rate*burst)))
		b.refill = RefillAmount(cfg.Rate, interval)
		b.tokens = b.capacity
	}
	return b
}

// RefillAmount returns the number of tokens added per interval for rate.
func RefillAmount(rate float64, interval time.Duration) int {
	if rate <= 0 {
		return 0
	}
	return max(1, int(math.Floor(rate*float64(interval.Milliseconds())/1000)))
}

// Unlimited reports whether the bucket was configured without a target rate.
func (b *TokenBucket) Unlimited() bool {
	return b.rate <= 0
}

// Start launches the periodic refill. It is a no-op in unlimited mode.
func (b *TokenBucket) Start() {
	if b.Unlimited() {
		return
	}
	b.startOnce.Do(func() {
		go b.refillLoop()
	})
}

// Stop halts the refill loop. Safe to call more than once and without Start.
func (b *TokenBucket) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
}

func (b *TokenBucket) refillLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.addTokens(b.refill)
		}
	}
}

func (b *TokenBucket) addTokens(n int) {
	b.mu.Lock()
	b.tokens = min(b.capacity, b.tokens+n)
	b.mu.Unlock()
}

// TryAcquire takes a token if one is available.
func (b *TokenBucket) TryAcquire() bool {
	if b.Unlimited() {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Acquire polls until a token is taken, the deadline passes, or ctx is done.
// A zero deadline waits for as long as ctx allows. Unlimited buckets return
// true immediately.
func (b *TokenBucket) Acquire(ctx context.Context, deadline time.Time) bool {
	if b.Unlimited() {
		return true
	}

	for {
		if b.TryAcquire() {
			return true
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false
		}

		timer := time.NewTimer(b.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// Tokens returns the current token count.
func (b *TokenBucket) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the bucket capacity (0 when unlimited).
func (b *TokenBucket) Capacity() int {
	return b.capacity
}

// Refill returns the number of tokens added per interval.
func (b *TokenBucket) Refill() int {
	return b.refill
}

// Interval returns the refill period.
func (b *TokenBucket) Interval() time.Duration {
	return b.interval
}

// Rate returns the configured target rate.
func (b *TokenBucket) Rate() float64 {
	return b.rate
}
