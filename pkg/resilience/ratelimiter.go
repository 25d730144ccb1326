package resilience

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when no token is available.
var ErrRateLimited = errors.New("rate limited")

// LimiterOpts configures a token bucket.
type LimiterOpts struct {
	// Rate is the number of tokens added per second.
	Rate float64
	// Burst is the bucket capacity.
	Burst int
}

// KeyedLimiter keeps one token bucket per key (client address, host).
type KeyedLimiter struct {
	mu       sync.Mutex
	opts     LimiterOpts
	limiters map[string]*rate.Limiter
}

// NewKeyedLimiter creates a limiter; Burst defaults to 1.
func NewKeyedLimiter(opts LimiterOpts) *KeyedLimiter {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &KeyedLimiter{opts: opts, limiters: make(map[string]*rate.Limiter)}
}

func (k *KeyedLimiter) get(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(k.opts.Rate), k.opts.Burst)
		k.limiters[key] = l
	}
	return l
}

// Allow reports whether a call for key may proceed now.
func (k *KeyedLimiter) Allow(key string) bool {
	return k.get(key).Allow()
}

// Wait blocks until a token for key is available or ctx is done.
func (k *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return k.get(key).Wait(ctx)
}

// Call executes f if a token for key is available, otherwise ErrRateLimited.
func (k *KeyedLimiter) Call(ctx context.Context, key string, f func(context.Context) error) error {
	if !k.Allow(key) {
		return ErrRateLimited
	}
	return f(ctx)
}
