// Package ratelimit provides in-process core.RateLimiter implementations.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/target/placement-fulfillment/internal/core"
)

// Local keeps one token bucket per key. Each process is limited independently.
type Local struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ core.RateLimiter = (*Local)(nil)

// NewLocal allows perSecond executions per key with a burst of one second's
// worth. A non-positive perSecond disables limiting.
func NewLocal(perSecond float64) *Local {
	l := &Local{limit: rate.Inf, burst: 1, limiters: make(map[string]*rate.Limiter)}
	if perSecond > 0 {
		l.limit = rate.Limit(perSecond)
		l.burst = max(1, int(perSecond))
	}
	return l
}

// Wait blocks until key may run once more or ctx is done.
func (l *Local) Wait(ctx context.Context, key string) error {
	return l.limiter(key).Wait(ctx)
}

func (l *Local) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim
}
