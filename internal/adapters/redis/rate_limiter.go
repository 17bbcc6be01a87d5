// Package redis provides Redis-backed adapters.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/placement-fulfillment/internal/core"
)

// RateLimiter is a fixed window limiter shared by every process that uses
// the same Redis and key prefix.
type RateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

var _ core.RateLimiter = (*RateLimiter)(nil)

// RateLimiterOptions configures NewRateLimiter.
type RateLimiterOptions struct {
	Client    redis.UniversalClient
	PerSecond float64
	Prefix    string // defaults to "ratelimit:"
	Now       func() time.Time
}

// NewRateLimiter builds a limiter allowing PerSecond executions per key. Rates
// below one per second become one execution per 1/PerSecond window.
func NewRateLimiter(opts RateLimiterOptions) (*RateLimiter, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.PerSecond <= 0 {
		return nil, errors.New("rate must be positive")
	}
	r := &RateLimiter{
		client: opts.Client,
		prefix: opts.Prefix,
		limit:  int64(math.Ceil(opts.PerSecond)),
		window: time.Second,
		now:    opts.Now,
	}
	if opts.PerSecond < 1 {
		r.limit = 1
		r.window = time.Duration(float64(time.Second) / opts.PerSecond)
	}
	if r.prefix == "" {
		r.prefix = "ratelimit:"
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Wait takes a slot in the current window of key, sleeping into the next
// window while the current one is full.
func (r *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		ok, retryIn, err := r.take(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		t := time.NewTimer(retryIn)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (r *RateLimiter) take(ctx context.Context, key string) (bool, time.Duration, error) {
	now := r.now()
	slot := now.UnixMilli() / r.window.Milliseconds()
	windowKey := r.prefix + key + ":" + strconv.FormatInt(slot, 10)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, 2*r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("redis rate limit %s: %w", key, err)
	}
	if incr.Val() <= r.limit {
		return true, 0, nil
	}
	next := time.UnixMilli((slot + 1) * r.window.Milliseconds())
	return false, max(next.Sub(now), time.Millisecond), nil
}
