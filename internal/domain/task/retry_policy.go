package task

import "time"

// DefaultRetryDelay is the countdown before a failed task is redelivered.
const DefaultRetryDelay = 60 * time.Second

// RetryPolicy decides whether and when a failed delivery is retried. A task
// with max_retries N is delivered at most N+1 times.
type RetryPolicy struct {
	BaseDelay time.Duration
	// MaxDelay caps the delay when Multiplier grows it; zero means uncapped.
	MaxDelay   time.Duration
	Multiplier float64
}

// RetryDecision is the outcome of RetryPolicy.Next.
type RetryDecision struct {
	Retry      bool
	Delay      time.Duration
	NextCount  int
	Exhausted  bool
	MaxRetries int
}

// NewRetryPolicy returns a fixed delay policy.
func NewRetryPolicy(base time.Duration) RetryPolicy {
	if base <= 0 {
		base = DefaultRetryDelay
	}
	return RetryPolicy{BaseDelay: base, Multiplier: 1}
}

// Next evaluates a failure of a delivery that has already been retried
// retryCount times.
func (p RetryPolicy) Next(retryCount, maxRetries int) RetryDecision {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	d := RetryDecision{MaxRetries: maxRetries}
	if retryCount >= maxRetries {
		d.Exhausted = true
		d.NextCount = maxRetries
		return d
	}
	d.Retry = true
	d.NextCount = retryCount + 1
	d.Delay = p.delay(retryCount)
	return d
}

func (p RetryPolicy) delay(retryCount int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryDelay
	}
	if p.Multiplier <= 1 {
		return base
	}
	d := float64(base)
	for range retryCount {
		d *= p.Multiplier
		if p.MaxDelay > 0 && time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}
