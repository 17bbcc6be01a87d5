// Package task holds the delivery rules shared by every task broker: how long a
// worker may hold a task, when a failed task is redelivered, and how idle
// workers are woken.
package task

import (
	"errors"
	"math"
	"strings"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// LeaseSource identifies how a lease duration was resolved.
type LeaseSource string

const (
	LeaseSourceExplicit LeaseSource = "explicit"
	LeaseSourceQueue    LeaseSource = "queue"
	LeaseSourceDefault  LeaseSource = "default"
	LeaseSourceClamped  LeaseSource = "clamped"
)

// LeasePolicy resolves how long a reserved task stays invisible to other
// workers. A lease must outlive the slowest handler on its queue, otherwise an
// in-flight task is redelivered.
type LeasePolicy struct {
	defaultLease time.Duration
	perQueue     map[string]time.Duration
}

// NewLeasePolicy constructs a LeasePolicy. perQueue overrides the default for
// named queues; non-positive overrides are ignored.
func NewLeasePolicy(defaultLease time.Duration, perQueue map[string]time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	p := &LeasePolicy{defaultLease: defaultLease, perQueue: make(map[string]time.Duration, len(perQueue))}
	for q, d := range perQueue {
		if d > 0 {
			p.perQueue[strings.TrimSpace(q)] = d
		}
	}
	return p, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// LeaseDecision captures the outcome of resolving a lease request.
type LeaseDecision struct {
	Seconds   int
	Source    LeaseSource
	Requested time.Duration
}

// Duration returns the decided lease as a time.Duration.
func (d LeaseDecision) Duration() time.Duration {
	return time.Duration(d.Seconds) * time.Second
}

// Clamped reports whether the requested value was clamped to the minimum supported duration.
func (d LeaseDecision) Clamped() bool {
	return d.Source == LeaseSourceClamped
}

// Resolve normalises the lease for a queue to a whole number of seconds.
// An explicit positive request wins, then the queue override, then the default.
func (p *LeasePolicy) Resolve(queue string, request time.Duration) LeaseDecision {
	decision := LeaseDecision{Requested: request}
	if p == nil {
		decision.Source = LeaseSourceDefault
		return decision
	}

	switch {
	case request > 0:
		seconds, clamped := durationToSeconds(request)
		decision.Seconds = seconds
		decision.Source = LeaseSourceExplicit
		if clamped {
			decision.Source = LeaseSourceClamped
		}
	case request < 0:
		decision.Seconds = 1
		decision.Source = LeaseSourceClamped
	default:
		if d, ok := p.perQueue[queue]; ok {
			decision.Seconds, _ = durationToSeconds(d)
			decision.Source = LeaseSourceQueue
			return decision
		}
		decision.Seconds, _ = durationToSeconds(p.defaultLease)
		decision.Source = LeaseSourceDefault
	}
	return decision
}

func durationToSeconds(d time.Duration) (int, bool) {
	seconds := int64(d / time.Second)
	clamped := false

	if seconds <= 0 {
		seconds = 1
		clamped = true
	}

	if seconds > int64(math.MaxInt32) {
		seconds = int64(math.MaxInt32)
		clamped = true
	}

	return int(seconds), clamped
}
