package graph

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"
)

// RetryCondition classifies whether an error is retryable.
type RetryCondition interface {
	Match(err error) bool
}

// RetryConditionFunc adapts a plain function to RetryCondition.
type RetryConditionFunc func(error) bool

// Match calls f(err).
func (f RetryConditionFunc) Match(err error) bool { return f(err) }

// RetryPolicy bounds re-execution of a node's step function. Attempts count
// the first try: MaxAttempts=3 means one initial try plus up to two retries.
// Errors not matched by any condition in RetryOn fail the task immediately.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
	Jitter          bool
	RetryOn         []RetryCondition
}

// NextDelay returns the backoff delay applied after the given attempt.
// attempt starts at 1 for the first try.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	delay := float64(p.InitialInterval)
	if attempt > 1 {
		delay *= math.Pow(factor, float64(attempt-1))
	}
	maxInterval := p.MaxInterval
	if maxInterval <= 0 {
		maxInterval = p.InitialInterval
	}
	if maxInterval > 0 {
		delay = math.Min(delay, float64(maxInterval))
	}
	d := time.Duration(delay)
	if p.Jitter && d > 0 {
		d += time.Duration(rand.Int63n(int64(d)))
	}
	if d < 0 {
		d = 0
	}
	return d
}

// ShouldRetry reports whether err matches any of the policy's conditions.
func (p RetryPolicy) ShouldRetry(err error) bool {
	for _, cond := range p.RetryOn {
		if cond != nil && cond.Match(err) {
			return true
		}
	}
	return false
}

// RetryOnErrors builds a condition matching errors.Is against any target.
func RetryOnErrors(targets ...error) RetryCondition {
	return RetryConditionFunc(func(err error) bool {
		for _, t := range targets {
			if t != nil && errors.Is(err, t) {
				return true
			}
		}
		return false
	})
}

// RetryOnPredicate builds a condition from a plain predicate.
func RetryOnPredicate(match func(error) bool) RetryCondition {
	return RetryConditionFunc(match)
}

// DefaultTransientCondition matches errors commonly worth retrying:
// context.DeadlineExceeded and net.Error timeouts.
func DefaultTransientCondition() RetryCondition {
	return RetryConditionFunc(func(err error) bool {
		if err == nil {
			return false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		return errors.As(err, &ne) && ne.Timeout()
	})
}

// WithSimpleRetry builds a basic policy: the given number of attempts with
// exponential backoff and jitter, retrying on transient errors.
func WithSimpleRetry(attempts int) RetryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: 500 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     8 * time.Second,
		Jitter:          true,
		RetryOn:         []RetryCondition{DefaultTransientCondition()},
	}
}
