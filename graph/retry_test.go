package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelayExponentialBackoff(t *testing.T) {
	policy := RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		BackoffFactor:   2,
		MaxInterval:     time.Second,
	}

	assert.Equal(t, 100*time.Millisecond, policy.NextDelay(1))
	assert.Equal(t, 200*time.Millisecond, policy.NextDelay(2))
	assert.Equal(t, 400*time.Millisecond, policy.NextDelay(3))
	// Clamped at MaxInterval.
	assert.Equal(t, time.Second, policy.NextDelay(10))
	// Attempts below one behave like the first.
	assert.Equal(t, 100*time.Millisecond, policy.NextDelay(0))
}

func TestNextDelayJitterStaysBounded(t *testing.T) {
	policy := RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		BackoffFactor:   1,
		MaxInterval:     100 * time.Millisecond,
		Jitter:          true,
	}
	for i := 0; i < 50; i++ {
		d := policy.NextDelay(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 200*time.Millisecond)
	}
}

func TestShouldRetry(t *testing.T) {
	target := errors.New("retryable")
	policy := RetryPolicy{RetryOn: []RetryCondition{RetryOnErrors(target)}}

	assert.True(t, policy.ShouldRetry(target))
	assert.True(t, policy.ShouldRetry(fmt.Errorf("wrapped: %w", target)))
	assert.False(t, policy.ShouldRetry(errors.New("other")))
	assert.False(t, RetryPolicy{}.ShouldRetry(target), "no conditions means no retry")
}

func TestRetryOnPredicate(t *testing.T) {
	cond := RetryOnPredicate(func(err error) bool {
		return err != nil && err.Error() == "flaky"
	})
	assert.True(t, cond.Match(errors.New("flaky")))
	assert.False(t, cond.Match(errors.New("fatal")))
}

func TestDefaultTransientCondition(t *testing.T) {
	cond := DefaultTransientCondition()
	assert.True(t, cond.Match(context.DeadlineExceeded))
	assert.True(t, cond.Match(fmt.Errorf("rpc: %w", context.DeadlineExceeded)))
	assert.False(t, cond.Match(context.Canceled))
	assert.False(t, cond.Match(nil))
}

func TestWithSimpleRetry(t *testing.T) {
	policy := WithSimpleRetry(3)
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.True(t, policy.ShouldRetry(context.DeadlineExceeded))

	// Attempt counts below one are normalized.
	assert.Equal(t, 1, WithSimpleRetry(0).MaxAttempts)
}
