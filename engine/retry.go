// ABOUTME: Retry policy and backoff delay calculation for node dispatch.
// ABOUTME: Builds a per-node policy from the node's retryOnFail, maxRetries, retryDelay, and retryBackoff settings.
package engine

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/2389-research/flowline/workflow"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	maxRetryDelay     = 5 * time.Minute
)

// RetryPolicy controls how many times a node execution is attempted.
type RetryPolicy struct {
	MaxAttempts int // minimum 1 (1 = no retries)
	Backoff     BackoffConfig
	ShouldRetry func(error) bool
}

// BackoffConfig controls delay timing between retry attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DelayForAttempt calculates the delay for a given attempt number (0-indexed):
// InitialDelay * Factor^attempt, capped at MaxDelay. With Jitter the delay is
// randomized in [delay/2, delay].
func (b BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	factor := b.Factor
	if factor <= 0 {
		factor = 1
	}
	baseNanos := float64(b.InitialDelay.Nanoseconds()) * math.Pow(factor, float64(attempt))
	if b.MaxDelay > 0 {
		baseNanos = math.Min(baseNanos, float64(b.MaxDelay.Nanoseconds()))
	}
	if b.Jitter {
		baseNanos = baseNanos/2 + rand.Float64()*baseNanos/2
	}
	return time.Duration(int64(baseNanos))
}

// RetryPolicyNone is a single attempt.
func RetryPolicyNone() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, ShouldRetry: DefaultShouldRetry}
}

// DefaultShouldRetry retries every failure except iteration limit errors.
func DefaultShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if nodeErr, ok := err.(*NodeExecutionError); ok {
		return nodeErr.Retryable()
	}
	return true
}

// retryPolicyFor builds the policy for a node from its settings.
func retryPolicyFor(s workflow.Settings) RetryPolicy {
	if !s.RetryOnFail {
		return RetryPolicyNone()
	}
	retries := s.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	delay := s.RetryDelay.Std()
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	factor := s.RetryBackoff
	if factor <= 0 {
		factor = 1
	}
	return RetryPolicy{
		MaxAttempts: retries + 1,
		Backoff: BackoffConfig{
			InitialDelay: delay,
			Factor:       factor,
			MaxDelay:     maxRetryDelay,
			Jitter:       factor > 1,
		},
		ShouldRetry: DefaultShouldRetry,
	}
}

// sleepWithContext waits for d or until ctx is done. It reports whether the
// full delay elapsed.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
