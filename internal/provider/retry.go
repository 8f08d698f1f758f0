// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package provider

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// RetryPolicy configures retries of model invocations with exponential
// backoff.
type RetryPolicy struct {
	MaxRetries        int // retry attempts, not counting the initial call
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the policy used when configuration is silent.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// Delay calculates the delay before retry attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 {
		delay = math.Min(delay, float64(p.MaxDelay))
	}
	if p.Jitter {
		// +/- 50%
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}

// IsRetryable reports whether a model failure is worth another attempt.
// Caller cancellation and malformed requests are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if neoerr.IsInvalidInput(err) || neoerr.IsNotFound(err) {
		return false
	}
	return true
}

// Retry runs fn, retrying failures accepted by retryable according to policy.
// A nil retryable uses IsRetryable.
func Retry[T any](ctx context.Context, policy RetryPolicy, retryable func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	if retryable == nil {
		retryable = IsRetryable
	}

	var zero T
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}

	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		if !retryable(err) {
			return zero, err
		}

		delay := policy.Delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
	}

	return zero, err
}
