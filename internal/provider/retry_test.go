// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package provider_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kernitus/neoai.nvim-sub001/internal/provider"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) provider.RetryPolicy {
	return provider.RetryPolicy{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond,
		BackoffMultiplier: 2}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retried []int
	policy := fastPolicy(3)
	policy.OnRetry = func(_ error, attempt int, _ time.Duration) { retried = append(retried, attempt) }

	got, err := provider.Retry(context.Background(), policy, nil, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", neoerr.New(neoerr.CodeProviderUpstreamFailure, "503")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetry_GivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	_, err := provider.Retry(context.Background(), fastPolicy(2), nil, func(context.Context) (int, error) {
		calls++
		return 0, neoerr.New(neoerr.CodeProviderUpstreamFailure, "down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_DoesNotRetryInvalidInput(t *testing.T) {
	calls := 0
	_, err := provider.Retry(context.Background(), fastPolicy(5), nil, func(context.Context) (int, error) {
		calls++
		return 0, neoerr.New(neoerr.CodeProviderInvalidModelRef, "bad ref")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := provider.RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour}
	_, err := provider.Retry(ctx, policy, func(error) bool { return true }, func(context.Context) (int, error) {
		cancel()
		return 0, errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicy_DelayIsCapped(t *testing.T) {
	p := provider.RetryPolicy{BaseDelay: time.Second, MaxDelay: 3 * time.Second, BackoffMultiplier: 2}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 3*time.Second, p.Delay(5))

	p.Jitter = true
	for range 20 {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, 1500*time.Millisecond)
	}
}
