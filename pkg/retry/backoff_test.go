package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		Jitter:          false,
		MaxRetries:      maxRetries,
	}
}

func TestExponentialBackoffGrowth(t *testing.T) {
	cfg := BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Jitter:          false,
	}
	backoff := ExponentialBackoff(cfg)

	assert.Equal(t, time.Second, backoff(1))
	assert.Equal(t, 2*time.Second, backoff(2))
	assert.Equal(t, 4*time.Second, backoff(3))
	assert.Equal(t, 8*time.Second, backoff(4))
	// Capped at MaxInterval from here on.
	assert.Equal(t, 10*time.Second, backoff(5))
	assert.Equal(t, 10*time.Second, backoff(10))
}

func TestExponentialBackoffJitterBounds(t *testing.T) {
	cfg := BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
	backoff := ExponentialBackoff(cfg)

	for i := 0; i < 100; i++ {
		d := backoff(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
	}
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastConfig(5))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	calls := 0
	sentinel := errors.New("still down")
	err := WithRetry(context.Background(), func() error {
		calls++
		return sentinel
	}, fastConfig(3))

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, calls) // initial attempt + 3 retries
}

func TestWithRetryStopHaltsImmediately(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent")
	err := WithRetry(context.Background(), func() error {
		calls++
		return Stop(permanent)
	}, fastConfig(5))

	require.Error(t, err)
	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := WithRetry(ctx, func() error {
		calls++
		return errors.New("transient")
	}, fastConfig(5))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsStopError(t *testing.T) {
	assert.True(t, IsStopError(Stop(errors.New("x"))))
	assert.False(t, IsStopError(errors.New("x")))
	assert.True(t, IsStopError(Stop(errors.New("wrapped"))))
}
