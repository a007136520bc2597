package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("temporary"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(2), func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("still down"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_NonTransientNotRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(5), func(_ context.Context) error {
		calls++
		return errors.New("malformed design")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, RetryConfig{MaxAttempts: 5, InitialBackoff: time.Second}, func(_ context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("x"), 500)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_CustomShouldRetryAndOnRetry(t *testing.T) {
	var calls int
	var retried []int
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "again" }
	cfg.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return errors.New("again")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoVal(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewTransientError(errors.New("x"), 429)
		}
		return "design-v2", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "design-v2", val)

	val, err = DoVal(context.Background(), fastRetry(1), func(_ context.Context) (string, error) {
		return "partial", errors.New("fail")
	})
	require.Error(t, err)
	assert.Empty(t, val)
}

func TestComputeBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, computeBackoff(0, cfg))
	assert.Equal(t, 200*time.Millisecond, computeBackoff(1, cfg))
	assert.Equal(t, 400*time.Millisecond, computeBackoff(2, cfg))
	assert.Equal(t, time.Second, computeBackoff(10, cfg))

	cfg.JitterFraction = 0.5
	for range 50 {
		d := computeBackoff(0, cfg)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestRetryLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		RetryLogger("fetcher", "bom.example.com")(1, errors.New("boom"))
	})
}
