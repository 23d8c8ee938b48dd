package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestCoordinator builds a coordinator whose sleeps are recorded
// instead of executed, so backoff schedules can be asserted exactly.
func newTestCoordinator(policy Policy) (*Coordinator, *[]time.Duration) {
	c := NewCoordinator(policy, testLogger())
	delays := &[]time.Duration{}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return c, delays
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	c, delays := newTestCoordinator(Policy{MaxAttempts: 3, InitialBackoff: 100 * time.Millisecond})

	attempts := 0
	err := c.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *delays)
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	c, delays := newTestCoordinator(Policy{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        time.Second,
	})

	attempts := 0
	err := c.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return NewClassifiedError(KindServerError, errors.New("upstream blew up"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)
}

func TestExecuteNonRetryableAttemptedExactlyOnce(t *testing.T) {
	c, delays := newTestCoordinator(Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond})

	cause := errors.New("bad credentials")
	attempts := 0
	err := c.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return NewClassifiedError(KindAuthentication, cause)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *delays)
}

func TestExecuteExhaustionReturnsOriginalError(t *testing.T) {
	c, _ := newTestCoordinator(Policy{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		BackoffMultiplier: 2,
	})

	cause := errors.New("still down")
	attempts := 0
	err := c.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return NewClassifiedError(KindNetworkError, cause)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindNetworkError, KindOf(err))
	assert.Equal(t, 3, attempts)
}

func TestExecuteExplicitRetryableOverridesKind(t *testing.T) {
	t.Run("retryable kind forced non-retryable", func(t *testing.T) {
		c, _ := newTestCoordinator(Policy{MaxAttempts: 4, InitialBackoff: time.Millisecond})

		attempts := 0
		err := c.Execute(context.Background(), func(ctx context.Context) error {
			attempts++
			return NewClassifiedError(KindRateLimit, errors.New("quota gone for the day")).
				WithRetryable(false)
		})

		require.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("non-retryable kind forced retryable", func(t *testing.T) {
		c, _ := newTestCoordinator(Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond})

		attempts := 0
		err := c.Execute(context.Background(), func(ctx context.Context) error {
			attempts++
			return NewClassifiedError(KindAuthentication, errors.New("token refresh pending")).
				WithRetryable(true)
		})

		require.Error(t, err)
		assert.Equal(t, 3, attempts)
	})
}

func TestExecuteTransientSubstringFallback(t *testing.T) {
	t.Run("unclassified transient text is retried", func(t *testing.T) {
		c, _ := newTestCoordinator(Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond})

		attempts := 0
		err := c.Execute(context.Background(), func(ctx context.Context) error {
			attempts++
			return errors.New("read tcp: connection reset by peer")
		})

		require.Error(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("unclassified opaque text is not retried", func(t *testing.T) {
		c, _ := newTestCoordinator(Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond})

		attempts := 0
		err := c.Execute(context.Background(), func(ctx context.Context) error {
			attempts++
			return errors.New("boom")
		})

		require.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("classified kind suppresses substring fallback", func(t *testing.T) {
		c, _ := newTestCoordinator(Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond})

		// The wrapped text mentions a timeout, but the explicit
		// invalid-request classification wins.
		attempts := 0
		err := c.Execute(context.Background(), func(ctx context.Context) error {
			attempts++
			return NewClassifiedError(KindInvalidRequest, errors.New("field timeout_ms out of range"))
		})

		require.Error(t, err)
		assert.Equal(t, 1, attempts)
	})
}

func TestExecuteContextCancelledDuringBackoff(t *testing.T) {
	c := NewCoordinator(Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Hour,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cause := errors.New("gateway timeout")
	attempts := 0

	done := make(chan error, 1)
	go func() {
		done <- c.Execute(ctx, func(ctx context.Context) error {
			attempts++
			return NewClassifiedError(KindTimeout, cause)
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 1, attempts)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after context cancellation")
	}
}

func TestExecuteObserverSeesEachFailedAttempt(t *testing.T) {
	c, _ := newTestCoordinator(Policy{
		MaxAttempts:       3,
		InitialBackoff:    50 * time.Millisecond,
		BackoffMultiplier: 2,
	})

	type observation struct {
		attempt int
		delay   time.Duration
	}
	var seen []observation
	c.SetObserver(func(attempt int, delay time.Duration, err error) {
		seen = append(seen, observation{attempt, delay})
	})

	_ = c.Execute(context.Background(), func(ctx context.Context) error {
		return NewClassifiedError(KindServerError, errors.New("unavailable"))
	})

	// The final attempt exhausts the policy without a backoff, so only
	// the first two failures are observed.
	require.Len(t, seen, 2)
	assert.Equal(t, observation{1, 50 * time.Millisecond}, seen[0])
	assert.Equal(t, observation{2, 100 * time.Millisecond}, seen[1])
}

func TestBackoffDelayFollowsExponentialSchedule(t *testing.T) {
	c := NewCoordinator(Policy{
		MaxAttempts:       6,
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        time.Second,
		JitterFactor:      0,
	}, testLogger())

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second, // capped
		time.Second, // stays capped
	}
	for attempt, want := range expected {
		assert.Equal(t, want, c.backoffDelay(attempt+1), "attempt %d", attempt+1)
	}
}

func TestBackoffDelayJitterStaysWithinBounds(t *testing.T) {
	policy := Policy{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        time.Second,
		JitterFactor:      0.5,
	}
	c := NewCoordinator(policy, testLogger())
	c.rng = rand.New(rand.NewSource(1))

	base := 100 * time.Millisecond
	lo := time.Duration(float64(base) * 0.5)
	hi := time.Duration(float64(base) * 1.5)
	for i := 0; i < 1000; i++ {
		d := c.backoffDelay(1)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}

func TestBackoffDelayNeverNegative(t *testing.T) {
	c := NewCoordinator(Policy{
		MaxAttempts:       2,
		InitialBackoff:    time.Millisecond,
		BackoffMultiplier: 2,
		JitterFactor:      1,
	}, testLogger())
	c.rng = rand.New(rand.NewSource(42))

	for i := 0; i < 1000; i++ {
		assert.GreaterOrEqual(t, c.backoffDelay(1), time.Duration(0))
	}
}

func TestClassifiedErrorFormatting(t *testing.T) {
	err := NewClassifiedError(KindRateLimit, fmt.Errorf("call failed: %w", errors.New("429")))
	assert.Equal(t, "rate_limit: call failed: 429", err.Error())
	assert.Equal(t, KindRateLimit, KindOf(err))

	bare := &ClassifiedError{Kind: KindUnknown}
	assert.Equal(t, "unknown", bare.Error())

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
