// Package retry provides classification-aware retry with exponential
// backoff and jitter for asynchronous operations.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Operation is a single attemptable unit of work. Callers capture any
// result value in the closure.
type Operation func(ctx context.Context) error

// Policy is the immutable retry configuration. Construct once at
// provider/queue construction time; never mutate afterwards.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// BackoffMultiplier grows the delay between consecutive attempts.
	BackoffMultiplier float64

	// MaxBackoff caps the computed delay before jitter.
	MaxBackoff time.Duration

	// JitterFactor perturbs the delay symmetrically by up to this
	// fraction. Must be within [0, 1].
	JitterFactor float64

	// RetryableKinds is the set of error kinds retried when the error
	// carries no explicit retryable flag.
	RetryableKinds map[ErrorKind]struct{}
}

// DefaultRetryableKinds returns the kinds retried by default. Bad
// credentials and malformed requests will not self-heal, so
// authentication and invalid-request failures are never in this set.
func DefaultRetryableKinds() map[ErrorKind]struct{} {
	return map[ErrorKind]struct{}{
		KindRateLimit:    {},
		KindServerError:  {},
		KindNetworkError: {},
		KindTimeout:      {},
	}
}

// Observer receives a notification per failed attempt before the backoff
// sleep. Implementations must not block.
type Observer func(attempt int, delay time.Duration, err error)

// Coordinator wraps operations with policy-driven retry. Per-attempt
// state is caller-local, so one Coordinator may be shared by any number
// of concurrent callers.
type Coordinator struct {
	policy   Policy
	logger   *slog.Logger
	observer Observer
	rng      *rand.Rand

	// sleep is swappable for deterministic tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a Coordinator with the given policy.
func NewCoordinator(policy Policy, logger *slog.Logger) *Coordinator {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.RetryableKinds == nil {
		policy.RetryableKinds = DefaultRetryableKinds()
	}
	return &Coordinator{
		policy: policy,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepCtx,
	}
}

// SetObserver registers a per-attempt observer.
func (c *Coordinator) SetObserver(obs Observer) {
	c.observer = obs
}

// Execute runs op until it succeeds, fails with a non-retryable error,
// or attempts are exhausted. The operation's own final error is returned
// unwrapped so callers can classify it themselves.
func (c *Coordinator) Execute(ctx context.Context, op Operation) error {
	var lastErr error

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("operation succeeded after retry",
					"attempt", attempt,
					"max_attempts", c.policy.MaxAttempts)
			}
			return nil
		}
		lastErr = err

		if !isRetryable(err, c.policy) {
			c.logger.Warn("non-retryable error, not retrying",
				"attempt", attempt,
				"error_kind", string(KindOf(err)),
				"error", err)
			return err
		}

		if attempt == c.policy.MaxAttempts {
			c.logger.Warn("retry attempts exhausted",
				"max_attempts", c.policy.MaxAttempts,
				"error", err)
			return err
		}

		delay := c.backoffDelay(attempt)
		c.logger.Info("retrying after backoff",
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"delay_ms", delay.Milliseconds(),
			"error_kind", string(KindOf(err)),
			"error", err)
		if c.observer != nil {
			c.observer(attempt, delay, err)
		}

		if err := c.sleep(ctx, delay); err != nil {
			// Context cancelled mid-backoff; surface the last failure.
			return lastErr
		}
	}

	return lastErr
}

// backoffDelay computes the jittered delay after the given attempt
// (1-based). Base delay is min(initial * multiplier^(attempt-1), max);
// jitter perturbs it by up to ±JitterFactor, floored at zero and rounded
// to whole milliseconds.
func (c *Coordinator) backoffDelay(attempt int) time.Duration {
	base := float64(c.policy.InitialBackoff) * math.Pow(c.policy.BackoffMultiplier, float64(attempt-1))
	if max := float64(c.policy.MaxBackoff); c.policy.MaxBackoff > 0 && base > max {
		base = max
	}

	if c.policy.JitterFactor > 0 {
		// U(-1, 1) scaled by the jitter factor.
		jitter := (c.rng.Float64()*2 - 1) * c.policy.JitterFactor
		base += base * jitter
	}
	if base < 0 {
		base = 0
	}

	ms := math.Round(base / float64(time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

// sleepCtx blocks for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
