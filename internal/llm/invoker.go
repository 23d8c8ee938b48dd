package llm

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/kestrel-ci/kestrel/internal/ratelimit"
	"github.com/kestrel-ci/kestrel/internal/retry"
)

// ResilientInvoker composes rate admission and classification-aware
// retry around a single provider. Every attempt, including retries,
// individually acquires an admission slot; a retried call is not exempt
// from pacing.
type ResilientInvoker struct {
	provider Provider
	limiter  *ratelimit.SlidingWindowLimiter
	coord    *retry.Coordinator
	logger   *slog.Logger

	// healthy is advisory: set false after catastrophic failure classes,
	// true again after any subsequent success. Read by health-check
	// consumers; never enforced as a circuit breaker.
	healthy atomic.Bool
}

// NewResilientInvoker wraps provider with the given limiter and retry
// coordinator.
func NewResilientInvoker(
	provider Provider,
	limiter *ratelimit.SlidingWindowLimiter,
	coord *retry.Coordinator,
	logger *slog.Logger,
) *ResilientInvoker {
	inv := &ResilientInvoker{
		provider: provider,
		limiter:  limiter,
		coord:    coord,
		logger:   logger,
	}
	inv.healthy.Store(true)
	return inv
}

// Provider returns the wrapped provider.
func (i *ResilientInvoker) Provider() Provider {
	return i.provider
}

// Healthy reports the advisory provider health flag.
func (i *ResilientInvoker) Healthy() bool {
	return i.healthy.Load()
}

// recordOutcome updates the advisory health flag from one attempt result.
func (i *ResilientInvoker) recordOutcome(err error) {
	if err == nil {
		i.healthy.Store(true)
		return
	}
	if retry.KindOf(err) == retry.KindAuthentication {
		i.logger.Error("provider marked unhealthy after authentication failure",
			"provider", i.provider.Name(),
			"error", err)
		i.healthy.Store(false)
	}
}

// CreateCompletion performs a rate-admitted, retried completion call.
func (i *ResilientInvoker) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var resp *CompletionResponse
	err := i.coord.Execute(ctx, func(ctx context.Context) error {
		if err := i.limiter.Acquire(ctx); err != nil {
			return err
		}
		r, err := i.provider.CreateCompletion(ctx, req)
		i.recordOutcome(err)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateStreamingCompletion starts a rate-admitted, retried streaming
// completion. Retry applies only to establishing the stream; once chunks
// flow, a mid-stream failure terminates the sequence via its error chunk.
func (i *ResilientInvoker) CreateStreamingCompletion(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	var stream <-chan StreamChunk
	err := i.coord.Execute(ctx, func(ctx context.Context) error {
		if err := i.limiter.Acquire(ctx); err != nil {
			return err
		}
		s, err := i.provider.CreateStreamingCompletion(ctx, req)
		i.recordOutcome(err)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// HealthCheck probes the provider once, rate-admitted but not retried,
// and updates the advisory flag.
func (i *ResilientInvoker) HealthCheck(ctx context.Context) error {
	if err := i.limiter.Acquire(ctx); err != nil {
		return err
	}
	err := i.provider.HealthCheck(ctx)
	if err == nil {
		i.healthy.Store(true)
	} else {
		i.healthy.Store(false)
	}
	return err
}
