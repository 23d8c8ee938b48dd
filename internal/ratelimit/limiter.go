// Package ratelimit paces outbound calls to capacity-constrained
// resources using a sliding time window.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Config configures a sliding-window limiter.
type Config struct {
	// MaxRequests is the admission ceiling per window.
	MaxRequests int

	// Window is the sliding window length.
	Window time.Duration

	// Enabled false turns every call into an immediate-admit no-op.
	Enabled bool
}

// SlidingWindowLimiter admits at most MaxRequests calls within any
// sliding Window interval. Admission order is FIFO with respect to the
// eviction of expired entries; concurrent callers serialize through the
// evict-check-admit critical section.
type SlidingWindowLimiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	enabled     bool

	// admissions holds the timestamps of recent admitted calls in
	// admission order. Entries older than now-window are evicted before
	// every decision.
	admissions []time.Time

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewSlidingWindowLimiter creates a limiter with the given configuration.
func NewSlidingWindowLimiter(cfg Config) *SlidingWindowLimiter {
	if cfg.MaxRequests < 1 {
		cfg.MaxRequests = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return &SlidingWindowLimiter{
		maxRequests: cfg.MaxRequests,
		window:      cfg.Window,
		enabled:     cfg.Enabled,
		admissions:  make([]time.Time, 0, cfg.MaxRequests),
		now:         time.Now,
	}
}

// evictLocked drops admissions older than now-window. Callers must hold mu.
func (l *SlidingWindowLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.admissions) && !l.admissions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.admissions = append(l.admissions[:0], l.admissions[i:]...)
	}
}

// Acquire blocks until the calling operation is admitted under the
// window, or until ctx is done. After any wait the window state is
// re-evaluated from scratch, since other callers may have raced in.
func (l *SlidingWindowLimiter) Acquire(ctx context.Context) error {
	if !l.enabled {
		return nil
	}

	for {
		l.mu.Lock()
		now := l.now()
		l.evictLocked(now)

		if len(l.admissions) < l.maxRequests {
			l.admissions = append(l.admissions, now)
			l.mu.Unlock()
			return nil
		}

		wait := l.admissions[0].Add(l.window).Sub(now)
		if wait <= 0 {
			// The window already rolled past the oldest entry.
			l.admissions = append(l.admissions[:0], l.admissions[1:]...)
			l.admissions = append(l.admissions, now)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}

// AvailableSlots returns the count of immediately grantable slots
// without consuming one. Disabled limiters report unbounded availability.
func (l *SlidingWindowLimiter) AvailableSlots() int {
	if !l.enabled {
		return math.MaxInt
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(l.now())
	return l.maxRequests - len(l.admissions)
}

// TimeUntilNextSlot returns how long until a slot could become available,
// or zero if one is free now.
func (l *SlidingWindowLimiter) TimeUntilNextSlot() time.Duration {
	if !l.enabled {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.evictLocked(now)

	if len(l.admissions) < l.maxRequests {
		return 0
	}
	wait := l.admissions[0].Add(l.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Reset clears all window state. Administrative and test use.
func (l *SlidingWindowLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.admissions = l.admissions[:0]
}
