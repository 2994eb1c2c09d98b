// Package retrylimit provides an adaptive rate limiter and a retry loop for
// HTTP clients talking to a single upstream. The limit creeps up while calls
// succeed and is cut on errors, so a struggling media service is not hammered.
//
//	lim := retrylimit.NewAdaptiveLimiter(5, 1, 20)
//	err := retrylimit.WithRetry(ctx, lim, func() error { return callService() })
package retrylimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AdaptiveLimiter wraps rate.Limiter with success/failure feedback.
// Thread-safe.
type AdaptiveLimiter struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	minLimit  rate.Limit
	maxLimit  rate.Limit
	lastError time.Time
}

// NewAdaptiveLimiter starts at initial requests/second, bounded by [min, max].
func NewAdaptiveLimiter(initial, min, max rate.Limit) *AdaptiveLimiter {
	if initial < min {
		initial = min
	}
	return &AdaptiveLimiter{
		limiter:  rate.NewLimiter(initial, maxInt(1, int(initial))),
		minLimit: min,
		maxLimit: max,
	}
}

// Wait blocks until a token is available or ctx is done.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// Success nudges the rate up, provided errors have been quiet for a while.
func (a *AdaptiveLimiter) Success() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if time.Since(a.lastError) > 10*time.Second {
		a.setLimit(a.limiter.Limit() + 1)
	}
}

// Failure halves the rate.
func (a *AdaptiveLimiter) Failure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastError = time.Now()
	a.setLimit(a.limiter.Limit() / 2)
}

// CurrentLimit returns the current requests per second.
func (a *AdaptiveLimiter) CurrentLimit() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return float64(a.limiter.Limit())
}

func (a *AdaptiveLimiter) setLimit(l rate.Limit) {
	if l > a.maxLimit {
		l = a.maxLimit
	}
	if l < a.minLimit {
		l = a.minLimit
	}
	if l != a.limiter.Limit() {
		a.limiter.SetLimit(l)
		a.limiter.SetBurst(maxInt(1, int(l)))
	}
}

// StatusError is an error carrying an HTTP status code, so the retry loop can
// tell rate limiting (429) and server trouble (5xx) from plain failures.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Code, e.Body)
}

// Fatal wraps an error that must not be retried.
type Fatal struct {
	Err error
}

func (f *Fatal) Error() string { return f.Err.Error() }
func (f *Fatal) Unwrap() error { return f.Err }

const (
	maxAttempts  = 4
	initialDelay = 500 * time.Millisecond
	maxDelay     = 8 * time.Second
)

// WithRetry runs fn under the limiter with exponential backoff and jitter.
// A *Fatal error stops immediately; context cancellation always wins.
func WithRetry(ctx context.Context, lim *AdaptiveLimiter, fn func() error) error {
	delay := initialDelay
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}

		lastErr = fn()
		if lastErr == nil {
			if lim != nil {
				lim.Success()
			}
			return nil
		}

		var fatal *Fatal
		if errors.As(lastErr, &fatal) {
			return fatal.Err
		}

		if lim != nil && shouldThrottle(lastErr) {
			lim.Failure()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(addJitter(delay)):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", maxAttempts, lastErr)
}

// shouldThrottle reports whether the error indicates upstream pressure.
func shouldThrottle(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || (se.Code >= 500 && se.Code < 600)
	}
	return true // network-level failures also back off
}

// addJitter spreads retries by up to 25% of the delay.
func addJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(int64(delay/4)))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
