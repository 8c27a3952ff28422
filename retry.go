package activitysync

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for auxiliary I/O such as archive
// uploads. Delivery retries of records themselves go through the scheduler's
// failure backoff instead, so a crash never loses attempt state.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration

	// Jitter adds randomness to backoff, between 0 and 1 (0.1 = ±10%).
	Jitter float64

	// RetryIf determines if an error should be retried. If nil, transient
	// transport errors and unknown errors are retried.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns a retry configuration with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Jitter:         0.1,
	}
}

// Retryer performs operations with automatic retry on failure.
type Retryer struct {
	config RetryConfig
}

// NewRetryer creates a new retryer with the given configuration.
func NewRetryer(config RetryConfig) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = 0.1
	}
	return &Retryer{config: config}
}

// Do executes the operation, retrying retryable failures with jittered
// exponential backoff. Returns the last error, or ctx.Err() if the context
// ends first.
func (r *Retryer) Do(ctx context.Context, op func() error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !r.shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := computeBackoff(attempt, r.config.InitialBackoff, r.config.MaxBackoff, 2.0)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.addJitter(delay)):
		}
	}

	return lastErr
}

func (r *Retryer) shouldRetry(err error) bool {
	if r.config.RetryIf != nil {
		return r.config.RetryIf(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsAuthError(err) {
		return false
	}
	return true
}

func (r *Retryer) addJitter(d time.Duration) time.Duration {
	if r.config.Jitter == 0 {
		return d
	}
	jitterRange := float64(d) * r.config.Jitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return time.Duration(float64(d) + jitter)
}

// computeBackoff calculates the exponential delay after the given number of
// consecutive failures: min(initial * multiplier^(failures-1), max).
func computeBackoff(failures int, initial, max time.Duration, multiplier float64) time.Duration {
	if failures <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(multiplier, float64(failures-1))
	if backoff > float64(max) {
		return max
	}
	return time.Duration(backoff)
}
