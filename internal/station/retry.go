package station

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryPolicy decides whether a disconnection is followed by another
// connect attempt. The supervisor owns the retry counter; the policy
// only maps it to a verdict and a delay, so pacing can change without
// touching event handling.
type RetryPolicy interface {
	// Next reports whether another attempt is allowed after retries
	// retries have already been spent, and how long to wait first.
	Next(retries int) (delay time.Duration, ok bool)
}

// FixedBudget retries immediately until Max retries have been spent.
type FixedBudget struct {
	Max int
}

// Next implements [RetryPolicy].
func (p FixedBudget) Next(retries int) (time.Duration, bool) {
	return 0, retries < p.Max
}

// Backoff retries with exponentially growing delays (2s, 4s, 8s, ...
// capped at MaxDelay) until MaxRetries retries have been spent.
type Backoff struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the retry budget. Zero means no retries.
	MaxRetries int

	// Jitter subtracts up to this fraction of the delay at random, so
	// a fleet of devices does not retry in lockstep. 0 disables it.
	Jitter float64
}

// DefaultBackoff returns the 2s, 4s, 8s, ... 60s schedule with a
// budget of ten retries and 20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		Jitter:       0.2,
	}
}

// Next implements [RetryPolicy].
func (b Backoff) Next(retries int) (time.Duration, bool) {
	if retries >= b.MaxRetries {
		return 0, false
	}

	defaults := DefaultBackoff()
	initial, ceiling, mult := b.InitialDelay, b.MaxDelay, b.Multiplier
	if initial <= 0 {
		initial = defaults.InitialDelay
	}
	if ceiling <= 0 {
		ceiling = defaults.MaxDelay
	}
	if mult <= 0 {
		mult = defaults.Multiplier
	}

	delay := initial
	for range retries {
		delay = time.Duration(float64(delay) * mult)
		if delay >= ceiling {
			delay = ceiling
			break
		}
	}

	if b.Jitter > 0 {
		delay -= time.Duration(rand.Float64() * b.Jitter * float64(delay))
	}
	return delay, true
}

// NewRetryPolicy builds the policy named by the station.backoff config
// value with a budget of maxRetries.
func NewRetryPolicy(kind string, maxRetries int) (RetryPolicy, error) {
	switch kind {
	case "", "none":
		return FixedBudget{Max: maxRetries}, nil
	case "exponential":
		b := DefaultBackoff()
		b.MaxRetries = maxRetries
		return b, nil
	default:
		return nil, fmt.Errorf("unknown retry policy %q", kind)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
