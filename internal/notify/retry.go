package notify

import (
	"context"
	"fmt"
	"time"
)

// Retry defaults.
const (
	DefaultMaxAttempts   = 3
	DefaultBaseDelay     = 500 * time.Millisecond
	DefaultBackoffFactor = 2.0
	maxRetryDelay        = 30 * time.Second
)

// RetryPolicy retries an operation with exponential backoff.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   DefaultMaxAttempts,
		BaseDelay:     DefaultBaseDelay,
		BackoffFactor: DefaultBackoffFactor,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = DefaultBackoffFactor
	}
	return p
}

// Delays returns the waits between attempts, capped at 30s each.
func (p RetryPolicy) Delays() []time.Duration {
	p = p.normalized()
	delays := make([]time.Duration, 0, p.MaxAttempts-1)
	d := float64(p.BaseDelay)
	for i := 1; i < p.MaxAttempts; i++ {
		delays = append(delays, min(time.Duration(d), maxRetryDelay))
		d *= p.BackoffFactor
	}
	return delays
}

// Do calls op until it succeeds, attempts run out, or ctx is done.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	p = p.normalized()
	delays := p.Delays()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delays[attempt-1])
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry aborted after %d attempts: %w", attempt, ctx.Err())
			case <-timer.C:
			}
		}
		if lastErr = op(ctx); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", p.MaxAttempts, lastErr)
}
