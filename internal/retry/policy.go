package retry

import (
	"context"
	"math"
	"time"
)

// Policy bounds retries of sandbox operations with exponential backoff.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Delay returns the wait before the given 1-based attempt. There is no wait
// before the first attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-2))
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Do runs fn up to MaxAttempts times. onAttempt, if set, is called with the
// attempt number before each try so callers can surface progress. The final
// failure is returned once attempts are exhausted.
func (p Policy) Do(ctx context.Context, onAttempt func(attempt int), fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if wait := p.Delay(attempt); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if onAttempt != nil {
			onAttempt(attempt)
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
