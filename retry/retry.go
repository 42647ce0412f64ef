// Package retry provides the bounded retry policy shared by provider calls
// and the guest bootstrap script.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds how often an operation is attempted and how long to wait
// between attempts. Delay receives the 1-based number of the attempt that
// just failed.
type Policy struct {
	MaxAttempts int
	Delay       func(attempt int) time.Duration
}

// Linear waits step, 2*step, 3*step, ... between attempts.
func Linear(maxAttempts int, step time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Delay: func(attempt int) time.Duration {
			return time.Duration(attempt) * step
		},
	}
}

// Exponential doubles the delay after every attempt, capped at max.
func Exponential(maxAttempts int, initial, max time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Delay: func(attempt int) time.Duration {
			d := initial
			for i := 1; i < attempt; i++ {
				d *= 2
				if d >= max {
					return max
				}
			}
			return d
		},
	}
}

// Once never retries.
func Once() Policy {
	return Policy{MaxAttempts: 1}
}

// Attempts returns the effective attempt bound (at least one).
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delays returns the wait schedule between consecutive attempts.
func (p Policy) Delays() []time.Duration {
	n := p.Attempts() - 1
	delays := make([]time.Duration, 0, n)
	for i := 1; i <= n; i++ {
		delays = append(delays, p.delay(i))
	}
	return delays
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Delay == nil {
		return 0
	}
	return p.Delay(attempt)
}

// policyBackOff adapts a Policy to the backoff.BackOff interface.
type policyBackOff struct {
	policy  Policy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.policy.Attempts() {
		return backoff.Stop
	}
	return b.policy.delay(b.attempt)
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}

// Do runs fn until it succeeds, returns an error retryable rejects, or the
// policy is exhausted. It returns the number of attempts made and the last
// error. Context cancellation stops waiting between attempts.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) (int, error) {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := fn(ctx)
		if err != nil && retryable != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(&policyBackOff{policy: p}),
		backoff.WithMaxTries(uint(p.Attempts())),
		backoff.WithMaxElapsedTime(0),
	)
	return attempts, unwrapPermanent(err)
}

func unwrapPermanent(err error) error {
	if pe, ok := err.(*backoff.PermanentError); ok {
		return pe.Err
	}
	return err
}
