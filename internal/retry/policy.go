// Package retry wraps activity calls in exponential backoff.
//
// A Policy is an immutable value built once from configuration. Do never
// reads the clock itself; the caller supplies the sleep function, so the
// only place time is observed is the execution substrate.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Policy describes exponential backoff: attempt 1 runs immediately, attempt
// k >= 2 waits InitialDelay * BackoffCoefficient^(k-2), capped at MaxDelay
// when MaxDelay is positive. After MaxAttempts failures the call is
// exhausted.
type Policy struct {
	InitialDelay       time.Duration `json:"initial_delay" yaml:"initial_delay"`
	BackoffCoefficient float64       `json:"backoff_coefficient" yaml:"backoff_coefficient"`
	MaxAttempts        int           `json:"max_attempts" yaml:"max_attempts"`
	MaxDelay           time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// DefaultPolicy returns 1s initial delay, coefficient 2, 10 attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:       time.Second,
		BackoffCoefficient: 2,
		MaxAttempts:        10,
	}
}

// Validate reports whether the policy can be used.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("retry: initial delay must not be negative, got %s", p.InitialDelay)
	}
	if p.BackoffCoefficient < 1 {
		return fmt.Errorf("retry: backoff coefficient must be >= 1, got %g", p.BackoffCoefficient)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("retry: max delay must not be negative, got %s", p.MaxDelay)
	}
	return nil
}

// Delay returns how long to wait before attempt (1-indexed).
// The sequence is non-decreasing: 0, d, d*c, d*c^2, ...
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffCoefficient, float64(attempt-2))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real-time SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable. Do stops at the first permanent
// error and returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do calls fn until it succeeds, returns a permanent error, the policy is
// exhausted, or ctx is done. It returns the number of attempts made.
//
// Any other error from fn is treated as transient.
func Do(ctx context.Context, p Policy, sleep SleepFunc, fn func(ctx context.Context, attempt int) error) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if sleep == nil {
		sleep = Sleep
	}

	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if d := p.Delay(attempt); d > 0 {
			if err := sleep(ctx, d); err != nil {
				return attempt - 1, err
			}
		}
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}

		var pe *permanentError
		if errors.As(err, &pe) {
			return attempt, pe.err
		}
		last = err
	}

	return p.MaxAttempts, &ExhaustedError{Attempts: p.MaxAttempts, Last: last}
}
