// Package retry runs operations until they succeed, the attempt budget is
// spent, or the caller's context is canceled.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// ErrExhausted is returned when every permitted attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes how often and how fast an operation is retried.
// MaxAttempts of zero means no upper bound. A zero BaseDelay retries immediately.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// Exponential returns a policy with jittered exponential backoff and the given
// attempt ceiling.
func Exponential(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Validate rejects negative knobs.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0")
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must be >= 0")
	}
	return nil
}

// Unbounded reports whether the policy retries forever.
func (p Policy) Unbounded() bool {
	return p.MaxAttempts == 0
}

// Backoff returns the wait before attempt+1, where attempt counts completed
// failures starting at 1.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(exp))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + jitter(half)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Op is one attempt. attempt starts at 1.
type Op func(ctx context.Context, attempt int) error

// Notify is invoked after a failed attempt that will be retried.
type Notify func(attempt int, err error, wait time.Duration)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it returns nil, returns a Permanent error, the policy runs
// out of attempts, or ctx is done. Errors from an attempt that ran into its own
// deadline are retried; only cancellation of ctx itself stops the loop.
func Do(ctx context.Context, p Policy, op Op, notify Notify) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled before attempt %d: %w", attempt, err)
		}
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("retry canceled after attempt %d: %w", attempt, ctxErr)
		}
		if !p.Unbounded() && attempt >= p.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}
		wait := p.Backoff(attempt)
		if notify != nil {
			notify(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("retry canceled during backoff: %w", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
