// Package retry runs an operation with capped exponential backoff. Callers
// classify failures by wrapping them: Permanent stops immediately, After
// asks for a minimum wait (an upstream Retry-After).
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it without retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// DelayedError asks Do to wait at least Wait before the next attempt.
type DelayedError struct {
	Err  error
	Wait time.Duration
}

func (e *DelayedError) Error() string { return e.Err.Error() }
func (e *DelayedError) Unwrap() error { return e.Err }

// After wraps err with a minimum wait before the next attempt.
func After(err error, wait time.Duration) error {
	return &DelayedError{Err: err, Wait: wait}
}

// Policy configures Do. The wait before retry n is BaseDelay*2^(n-1) with
// +-25% jitter, raised to any DelayedError wait, then capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // 0 means uncapped

	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)

	// Sleep is swapped in tests; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out, or ctx ends. Wrappers are stripped from the returned error.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt >= attempts {
			break
		}

		wait := p.wait(delay, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return serr
		}
		delay *= 2
	}

	var de *DelayedError
	if errors.As(err, &de) {
		return de.Err
	}
	return err
}

func (p Policy) wait(delay time.Duration, err error) time.Duration {
	wait := delay
	if jitter := int64(delay / 4); jitter > 0 {
		wait += time.Duration(rand.Int64N(2*jitter+1) - jitter)
	}
	var de *DelayedError
	if errors.As(err, &de) && de.Wait > wait {
		wait = de.Wait
	}
	if p.MaxDelay > 0 && wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
