// Package retry runs fallible operations with exponential backoff and jitter.
//
// Webhook deliveries and broker-fed ingestion use it to ride out transient
// storage or network failures. Validation and conflict errors are wrapped with
// Permanent by callers so they fail fast.
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

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked as not retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy bounds a retried operation.
type Policy struct {
	Attempts int
	Base     time.Duration // first backoff, doubled per retry
	Max      time.Duration // caps a single backoff; zero means uncapped
}

// Default suits a transient database or broker hiccup.
var Default = Policy{Attempts: 4, Base: 200 * time.Millisecond, Max: 5 * time.Second}

// Backoff returns the un-jittered delay before retry n (0-based).
func (p Policy) Backoff(n int) time.Duration {
	d := p.Base
	for range n {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out or ctx is done. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.Attempts, 1)
	var err error
	for n := range attempts {
		if err = fn(); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if n == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(p.Backoff(n))):
		}
	}
	return err
}

// Do is Policy{Attempts: attempts, Base: base}.Do.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	return Policy{Attempts: attempts, Base: base}.Do(ctx, fn)
}

// jitter spreads d by ±25%.
func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}
