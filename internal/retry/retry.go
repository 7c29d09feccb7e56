// Package retry runs store calls under a per-attempt timeout and retries
// transport failures with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

// Policy bounds how a store call is retried. Retries is the number of attempts
// after the first; Timeout applies to each attempt.
type Policy struct {
	Retries int
	Timeout time.Duration
	Initial time.Duration
	Max     time.Duration
}

// DefaultPolicy is used when a controller is built without an explicit policy.
var DefaultPolicy = Policy{
	Retries: 3,
	Timeout: 5 * time.Second,
	Initial: 100 * time.Millisecond,
	Max:     2 * time.Second,
}

// Do runs op until it succeeds, fails permanently, or the retries are spent.
// Exhausted retries surface as models.ErrTransport wrapping the last error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := func() (T, error) {
		callCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		v, err := op(callCtx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.RetryWithData(attempt, backoff.WithContext(newBackOff(p), ctx))
	if err == nil {
		return v, nil
	}
	if ctx.Err() != nil || !IsTransient(err) || errors.Is(err, models.ErrTransport) {
		return v, err
	}
	return v, fmt.Errorf("%w: %w", models.ErrTransport, err)
}

// IsTransient reports whether err is worth retrying. Errors a store marks as
// ErrTransport are; domain outcomes, permanent store errors and cancellation
// by the caller are not. Anything unclassified is treated as transient.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, models.ErrTransport):
		return true
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrConstraintViolation),
		errors.Is(err, models.ErrConcurrencyConflict),
		errors.Is(err, models.ErrInternal),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func newBackOff(p Policy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.MaxElapsedTime = 0
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}
