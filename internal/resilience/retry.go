package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Strob0t/taskforge/internal/domain"
)

// PermanentError marks an error from a remote collaborator that must not be
// retried, such as a 4xx response.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Retry gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RetryPolicy bounds an exponential backoff retry loop.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Jitter is the randomization factor in [0,1]; zero gives exact doubling.
	Jitter float64
	// Notify, if set, is called before each retry sleep.
	Notify func(err error, next time.Duration)
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval * 8
	}
	return b
}

// Retry runs op until it succeeds, returns a non-retryable error, or the
// policy is exhausted. Contract violations (domain.ErrValidation,
// domain.ErrInvalidStateTransition) and PermanentError are returned at once.
// Context cancellation stops the loop with the context's error.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(max(p.MaxRetries, 0)) + 1),
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(p.Notify)))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return v, backoff.Permanent(ctxErr)
		}
		if domain.IsContractViolation(err) {
			return v, backoff.Permanent(err)
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}
