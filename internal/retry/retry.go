package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dunamismax/tileforge/internal/domain"
)

type Policy struct {
	Attempts int
	Step     time.Duration
	MaxDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		Step:     500 * time.Millisecond,
		MaxDelay: 2 * time.Second,
	}
}

// Linear waits Step*n before the n-th retry, capped at MaxDelay.
type Linear struct {
	Step     time.Duration
	MaxDelay time.Duration
	attempt  int
}

func (l *Linear) NextBackOff() time.Duration {
	l.attempt++
	d := l.Step * time.Duration(l.attempt)
	if l.MaxDelay > 0 && d > l.MaxDelay {
		return l.MaxDelay
	}
	return d
}

func (l *Linear) Reset() {
	l.attempt = 0
}

// Do runs fn until it succeeds, returns a validation error, or the policy's
// attempts are spent. Exhausted failures come back as *domain.TransientError.
func Do[T any](ctx context.Context, policy Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	attempts := max(1, policy.Attempts)

	result, err := backoff.Retry(
		ctx,
		func() (T, error) {
			value, err := fn(ctx)
			if err != nil && domain.IsValidation(err) {
				return value, backoff.Permanent(err)
			}
			return value, err
		},
		backoff.WithBackOff(&Linear{Step: policy.Step, MaxDelay: policy.MaxDelay}),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return result, nil
	}
	if domain.IsValidation(err) || ctx.Err() != nil {
		return result, err
	}
	return result, &domain.TransientError{
		Op:  fmt.Sprintf("%s (after %d attempts)", op, attempts),
		Err: err,
	}
}

func Run(ctx context.Context, policy Policy, op string, fn func(context.Context) error) error {
	_, err := Do(ctx, policy, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
