package retry

import (
	"context"
	"errors"
	"time"
)

type permanent struct {
	err error
}

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Backoff returns the wrapped
// error at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Backoff calls fn until it succeeds, doubling the delay after each failure.
// It gives up after maxRetries retries and returns the last error.
func Backoff(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func(context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var stop *permanent
		if errors.As(err, &stop) {
			return stop.err
		}
		if attempt >= maxRetries {
			return err
		}
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
}

// Outcome is what one attempt of a bounded operation reports.
type Outcome int

const (
	// Done means the attempt produced a final answer.
	Done Outcome = iota
	// Again means the attempt found nothing yet and may be repeated.
	Again
)

// Policy is a fixed-delay, max-attempts retry.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// Once is the policy used for lookup races: one retry after delay.
func Once(delay time.Duration) Policy {
	return Policy{Attempts: 2, Delay: delay}
}

// Run calls fn up to p.Attempts times, sleeping p.Delay between attempts
// that return Again. It reports the last outcome, so callers can tell a
// persistent miss from a result. Errors stop the loop immediately.
func Run[T any](ctx context.Context, p Policy, fn func(context.Context) (T, Outcome, error)) (T, Outcome, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		value   T
		outcome Outcome
		err     error
	)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := Sleep(ctx, p.Delay); err != nil {
				return value, outcome, err
			}
		}
		value, outcome, err = fn(ctx)
		if err != nil || outcome == Done {
			return value, outcome, err
		}
	}
	return value, outcome, nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
