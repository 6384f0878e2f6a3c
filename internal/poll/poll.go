// Package poll runs bounded, fixed-interval polling loops for cluster state
// that is only eventually consistent.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/buildkite/roko"
)

// ErrTimeout is returned when the condition was not met before the timeout.
var ErrTimeout = errors.New("timed out waiting for condition")

// errPending marks an attempt whose condition is not yet met.
var errPending = errors.New("condition not met")

// Backoff describes a polling loop. Timeout bounds elapsed time, including
// the time spent inside the condition. The number of attempts is also capped
// from Timeout and Interval, so an injected Sleep that does not actually
// sleep still exhausts the loop deterministically.
type Backoff struct {
	Interval time.Duration
	Timeout  time.Duration

	// Sleep replaces time.Sleep between attempts. Tests use it to advance a
	// simulated cluster.
	Sleep func(time.Duration)
}

// Condition reports whether polling is done. A non-nil error stops polling
// immediately and is returned unchanged.
type Condition func(ctx context.Context) (bool, error)

// Attempts returns how many times the condition is evaluated at most.
func (b Backoff) Attempts() int {
	if b.Interval <= 0 || b.Timeout <= 0 {
		return 1
	}
	n := int(b.Timeout / b.Interval)
	if b.Timeout%b.Interval != 0 {
		n++
	}
	return n + 1
}

// Poll evaluates cond until it reports done, returns an error, ctx is
// canceled, or the deadline passes. cond receives a context that expires
// with the deadline. Exhaustion returns ErrTimeout.
func (b Backoff) Poll(parent context.Context, cond Condition) error {
	ctx := parent
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, b.Timeout)
		defer cancel()
	}

	r := roko.NewRetrier(
		roko.WithMaxAttempts(b.Attempts()),
		roko.WithStrategy(roko.Constant(b.Interval)),
	)
	if b.Sleep != nil {
		r = roko.NewRetrier(
			roko.WithMaxAttempts(b.Attempts()),
			roko.WithStrategy(roko.Constant(b.Interval)),
			roko.WithSleepFunc(b.Sleep),
		)
	}

	var stop error
	err := r.DoWithContext(ctx, func(r *roko.Retrier) error {
		if err := ctx.Err(); err != nil {
			stop = err
			r.Break()
			return err
		}
		done, err := cond(ctx)
		if err != nil {
			stop = err
			r.Break()
			return err
		}
		if done {
			return nil
		}
		return errPending
	})
	switch {
	case err == nil:
		return nil
	case parent.Err() != nil:
		return parent.Err()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrTimeout
	case stop != nil:
		return stop
	default:
		return ErrTimeout
	}
}
