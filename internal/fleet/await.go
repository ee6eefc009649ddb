package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type AwaitOpts struct {
	// What is awaited, used in logs and errors, e.g. "snapshot x ready".
	What     string
	Timeout  time.Duration
	Interval time.Duration
}

type pendingError struct{ state string }

func (e *pendingError) Error() string { return "pending: " + e.state }

// Pending is returned by an Await check when the resource exists but hasn't
// reached its terminal state. Any other error stops the wait.
func Pending(format string, args ...any) error {
	return &pendingError{state: fmt.Sprintf(format, args...)}
}

// Await calls check at a fixed interval until it succeeds, returns an error
// other than Pending, or the timeout elapses. The first check runs
// immediately. On timeout it returns a *TimeoutError carrying the last
// pending state.
func Await[T any](
	ctx context.Context,
	log *slog.Logger,
	opts AwaitOpts,
	check func(context.Context) (T, error),
) (T, error) {
	var zero T
	if opts.Timeout <= 0 {
		return zero, errors.New("await: timeout must be positive")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var (
		last     string
		attempts int
	)
	op := func() (T, error) {
		attempts++
		v, err := check(waitCtx)
		if err == nil {
			return v, nil
		}
		var pe *pendingError
		if errors.As(err, &pe) {
			if pe.state != last {
				log.Debug("waiting",
					slog.String("what", opts.What),
					slog.String("state", pe.state))
			}
			last = pe.state
			return zero, err
		}
		return zero, backoff.Permanent(err)
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(opts.Interval),
		waitCtx)
	v, err := backoff.RetryWithData(op, bo)
	if err == nil {
		log.Debug("awaited",
			slog.String("what", opts.What),
			slog.Int("attempts", attempts))
		return v, nil
	}

	// The caller gave up. Don't dress it up as a timeout.
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	if waitCtx.Err() != nil {
		return zero, &TimeoutError{
			What:    opts.What,
			Timeout: opts.Timeout,
			Last:    last,
		}
	}
	return zero, err
}
