// Package retry wraps sethvargo/go-retry behind the two shapes the
// checkout core needs: a bounded attempt loop and a bounded poll window.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrWindowElapsed reports that a poll window closed before the
// terminal predicate was satisfied.
var ErrWindowElapsed = errors.New("retry: window elapsed")

var errNotDone = errors.New("retry: not done")

// Do runs op up to attempts times with a constant interval between tries.
// Errors are retried only when shouldRetry approves them; the last error
// is returned once attempts are exhausted.
func Do(ctx context.Context, attempts int, interval time.Duration, shouldRetry func(error) bool, op func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(interval))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if shouldRetry != nil && shouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Poll invokes fn on a fixed interval until it reports done, fn fails
// terminally, or the window elapses (ErrWindowElapsed).
func Poll(ctx context.Context, interval, window time.Duration, fn func(context.Context) (bool, error)) error {
	backoff := retry.WithMaxDuration(window, retry.NewConstant(interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if !done {
			return retry.RetryableError(errNotDone)
		}
		return nil
	})
	if errors.Is(err, errNotDone) {
		return ErrWindowElapsed
	}
	return err
}
