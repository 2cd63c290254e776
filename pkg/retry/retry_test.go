package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	calls := 0
	boom := errors.New("boom")
	err := Do(context.Background(), 5, time.Millisecond, func(error) bool { return false }, func(context.Context) error {
		calls++
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUpToAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	flaky := errors.New("flaky")
	err := Do(context.Background(), 3, time.Millisecond, func(error) bool { return true }, func(context.Context) error {
		calls++
		return flaky
	})

	require.ErrorIs(t, err, flaky)
	assert.Equal(t, 3, calls)
}

func TestDoSucceedsAfterRetry(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func(error) bool { return true }, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestPollReturnsWindowElapsed(t *testing.T) {
	t.Parallel()

	err := Poll(context.Background(), time.Millisecond, 10*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})

	require.ErrorIs(t, err, ErrWindowElapsed)
}

func TestPollStopsWhenDone(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Poll(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		calls++
		return calls >= 3, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPollTerminalError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	err := Poll(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, boom
	})

	require.ErrorIs(t, err, boom)
}
