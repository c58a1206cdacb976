package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestBackoffWithJitterBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	maxDelay := 800 * time.Millisecond
	for attempt := 0; attempt < 6; attempt++ {
		delay := BackoffWithJitter(initial, maxDelay, attempt)
		require.GreaterOrEqual(t, delay, initial/2)
		require.LessOrEqual(t, delay, maxDelay)
	}
}

func TestRetrierStopsAfterSuccess(t *testing.T) {
	r := New(100*time.Millisecond, 200*time.Millisecond, 3, zerolog.Nop())
	r.sleep = noSleep
	var attempts int
	err := r.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestRetrierGivesUp(t *testing.T) {
	r := New(time.Millisecond, time.Millisecond, 2, zerolog.Nop())
	r.sleep = noSleep
	var attempts int
	boom := errors.New("boom")
	err := r.Do(context.Background(), func(context.Context) error {
		attempts++
		return boom
	}, nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, attempts)
}

func TestRetrierSkipsNonRetryable(t *testing.T) {
	r := New(time.Millisecond, time.Millisecond, 5, zerolog.Nop())
	r.sleep = noSleep
	var attempts int
	err := r.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("fatal")
	}, func(error) bool { return false })
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestRetrierHonorsContext(t *testing.T) {
	r := New(time.Hour, time.Hour, 5, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var attempts int
	err := r.Do(ctx, func(context.Context) error {
		attempts++
		return errors.New("transient")
	}, nil)
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}
