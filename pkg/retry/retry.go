// Package retry runs operations with capped exponential backoff and jitter.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Retrier retries an operation up to MaxRetries times after the first attempt.
type Retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
	logger     zerolog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(initial, max time.Duration, maxRetries int, logger zerolog.Logger) *Retrier {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retrier{
		initial:    initial,
		max:        max,
		maxRetries: maxRetries,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, retries run out,
// or ctx is done. The last error from fn is returned.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool) error {
	var attempt int
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || (retryable != nil && !retryable(err)) {
			return err
		}
		delay := BackoffWithJitter(r.initial, r.max, attempt)
		r.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("sleep", delay).Msg("retrying operation")
		if serr := r.sleep(ctx, delay); serr != nil {
			return err
		}
		attempt++
	}
}

// BackoffWithJitter returns a delay in [b/2, b] where b = initial*2^attempt capped at max.
func BackoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
