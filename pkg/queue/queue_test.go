package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "leakguard:test", 10*time.Millisecond), mr
}

func TestQueues(t *testing.T) {
	impls := map[string]func(t *testing.T) Queue{
		"memory": func(*testing.T) Queue { return NewMemoryQueue(8) },
		"redis": func(t *testing.T) Queue {
			q, _ := newRedisQueue(t)
			return q
		},
	}
	for name, mk := range impls {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := mk(t)

			require.NoError(t, q.Enqueue(ctx, []byte("one")))
			require.NoError(t, q.Enqueue(ctx, []byte("two")))
			n, err := q.Len(ctx)
			require.NoError(t, err)
			require.Equal(t, int64(2), n)

			d, err := q.Dequeue(ctx)
			require.NoError(t, err)
			require.Equal(t, "one", string(d.Payload))
			require.Zero(t, d.Attempts)
			require.NoError(t, q.Nack(ctx, d))

			d, err = q.Dequeue(ctx)
			require.NoError(t, err)
			require.Equal(t, "two", string(d.Payload))
			require.NoError(t, q.Ack(ctx, d))

			d, err = q.Dequeue(ctx)
			require.NoError(t, err)
			require.Equal(t, "one", string(d.Payload))
			require.Equal(t, 1, d.Attempts)
			require.NoError(t, q.Ack(ctx, d))

			timeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			_, err = q.Dequeue(timeout)
			require.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestRedisQueueRecover(t *testing.T) {
	ctx := context.Background()
	q, mr := newRedisQueue(t)

	require.NoError(t, q.Enqueue(ctx, []byte("job")))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	inFlight, err := mr.List("leakguard:test:processing")
	require.NoError(t, err)
	require.Len(t, inFlight, 1)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "job", string(d.Payload))
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), []byte("x")))
	q.Close()
	require.ErrorIs(t, q.Enqueue(context.Background(), []byte("y")), ErrClosed)

	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, q.InFlight())
	require.NoError(t, q.Ack(context.Background(), d))
	require.Zero(t, q.InFlight())

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestPoolRetriesThenSucceeds(t *testing.T) {
	q := NewMemoryQueue(8)
	var calls atomic.Int32
	handler := func(_ context.Context, payload []byte) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}

	var mu sync.Mutex
	var results []string
	pool := NewPool(q, handler, PoolConfig{Workers: 2, MaxAttempts: 5}, zerolog.Nop())
	pool.OnResult(func(r string) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	require.NoError(t, q.Enqueue(context.Background(), []byte("job")))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 3
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	require.Equal(t, []string{"retry", "retry", "ok"}, results)
	require.Zero(t, q.InFlight())
}

func TestPoolDropsAfterMaxAttempts(t *testing.T) {
	q := NewMemoryQueue(8)
	var calls atomic.Int32
	pool := NewPool(q, func(context.Context, []byte) error {
		calls.Add(1)
		return errors.New("permanent")
	}, PoolConfig{Workers: 1, MaxAttempts: 3}, zerolog.Nop())

	require.NoError(t, q.Enqueue(context.Background(), []byte("job")))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(3), calls.Load())
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
