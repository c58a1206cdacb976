package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
)

// RedisQueue keeps pending work in a Redis list and moves each delivery to a
// processing list with LMOVE, so a crashed worker's deliveries can be recovered.
type RedisQueue struct {
	client     *redis.Client
	pending    string
	processing string
	poll       time.Duration
}

// NewRedisQueue uses the lists "<name>:pending" and "<name>:processing".
func NewRedisQueue(client *redis.Client, name string, poll time.Duration) *RedisQueue {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	return &RedisQueue{
		client:     client,
		pending:    name + ":pending",
		processing: name + ":processing",
		poll:       poll,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) error {
	raw, err := json.Marshal(Delivery{ID: xid.New().String(), Payload: payload})
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.pending, raw).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		raw, err := q.client.LMove(ctx, q.pending, q.processing, "RIGHT", "LEFT").Result()
		switch {
		case err == nil:
			var d Delivery
			if err := json.Unmarshal([]byte(raw), &d); err != nil {
				// Unreadable entries would be redelivered forever.
				q.client.LRem(ctx, q.processing, 1, raw)
				return nil, fmt.Errorf("decode delivery: %w", err)
			}
			d.raw = raw
			return &d, nil
		case !errors.Is(err, redis.Nil):
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.poll):
		}
	}
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.client.LRem(ctx, q.processing, 1, d.raw).Err()
}

func (q *RedisQueue) Nack(ctx context.Context, d *Delivery) error {
	next := *d
	next.Attempts++
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, d.raw)
		pipe.LPush(ctx, q.pending, raw)
		return nil
	})
	return err
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pending).Result()
}

// Recover moves every in-flight delivery back to pending. Call it before
// starting workers; deliveries left by a crashed process are then redelivered.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}
