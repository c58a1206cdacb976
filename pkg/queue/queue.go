// Package queue provides an at-least-once work queue. A delivery stays
// in flight until it is acked; nacked or abandoned deliveries come back.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/xid"
)

// ErrClosed is returned by Dequeue after the queue is closed.
var ErrClosed = errors.New("queue closed")

// Delivery is one dequeued message.
type Delivery struct {
	ID       string `json:"id"`
	Payload  []byte `json:"payload"`
	Attempts int    `json:"attempts"`

	raw string
}

// Queue is implemented by MemoryQueue and RedisQueue.
type Queue interface {
	Enqueue(ctx context.Context, payload []byte) error
	// Dequeue blocks until a delivery is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack returns d to the queue with its attempt count incremented.
	Nack(ctx context.Context, d *Delivery) error
	Len(ctx context.Context) (int64, error)
}

// MemoryQueue is an in-process queue for single-node deployments and tests.
type MemoryQueue struct {
	ch chan *Delivery

	closeMu sync.RWMutex
	closed  bool

	mu       sync.Mutex
	inFlight map[string]*Delivery
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{ch: make(chan *Delivery, capacity), inFlight: make(map[string]*Delivery)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, payload []byte) error {
	d := &Delivery{ID: xid.New().String(), Payload: append([]byte(nil), payload...)}
	return q.push(ctx, d)
}

func (q *MemoryQueue) push(ctx context.Context, d *Delivery) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case d, ok := <-q.ch:
		if !ok {
			return nil, ErrClosed
		}
		q.mu.Lock()
		q.inFlight[d.ID] = d
		q.mu.Unlock()
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	delete(q.inFlight, d.ID)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	delete(q.inFlight, d.ID)
	q.mu.Unlock()
	next := *d
	next.Attempts++
	return q.push(ctx, &next)
}

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// Close stops accepting work. Pending deliveries can still be drained.
func (q *MemoryQueue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// InFlight reports deliveries dequeued but not yet acked or nacked.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}
