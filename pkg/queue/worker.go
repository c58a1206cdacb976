package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler processes one payload. A returned error causes redelivery until
// MaxAttempts is reached.
type Handler func(ctx context.Context, payload []byte) error

// PoolObserver is told the result of every delivery: "ok", "retry" or "dropped".
type PoolObserver func(result string)

type PoolConfig struct {
	Workers     int
	MaxAttempts int
	// ErrorBackoff pauses a worker after Dequeue fails.
	ErrorBackoff time.Duration
}

// Pool runs handler over deliveries with a fixed number of workers.
type Pool struct {
	queue   Queue
	handler Handler
	cfg     PoolConfig
	logger  zerolog.Logger
	observe PoolObserver
}

func NewPool(q Queue, handler Handler, cfg PoolConfig, logger zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Pool{
		queue:   q,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With().Str("component", "worker_pool").Logger(),
		observe: func(string) {},
	}
}

func (p *Pool) OnResult(fn PoolObserver) {
	if fn != nil {
		p.observe = fn
	}
}

// Run blocks until ctx is done or the queue is closed, then waits for the workers.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) work(ctx context.Context, id int) {
	log := p.logger.With().Int("worker", id).Logger()
	for {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.ErrorBackoff):
			}
			continue
		}
		p.handle(ctx, log, d)
	}
}

func (p *Pool) handle(ctx context.Context, log zerolog.Logger, d *Delivery) {
	err := p.handler(ctx, d.Payload)
	if err == nil {
		p.observe("ok")
		if ackErr := p.queue.Ack(ctx, d); ackErr != nil {
			log.Warn().Err(ackErr).Str("delivery_id", d.ID).Msg("ack failed; delivery may repeat")
		}
		return
	}

	if d.Attempts+1 >= p.cfg.MaxAttempts {
		p.observe("dropped")
		log.Error().Err(err).Str("delivery_id", d.ID).Int("attempts", d.Attempts+1).Msg("giving up on delivery")
		if ackErr := p.queue.Ack(ctx, d); ackErr != nil {
			log.Warn().Err(ackErr).Str("delivery_id", d.ID).Msg("ack failed")
		}
		return
	}
	p.observe("retry")
	log.Warn().Err(err).Str("delivery_id", d.ID).Int("attempt", d.Attempts+1).Msg("delivery failed; requeueing")
	if nackErr := p.queue.Nack(ctx, d); nackErr != nil {
		log.Error().Err(nackErr).Str("delivery_id", d.ID).Msg("requeue failed")
	}
}
