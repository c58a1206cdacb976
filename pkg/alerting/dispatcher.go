package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/leakguard/pkg/ingest"
	"github.com/haasonsaas/leakguard/pkg/retry"
)

// DispatchObserver is told the fate of each notification: "sent", "failed" or "dropped".
type DispatchObserver func(result string)

type DispatcherConfig struct {
	Buffer       int
	Workers      int
	MaxRetries   int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Dispatcher decouples notification from ingestion: Notify only enqueues,
// workers deliver to the sink with retry.
type Dispatcher struct {
	sink    ingest.AlertSink
	cfg     DispatcherConfig
	retrier *retry.Retrier
	logger  zerolog.Logger
	observe DispatchObserver

	ch      chan ingest.Notification
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	stop    context.CancelFunc
	started bool
}

func NewDispatcher(sink ingest.AlertSink, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	logger = logger.With().Str("component", "alert_dispatcher").Logger()
	return &Dispatcher{
		sink:    sink,
		cfg:     cfg,
		retrier: retry.New(cfg.RetryInitial, cfg.RetryMax, cfg.MaxRetries, logger),
		logger:  logger,
		observe: func(string) {},
		ch:      make(chan ingest.Notification, cfg.Buffer),
	}
}

func (d *Dispatcher) OnResult(fn DispatchObserver) {
	if fn != nil {
		d.observe = fn
	}
}

// Start launches the workers. They run until Close.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	ctx, d.stop = context.WithCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for n := range d.ch {
				d.deliver(ctx, n)
			}
		}()
	}
}

// Notify never blocks; a full buffer drops the notification.
func (d *Dispatcher) Notify(_ context.Context, n ingest.Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.observe("dropped")
		return nil
	}
	select {
	case d.ch <- n:
	default:
		d.observe("dropped")
		d.logger.Warn().Str("event_id", n.EventID).Msg("alert buffer full; dropping notification")
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, n ingest.Notification) {
	err := d.retrier.Do(ctx, func(ctx context.Context) error {
		return d.sink.Notify(ctx, n)
	}, nil)
	if err != nil {
		d.observe("failed")
		d.logger.Error().Err(err).Str("event_id", n.EventID).Msg("alert notification failed")
		return
	}
	d.observe("sent")
}

// Close stops accepting notifications and waits for queued ones to be attempted,
// or until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.ch)
	started := d.started
	d.mu.Unlock()
	if !started {
		return
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.stop()
		<-done
	}
}
