// internal/notify/dispatcher.go
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"bookswap/internal/swap"
)

var (
	ErrClosed    = errors.New("dispatcher closed")
	ErrQueueFull = errors.New("notification queue full")
)

var (
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bookswap",
		Name:      "notify_dropped_total",
		Help:      "Swap events dropped because the notification queue was full or closed.",
	})

	deliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookswap",
		Name:      "notify_delivered_total",
		Help:      "Swap event deliveries per sink and result.",
	}, []string{"sink", "result"})
)

// Sink delivers one event to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e swap.Event) error
}

// Options configures a Dispatcher.
type Options struct {
	QueueSize int
	Workers   int
	// Timeout bounds a single delivery to a single sink.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Dispatcher fans committed swap events out to sinks from a bounded queue.
// Emit never blocks: when the queue is full the event is dropped and counted.
type Dispatcher struct {
	sinks   []Sink
	queue   chan swap.Event
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts the worker goroutines. Callers must Close it.
func NewDispatcher(opts Options, sinks ...Sink) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan swap.Event, opts.QueueSize),
		timeout: opts.Timeout,
		logger:  opts.Logger.With("component", "notify"),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Emit implements swap.Emitter.
func (d *Dispatcher) Emit(ctx context.Context, e swap.Event) {
	if err := d.TryEmit(e); err != nil {
		droppedTotal.Inc()
		d.logger.WarnContext(ctx, "swap event dropped",
			"request_id", e.RequestID, "kind", e.Kind, "version", e.Version, "error", err)
	}
}

// TryEmit enqueues e without blocking.
func (d *Dispatcher) TryEmit(e swap.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits until the queued ones have been
// delivered or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for e := range d.queue {
		for _, sink := range d.sinks {
			d.deliver(sink, e)
		}
	}
}

func (d *Dispatcher) deliver(sink Sink, e swap.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := sink.Deliver(ctx, e); err != nil {
		deliveredTotal.WithLabelValues(sink.Name(), "error").Inc()
		d.logger.Warn("swap event delivery failed",
			"sink", sink.Name(), "request_id", e.RequestID, "kind", e.Kind, "error", err)
		return
	}
	deliveredTotal.WithLabelValues(sink.Name(), "ok").Inc()
}
