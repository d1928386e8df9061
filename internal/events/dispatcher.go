// Package events delivers domain events to typed handlers on a fixed worker
// pool. Events with the same key always land on the same worker, so handlers
// observe each request's events in emission order.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/example/tow-dispatch/internal/models"
)

// Handler consumes domain events. Implementations must be safe for concurrent
// use across different keys.
type Handler interface {
	OnRequestPublished(ctx context.Context, e models.RequestPublished)
	OnStateChanged(ctx context.Context, e models.StateChanged)
}

// Funcs adapts plain functions to Handler; nil fields are skipped.
type Funcs struct {
	RequestPublished func(ctx context.Context, e models.RequestPublished)
	StateChanged     func(ctx context.Context, e models.StateChanged)
}

func (f Funcs) OnRequestPublished(ctx context.Context, e models.RequestPublished) {
	if f.RequestPublished != nil {
		f.RequestPublished(ctx, e)
	}
}

func (f Funcs) OnStateChanged(ctx context.Context, e models.StateChanged) {
	if f.StateChanged != nil {
		f.StateChanged(ctx, e)
	}
}

type Dispatcher struct {
	mu       sync.RWMutex
	closed   bool
	shards   []chan models.Event
	handlers []Handler
	wg       sync.WaitGroup
	log      *slog.Logger
}

// NewDispatcher starts workers goroutines, each with a queue of buffer events.
func NewDispatcher(log *slog.Logger, workers, buffer int, handlers ...Handler) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		shards:   make([]chan models.Event, workers),
		handlers: handlers,
		log:      log,
	}
	for i := range d.shards {
		ch := make(chan models.Event, buffer)
		d.shards[i] = ch
		d.wg.Add(1)
		go d.run(ch)
	}
	return d
}

// Emit queues e for delivery. It blocks only while the shard queue is full and
// gives up if ctx is done first. Events emitted after Close are dropped.
func (d *Dispatcher) Emit(ctx context.Context, e models.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn("event dropped after close", "key", e.Key())
		return
	}
	ch := d.shards[xxhash.Sum64String(e.Key())%uint64(len(d.shards))]
	select {
	case ch <- e:
	case <-ctx.Done():
		d.log.Warn("event dropped", "key", e.Key(), "error", ctx.Err())
	}
}

// Close stops accepting events, drains the queues and waits for workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run(ch <-chan models.Event) {
	defer d.wg.Done()
	ctx := context.Background()
	for e := range ch {
		for _, h := range d.handlers {
			d.deliver(ctx, h, e)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, h Handler, e models.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event handler panic", "key", e.Key(), "panic", r)
		}
	}()
	switch ev := e.(type) {
	case models.RequestPublished:
		h.OnRequestPublished(ctx, ev)
	case models.StateChanged:
		h.OnStateChanged(ctx, ev)
	default:
		d.log.Warn("unknown event type", "key", e.Key())
	}
}
