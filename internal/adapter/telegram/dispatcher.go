package telegram

import (
	"context"
	"log/slog"
	"sync"
)

type ctxUpdate struct {
	ctx context.Context
	upd *Update
}

// Dispatcher routes updates to worker goroutines. Updates of one chat are
// always handled by the same worker, in arrival order.
type Dispatcher struct {
	sender  Sender
	handler HandlerFunc
	log     *slog.Logger
	chans   []chan ctxUpdate
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts workers goroutines handling updates with h.
func NewDispatcher(s Sender, workers int, h HandlerFunc, log *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{
		sender:  s,
		handler: h,
		log:     log.With("component", "telegram"),
		chans:   make([]chan ctxUpdate, workers),
	}
	for i := range d.chans {
		d.chans[i] = make(chan ctxUpdate, 100)
		d.wg.Add(1)
		go d.worker(d.chans[i])
	}
	return d
}

// Dispatch queues upd. It blocks while the worker queue is full, and drops
// the update once ctx is done or the dispatcher is closed.
func (d *Dispatcher) Dispatch(ctx context.Context, upd *Update) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	chatID, _ := Origin(upd)
	if chatID < 0 {
		chatID = -chatID
	}
	select {
	case d.chans[chatID%int64(len(d.chans))] <- ctxUpdate{ctx: ctx, upd: upd}:
	case <-ctx.Done():
		d.log.Warn("update dropped", slog.Int64("update_id", upd.ID), slog.Any("error", ctx.Err()))
	}
}

// Close stops accepting updates and waits for queued ones to be handled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.chans {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker(in <-chan ctxUpdate) {
	defer d.wg.Done()
	for item := range in {
		d.handle(item)
	}
}

func (d *Dispatcher) handle(item ctxUpdate) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("update handler panicked", slog.Int64("update_id", item.upd.ID), slog.Any("panic", p))
		}
	}()
	d.handler(item.ctx, d.sender, item.upd)
}
