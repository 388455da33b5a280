package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Handler consumes one incoming event.
type Handler func(ctx context.Context, ev IncomingEvent)

// MessageBus fans incoming events out to per-chat workers. Events for the
// same chat are processed strictly in arrival order; different chats run in
// parallel.
type MessageBus struct {
	handler Handler
	bufSize int

	mu      sync.Mutex
	workers map[int64]chan IncomingEvent
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bus delivering to handler. bufSize bounds each per-chat
// queue; zero picks a sane default.
func New(handler Handler, bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MessageBus{
		handler: handler,
		bufSize: bufSize,
		workers: make(map[int64]chan IncomingEvent),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Publish enqueues an event for its chat's worker. Publishing to a closed
// bus drops the event. A full queue blocks the caller, which backpressures
// the platform poller instead of reordering events.
func (b *MessageBus) Publish(ev IncomingEvent) {
	var chatID int64
	if ev.Chat != nil {
		chatID = ev.Chat.ID
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		slog.Debug("bus: dropping event after close", "kind", ev.Kind, "chat", chatID)
		return
	}
	ch, ok := b.workers[chatID]
	if !ok {
		ch = make(chan IncomingEvent, b.bufSize)
		b.workers[chatID] = ch
		b.wg.Add(1)
		go b.runWorker(chatID, ch)
	}
	b.mu.Unlock()

	select {
	case ch <- ev:
	case <-b.ctx.Done():
	}
}

func (b *MessageBus) runWorker(chatID int64, ch chan IncomingEvent) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-ch:
			b.handler(b.ctx, ev)
		case <-b.ctx.Done():
			// Drain what is already queued so accepted events are not lost.
			for {
				select {
				case ev := <-ch:
					b.handler(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}

// Close stops intake, drains queued events and waits for workers.
func (b *MessageBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}
