package platform

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/ratelimit"
)

// Sent is the delivery report for one action, delivered on the submission's
// Done channel when present.
type Sent struct {
	Result *SendResult
	Err    error
}

type submission struct {
	action bus.OutgoingAction
	done   chan Sent
}

// Outbox serializes outbound actions per chat and paces them three ways:
// the sliding-window limiter admits on queue "send:<platform>", a global
// token bucket protects the platform-wide quota and a per-chat bucket
// keeps a single chat from monopolizing it. Actions for one chat go out
// in submission order; transient send failures retry with backoff.
type Outbox struct {
	adapter Adapter
	limiter *ratelimit.Manager
	queue   string
	global  *rate.Limiter
	perChat rate.Limit

	retries   int
	baseDelay time.Duration

	mu      sync.Mutex
	queues  map[int64]chan submission
	chatLim map[int64]*rate.Limiter
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOutbox creates an outbox over adapter. limiter may be nil when no
// sliding-window queues are configured. globalPerSec and chatPerSec
// bound the send rates; zero picks the platform-typical 30/s and 1/s.
func NewOutbox(adapter Adapter, limiter *ratelimit.Manager, globalPerSec, chatPerSec float64) *Outbox {
	if globalPerSec <= 0 {
		globalPerSec = 30
	}
	if chatPerSec <= 0 {
		chatPerSec = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		adapter:   adapter,
		limiter:   limiter,
		queue:     "send:" + adapter.Name(),
		global:    rate.NewLimiter(rate.Limit(globalPerSec), int(globalPerSec)),
		perChat:   rate.Limit(chatPerSec),
		retries:   2,
		baseDelay: 500 * time.Millisecond,
		queues:    make(map[int64]chan submission),
		chatLim:   make(map[int64]*rate.Limiter),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit enqueues an action. The returned channel receives exactly one
// delivery report; callers that do not care may discard it.
func (o *Outbox) Submit(action bus.OutgoingAction) <-chan Sent {
	done := make(chan Sent, 1)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		done <- Sent{Err: context.Canceled}
		return done
	}
	q, ok := o.queues[action.ChatID]
	if !ok {
		q = make(chan submission, 128)
		o.queues[action.ChatID] = q
		o.chatLim[action.ChatID] = rate.NewLimiter(o.perChat, 3)
		o.wg.Add(1)
		go o.runChat(action.ChatID, q)
	}
	o.mu.Unlock()

	select {
	case q <- submission{action: action, done: done}:
	case <-o.ctx.Done():
		done <- Sent{Err: o.ctx.Err()}
	}
	return done
}

func (o *Outbox) runChat(chatID int64, q chan submission) {
	defer o.wg.Done()
	o.mu.Lock()
	lim := o.chatLim[chatID]
	o.mu.Unlock()

	deliver := func(ctx context.Context, sub submission) {
		if o.limiter != nil {
			if err := o.limiter.Admit(ctx, o.queue); err != nil {
				sub.done <- Sent{Err: err}
				return
			}
		}
		if err := o.global.Wait(ctx); err != nil {
			sub.done <- Sent{Err: err}
			return
		}
		if err := lim.Wait(ctx); err != nil {
			sub.done <- Sent{Err: err}
			return
		}
		res, err := o.perform(ctx, sub.action)
		if err != nil {
			slog.Warn("outbox: action failed",
				"platform", o.adapter.Name(), "kind", sub.action.Kind,
				"chat", sub.action.ChatID, "error", err)
		}
		sub.done <- Sent{Result: res, Err: err}
	}

	for {
		select {
		case sub := <-q:
			deliver(o.ctx, sub)
		case <-o.ctx.Done():
			// Drain accepted work within the shutdown grace period.
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			for {
				select {
				case sub := <-q:
					deliver(drainCtx, sub)
				default:
					cancel()
					return
				}
			}
		}
	}
}

// perform runs the action, retrying transient failures with exponential
// backoff up to the configured attempt bound.
func (o *Outbox) perform(ctx context.Context, action bus.OutgoingAction) (*SendResult, error) {
	var res *SendResult
	var err error
	for attempt := 0; ; attempt++ {
		res, err = o.adapter.Perform(ctx, action)
		if err == nil || attempt >= o.retries || !IsTransient(err) {
			return res, err
		}
		slog.Debug("outbox: retrying transient failure",
			"platform", o.adapter.Name(), "kind", action.Kind,
			"attempt", attempt+1, "error", err)
		select {
		case <-time.After(o.baseDelay << attempt):
		case <-ctx.Done():
			return nil, err
		}
	}
}

// Close stops intake and drains queued actions up to the grace period.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}
