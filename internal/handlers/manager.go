package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/duskpine/vombat/internal/bus"
	"github.com/duskpine/vombat/internal/platform"
)

// ErrStop halts dispatch for the current event without an error. A
// non-terminal handler returns it when it has consumed the event, e.g.
// the spam gate after acting on a spam message.
var ErrStop = errors.New("stop dispatch")

// Responder delivers outgoing actions produced by handlers. The platform
// outbox implements it.
type Responder interface {
	Submit(action bus.OutgoingAction) <-chan platform.Sent
}

// Handler is one routed unit of behavior. Match decides applicability
// against the event and the chat's resolved settings; Handle runs it.
// A terminal handler stops dispatch for the event.
type Handler struct {
	Name     string
	Terminal bool
	Match    func(ev bus.IncomingEvent, settings Resolved) bool
	Handle   func(ctx context.Context, ev bus.IncomingEvent, settings Resolved) error
}

// Manager evaluates handlers in registration order per event. Events of
// one chat arrive in source order from the bus; the manager runs handlers
// synchronously so it never re-orders within a chat.
type Manager struct {
	handlers []Handler
	settings *Settings
}

func NewManager(settings *Settings) *Manager {
	return &Manager{settings: settings}
}

// Register appends handlers in dispatch order.
func (m *Manager) Register(handlers ...Handler) {
	m.handlers = append(m.handlers, handlers...)
}

// Dispatch routes one event: resolve the chat's settings once, then run
// matching handlers until a terminal one completes. Handler errors are
// logged; dispatch continues only for non-terminal handlers.
func (m *Manager) Dispatch(ctx context.Context, ev bus.IncomingEvent) {
	var settings Resolved
	if ev.Chat != nil {
		var err error
		settings, err = m.settings.Resolve(ctx, ev.Chat.ID, ev.Chat.Kind)
		if err != nil {
			slog.Warn("settings resolution failed", "chat", ev.Chat.ID, "error", err)
			settings = Resolved{}
		}
	} else {
		settings = Resolved{}
	}

	for _, h := range m.handlers {
		if ctx.Err() != nil {
			return
		}
		if !h.Match(ev, settings) {
			continue
		}
		if err := h.Handle(ctx, ev, settings); err != nil {
			if errors.Is(err, ErrStop) {
				return
			}
			slog.Warn("handler failed", "handler", h.Name, "kind", ev.Kind, "error", err)
		}
		if h.Terminal {
			return
		}
	}
}
