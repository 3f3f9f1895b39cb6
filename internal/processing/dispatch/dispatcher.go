package dispatch

import (
	"context"
	"log/slog"
	"sort"

	"github.com/vietddude/payguard/internal/core/domain"
)

// Outcome describes what a handler did.
type Outcome struct {
	Handled bool   `json:"handled"`
	Action  string `json:"action,omitempty"`
	UserID  string `json:"userId,omitempty"`
}

// Handler processes one event type. Handlers must be idempotent.
type Handler interface {
	Handle(ctx context.Context, event *domain.Event) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event *domain.Event) (Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, event *domain.Event) (Outcome, error) {
	return f(ctx, event)
}

// Dispatcher routes events to handlers by type. Registration happens before serving.
type Dispatcher struct {
	handlers map[domain.EventType]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[domain.EventType]Handler)}
}

// Register binds h to t, replacing any previous handler.
func (d *Dispatcher) Register(t domain.EventType, h Handler) {
	d.handlers[t] = h
}

// Types lists registered event types in sorted order.
func (d *Dispatcher) Types() []domain.EventType {
	types := make([]domain.EventType, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Dispatch runs the handler for event.Type. Unknown types are acknowledged as unhandled.
func (d *Dispatcher) Dispatch(ctx context.Context, event *domain.Event) (Outcome, error) {
	h, ok := d.handlers[event.Type]
	if !ok {
		slog.Debug("No handler for event type", "event_id", event.ID, "type", event.Type)
		return Outcome{Handled: false}, nil
	}

	// Errors pass through unwrapped; their text drives classification.
	out, err := h.Handle(ctx, event)
	if err != nil {
		return Outcome{}, err
	}
	out.Handled = true
	return out, nil
}
