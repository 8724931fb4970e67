package events

import (
	"context"
	"sync"
)

// Handler processes a single event, it has to be safe to call it more than once for the same event
type Handler interface {
	HandleEvent(ctx context.Context, evt *Event) error
}

type HandlerFunc func(ctx context.Context, evt *Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, evt *Event) error {
	return f(ctx, evt)
}

// Registry maps event types to handlers. The typed On* methods are the preferred way of
// registering since they decode the data for the handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[EventType][]Handler),
	}
}

// Register adds a raw handler for t, handlers run in registration order
func (r *Registry) Register(t EventType, h Handler) {
	if !t.Valid() {
		panic("tried registering handler for unknown event type " + string(t))
	}

	r.mu.Lock()
	r.handlers[t] = append(r.handlers[t], h)
	r.mu.Unlock()
}

// Handlers returns the handlers registered for t
func (r *Registry) Handlers(t EventType) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]Handler(nil), r.handlers[t]...)
}

func (r *Registry) OnReminderDue(fn func(ctx context.Context, evt *Event, data *ReminderDue) error) {
	r.Register(EventReminderDue, typed(fn))
}

func (r *Registry) OnTransitionDue(fn func(ctx context.Context, evt *Event, data *TransitionDue) error) {
	r.Register(EventTransitionDue, typed(fn))
}

func (r *Registry) OnPromotionDue(fn func(ctx context.Context, evt *Event, data *PromotionDue) error) {
	r.Register(EventPromotionDue, typed(fn))
}

func typed[T any](fn func(ctx context.Context, evt *Event, data *T) error) Handler {
	return HandlerFunc(func(ctx context.Context, evt *Event) error {
		dst := new(T)
		if err := evt.Decode(dst); err != nil {
			return err
		}

		return fn(ctx, evt, dst)
	})
}
