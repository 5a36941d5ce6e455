package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Bus dispatches domain events to registered handlers synchronously.
// A failing or panicking handler is logged and does not stop the others.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger.Named("event_bus"),
	}
}

// Register subscribes handler to the event types it handles.
func (b *Bus) Register(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, eventType := range handler.Handles() {
		b.handlers[eventType] = append(b.handlers[eventType], handler)
	}
}

// Publish calls the handlers of event's type, then the wildcard handlers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	typed := b.handlers[event.EventType()]
	wildcard := b.handlers[Wildcard]
	handlers := make([]Handler, 0, len(typed)+len(wildcard))
	handlers = append(handlers, typed...)
	handlers = append(handlers, wildcard...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := b.dispatch(handler, event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("event_type", event.EventType()),
				zap.String("event_id", event.EventID().String()),
				zap.Error(err),
			)
		}
	}
}

func (b *Bus) dispatch(handler Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(event)
}
