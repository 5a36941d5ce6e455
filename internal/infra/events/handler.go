package events

import "go.uber.org/zap"

// Handler processes events of the types it lists. Listing Wildcard receives every event.
type Handler interface {
	Handles() []string

	// Handle must tolerate seeing the same event twice.
	Handle(event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	eventTypes []string
	fn         func(Event) error
}

// NewHandlerFunc creates a new HandlerFunc.
func NewHandlerFunc(eventTypes []string, fn func(Event) error) *HandlerFunc {
	return &HandlerFunc{
		eventTypes: eventTypes,
		fn:         fn,
	}
}

func (h *HandlerFunc) Handles() []string { return h.eventTypes }

func (h *HandlerFunc) Handle(event Event) error { return h.fn(event) }

// NewLogHandler writes every event it receives to the log as one structured line.
func NewLogHandler(logger *zap.Logger, eventTypes ...string) Handler {
	if len(eventTypes) == 0 {
		eventTypes = []string{Wildcard}
	}
	logger = logger.Named("events")
	return NewHandlerFunc(eventTypes, func(event Event) error {
		logger.Info("domain event",
			zap.String("event_type", event.EventType()),
			zap.String("event_id", event.EventID().String()),
			zap.String("aggregate_type", event.AggregateType()),
			zap.String("aggregate_id", event.AggregateID().String()),
			zap.Time("occurred_at", event.OccurredAt()),
			zap.Any("payload", event),
		)
		return nil
	})
}
