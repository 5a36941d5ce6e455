package events

import (
	"time"

	"github.com/google/uuid"
)

// Event is a domain event carried by the Bus.
type Event interface {
	EventID() uuid.UUID

	// EventType is the routing key, for example "generation.task_failed".
	EventType() string

	OccurredAt() time.Time

	// AggregateID identifies the entity the event is about.
	AggregateID() uuid.UUID

	AggregateType() string
}

// BaseEvent implements Event. Domain events embed it.
type BaseEvent struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Aggregate uuid.UUID `json:"aggregate_id"`
	Kind      string    `json:"aggregate_type"`
}

func (e BaseEvent) EventID() uuid.UUID     { return e.ID }
func (e BaseEvent) EventType() string      { return e.Type }
func (e BaseEvent) OccurredAt() time.Time  { return e.Timestamp }
func (e BaseEvent) AggregateID() uuid.UUID { return e.Aggregate }
func (e BaseEvent) AggregateType() string  { return e.Kind }

// NewBaseEvent stamps a new event with a fresh id and the current time.
func NewBaseEvent(eventType string, aggregateID uuid.UUID, aggregateType string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Aggregate: aggregateID,
		Kind:      aggregateType,
	}
}
