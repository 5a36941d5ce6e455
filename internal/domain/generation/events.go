package generation

import (
	"github.com/google/uuid"
	"github.com/imagegen/server/internal/infra/events"
)

// Event types published by the orchestrator.
const (
	EventTaskSucceeded = "generation.task_succeeded"
	EventTaskFailed    = "generation.task_failed"
)

const aggregateType = "GenerationTask"

// EventPublisher publishes domain events.
type EventPublisher interface {
	Publish(event events.Event)
}

// TaskSucceededEvent is published when a task reaches succeeded.
type TaskSucceededEvent struct {
	events.BaseEvent
	AccountID  uuid.UUID `json:"account_id"`
	ResultURLs []string  `json:"result_urls"`
	Credits    int64     `json:"credits"`
}

// TaskFailedEvent is published when a task reaches failed.
type TaskFailedEvent struct {
	events.BaseEvent
	AccountID uuid.UUID     `json:"account_id"`
	Reason    FailureReason `json:"reason"`
	Message   string        `json:"message"`
	Refunded  int64         `json:"refunded"`
}

func newTerminalEvent(task *Task) events.Event {
	if task.State() == StateSucceeded {
		return &TaskSucceededEvent{
			BaseEvent:  events.NewBaseEvent(EventTaskSucceeded, task.ID(), aggregateType),
			AccountID:  task.AccountID(),
			ResultURLs: task.ResultURLs(),
			Credits:    task.CreditsReserved(),
		}
	}
	return &TaskFailedEvent{
		BaseEvent: events.NewBaseEvent(EventTaskFailed, task.ID(), aggregateType),
		AccountID: task.AccountID(),
		Reason:    task.FailureReason(),
		Message:   task.ErrorMessage(),
		Refunded:  task.CreditsReserved(),
	}
}
