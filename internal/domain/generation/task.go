package generation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/imagegen/server/internal/model"
	"github.com/lib/pq"
)

// TaskState represents the lifecycle state of a generation task.
type TaskState string

const (
	StateSubmitted  TaskState = "submitted"
	StateGenerating TaskState = "generating"
	StateSucceeded  TaskState = "succeeded"
	StateFailed     TaskState = "failed"
)

// String returns the string representation of the state.
func (s TaskState) String() string {
	return string(s)
}

// IsTerminal reports whether the task can no longer change state.
func (s TaskState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// FailureReason classifies why a task failed.
type FailureReason string

const (
	FailureTimeout               FailureReason = "timeout"
	FailureCanceled              FailureReason = "canceled"
	FailureProviderError         FailureReason = "provider_error"
	FailureEmptyResult           FailureReason = "empty_result"
	FailureSubmissionInterrupted FailureReason = "submission_interrupted"
)

// Request is a user's generation request.
type Request struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	Size      string `json:"size,omitempty"`
	Count     int    `json:"n,omitempty"`
	Reference string `json:"reference,omitempty"`
}

func (r *Request) normalize(config *Config) error {
	r.Prompt = strings.TrimSpace(r.Prompt)
	if r.Prompt == "" {
		return ErrEmptyPrompt
	}
	if r.Count == 0 {
		r.Count = 1
	}
	if r.Count < 0 || r.Count > config.MaxImagesPerRequest {
		return fmt.Errorf("%w: %d (max %d)", ErrInvalidCount, r.Count, config.MaxImagesPerRequest)
	}
	if r.Model == "" {
		r.Model = config.DefaultModel
	}
	if r.Size == "" {
		r.Size = config.DefaultSize
	}
	return nil
}

func (r *Request) toProvider() *model.ImageGenerationRequest {
	return &model.ImageGenerationRequest{
		Prompt:    r.Prompt,
		Model:     r.Model,
		Size:      r.Size,
		N:         r.Count,
		Reference: r.Reference,
	}
}

// Task is one image generation job tracked from submission to a terminal state.
type Task struct {
	id              uuid.UUID
	providerTaskID  string
	accountID       uuid.UUID
	state           TaskState
	prompt          string
	model           string
	size            string
	count           int
	progress        float64
	resultURLs      []string
	errorMessage    string
	creditsReserved int64
	settled         bool
	createdAt       time.Time
	updatedAt       time.Time
	lastPolledAt    *time.Time
	completedAt     *time.Time
}

// NewTask creates a task in the submitted state.
func NewTask(id, accountID uuid.UUID, req *Request, now time.Time) *Task {
	return &Task{
		id:        id,
		accountID: accountID,
		state:     StateSubmitted,
		prompt:    req.Prompt,
		model:     req.Model,
		size:      req.Size,
		count:     req.Count,
		createdAt: now,
		updatedAt: now,
	}
}

// RestoreTask recreates a Task from persisted data.
func RestoreTask(m *model.GenerationTask) *Task {
	if m == nil {
		return nil
	}
	t := &Task{
		id:              m.ID,
		providerTaskID:  m.ProviderTaskID,
		accountID:       m.AccountID,
		state:           TaskState(m.State),
		prompt:          m.Prompt,
		model:           m.Model,
		size:            m.Size,
		count:           m.Count,
		progress:        m.Progress,
		resultURLs:      append([]string(nil), m.ResultURLs...),
		errorMessage:    m.ErrorMessage,
		creditsReserved: m.CreditsReserved,
		settled:         m.Settled,
		createdAt:       m.CreatedAt,
		updatedAt:       m.UpdatedAt,
	}
	if m.LastPolledAt != nil {
		at := *m.LastPolledAt
		t.lastPolledAt = &at
	}
	if m.CompletedAt != nil {
		at := *m.CompletedAt
		t.completedAt = &at
	}
	return t
}

// Getters
func (t *Task) ID() uuid.UUID            { return t.id }
func (t *Task) ProviderTaskID() string   { return t.providerTaskID }
func (t *Task) AccountID() uuid.UUID     { return t.accountID }
func (t *Task) State() TaskState         { return t.state }
func (t *Task) Prompt() string           { return t.prompt }
func (t *Task) Model() string            { return t.model }
func (t *Task) Size() string             { return t.size }
func (t *Task) Count() int               { return t.count }
func (t *Task) Progress() float64        { return t.progress }
func (t *Task) ResultURLs() []string     { return append([]string(nil), t.resultURLs...) }
func (t *Task) ErrorMessage() string     { return t.errorMessage }
func (t *Task) CreditsReserved() int64   { return t.creditsReserved }
func (t *Task) Settled() bool            { return t.settled }
func (t *Task) CreatedAt() time.Time     { return t.createdAt }
func (t *Task) UpdatedAt() time.Time     { return t.updatedAt }
func (t *Task) LastPolledAt() *time.Time { return t.lastPolledAt }
func (t *Task) CompletedAt() *time.Time  { return t.completedAt }

// FailureReason returns the reason code of a failed task.
func (t *Task) FailureReason() FailureReason {
	if t.state != StateFailed {
		return ""
	}
	reason, _, _ := strings.Cut(t.errorMessage, ": ")
	return FailureReason(reason)
}

// Accept records the provider task id once the provider acknowledged the job.
func (t *Task) Accept(providerTaskID string, now time.Time) error {
	if t.state != StateSubmitted {
		return fmt.Errorf("%w: accept from %s", ErrInvalidTransition, t.state)
	}
	t.providerTaskID = providerTaskID
	t.state = StateGenerating
	t.updatedAt = now
	return nil
}

// RecordProgress stores a poll result. Progress never decreases and stays in [0,1].
func (t *Task) RecordProgress(progress float64, now time.Time) error {
	if t.state.IsTerminal() {
		return fmt.Errorf("%w: progress on %s task", ErrInvalidTransition, t.state)
	}
	if progress > 1 {
		progress = 1
	}
	if progress > t.progress {
		t.progress = progress
	}
	if t.state == StateSubmitted && t.providerTaskID != "" {
		t.state = StateGenerating
	}
	t.lastPolledAt = &now
	t.updatedAt = now
	return nil
}

// Succeed moves the task to succeeded with its result URLs.
func (t *Task) Succeed(urls []string, now time.Time) error {
	if t.state.IsTerminal() {
		return fmt.Errorf("%w: succeed from %s", ErrInvalidTransition, t.state)
	}
	if len(urls) == 0 {
		return fmt.Errorf("%w: succeed without results", ErrInvalidTransition)
	}
	t.state = StateSucceeded
	t.progress = 1
	t.resultURLs = append([]string(nil), urls...)
	t.completedAt = &now
	t.updatedAt = now
	return nil
}

// Fail moves the task to failed. The error message is "<reason>" or "<reason>: <detail>".
func (t *Task) Fail(reason FailureReason, detail string, now time.Time) error {
	if t.state.IsTerminal() {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, t.state)
	}
	t.state = StateFailed
	t.errorMessage = string(reason)
	if detail != "" {
		t.errorMessage += ": " + detail
	}
	t.completedAt = &now
	t.updatedAt = now
	return nil
}

// MarkSettled records that the reservation was committed or refunded.
func (t *Task) MarkSettled(now time.Time) {
	t.settled = true
	t.updatedAt = now
}

func (t *Task) toModel() *model.GenerationTask {
	m := &model.GenerationTask{
		ID:              t.id,
		ProviderTaskID:  t.providerTaskID,
		AccountID:       t.accountID,
		State:           t.state.String(),
		Prompt:          t.prompt,
		Model:           t.model,
		Size:            t.size,
		Count:           t.count,
		Progress:        t.progress,
		ResultURLs:      pq.StringArray(append([]string(nil), t.resultURLs...)),
		ErrorMessage:    t.errorMessage,
		CreditsReserved: t.creditsReserved,
		Settled:         t.settled,
		CreatedAt:       t.createdAt,
		UpdatedAt:       t.updatedAt,
	}
	if t.lastPolledAt != nil {
		at := *t.lastPolledAt
		m.LastPolledAt = &at
	}
	if t.completedAt != nil {
		at := *t.completedAt
		m.CompletedAt = &at
	}
	return m
}
