package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// GenerationTask is the persisted state of one image generation job.
type GenerationTask struct {
	ID              uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	ProviderTaskID  string         `json:"provider_task_id,omitempty" gorm:"index"`
	AccountID       uuid.UUID      `json:"account_id" gorm:"type:uuid;not null;index"`
	State           string         `json:"state" gorm:"not null;index"`
	Prompt          string         `json:"prompt" gorm:"type:text;not null"`
	Model           string         `json:"model"`
	Size            string         `json:"size"`
	Count           int            `json:"count" gorm:"not null;default:1"`
	Progress        float64        `json:"progress" gorm:"not null;default:0"`
	ResultURLs      pq.StringArray `json:"result_urls" gorm:"type:text[]"`
	ErrorMessage    string         `json:"error_message,omitempty" gorm:"type:text"`
	CreditsReserved int64          `json:"credits_reserved" gorm:"not null;default:0"`
	Settled         bool           `json:"settled" gorm:"not null;default:false;index"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	LastPolledAt    *time.Time     `json:"last_polled_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// TableName returns the table name for GenerationTask.
func (GenerationTask) TableName() string {
	return "generation_tasks"
}

// Clone returns a deep copy of the task.
func (t *GenerationTask) Clone() *GenerationTask {
	if t == nil {
		return nil
	}
	out := *t
	if t.ResultURLs != nil {
		out.ResultURLs = append(pq.StringArray(nil), t.ResultURLs...)
	}
	if t.LastPolledAt != nil {
		at := *t.LastPolledAt
		out.LastPolledAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	return &out
}

// ImageGenerationRequest is what gets sent to the image provider.
type ImageGenerationRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	Size      string `json:"size,omitempty"`
	N         int    `json:"n"`
	Reference string `json:"reference,omitempty"`
}

// ProviderTaskState is the provider-side job status.
type ProviderTaskState string

const (
	ProviderTaskQueued    ProviderTaskState = "queued"
	ProviderTaskRunning   ProviderTaskState = "running"
	ProviderTaskSucceeded ProviderTaskState = "succeeded"
	ProviderTaskFailed    ProviderTaskState = "failed"
)

// ProviderTaskStatus is one poll result from the image provider.
type ProviderTaskStatus struct {
	Status     ProviderTaskState `json:"status"`
	Progress   float64           `json:"progress"`
	ResultURLs []string          `json:"result_urls,omitempty"`
	Error      string            `json:"error,omitempty"`
}
