package outbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/imagegen/server/internal/model"
)

// GenerationTaskPort defines generation task persistence.
type GenerationTaskPort interface {
	Create(ctx context.Context, task *model.GenerationTask) error

	// Get returns the task, or nil if it does not exist.
	Get(ctx context.Context, id uuid.UUID) (*model.GenerationTask, error)

	Update(ctx context.Context, task *model.GenerationTask) error

	// UpdateActive writes the task only if the stored row is not yet in a
	// terminal state. It reports whether the row was written.
	UpdateActive(ctx context.Context, task *model.GenerationTask) (bool, error)

	// ListByAccount lists the newest tasks of an account first.
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*model.GenerationTask, error)

	// ListActive lists tasks that have not reached a terminal state.
	ListActive(ctx context.Context) ([]*model.GenerationTask, error)

	// ListUnsettled lists terminal tasks whose credits were not finalized.
	ListUnsettled(ctx context.Context) ([]*model.GenerationTask, error)
}

// ImageProviderPort is the third-party asynchronous image generation API.
type ImageProviderPort interface {
	// Submit starts a job and returns the provider task id.
	Submit(ctx context.Context, req *model.ImageGenerationRequest) (string, error)

	// GetStatus polls a job.
	GetStatus(ctx context.Context, providerTaskID string) (*model.ProviderTaskStatus, error)
}

// ProviderError is returned by ImageProviderPort implementations.
// Transient errors mean the provider could not be asked; they never end a task.
type ProviderError struct {
	StatusCode int
	Message    string
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s error (status %d): %s", kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s error: %s", kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsProviderUnavailable reports whether err is a ProviderError marked transient.
// Unlike IsTransientProviderError it does not treat unclassified errors as transient.
func IsProviderUnavailable(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Transient
}

// IsTransientProviderError reports whether err is a retryable provider failure.
// Errors that are not a ProviderError are treated as transient.
func IsTransientProviderError(err error) bool {
	if err == nil {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Transient
	}
	return true
}

// ResultStoragePort copies provider result images into our own bucket.
type ResultStoragePort interface {
	// Rehost returns the new URLs in the same order as urls.
	Rehost(ctx context.Context, taskID uuid.UUID, urls []string) ([]string, error)
}
