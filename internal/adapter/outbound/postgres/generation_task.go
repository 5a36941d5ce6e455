package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/imagegen/server/internal/model"
	"github.com/imagegen/server/internal/port/outbound"
	"gorm.io/gorm"
)

// ErrTaskNotFound is returned by Update for unknown tasks.
var ErrTaskNotFound = errors.New("generation task not found")

var terminalTaskStates = []string{"succeeded", "failed"}

// generationTaskAdapter implements outbound.GenerationTaskPort.
type generationTaskAdapter struct {
	db *gorm.DB
}

// NewGenerationTaskAdapter creates a new generation task adapter.
func NewGenerationTaskAdapter(db *gorm.DB) outbound.GenerationTaskPort {
	return &generationTaskAdapter{db: db}
}

func (a *generationTaskAdapter) Create(ctx context.Context, task *model.GenerationTask) error {
	if err := a.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create generation task: %w", translateError(err))
	}
	return nil
}

func (a *generationTaskAdapter) Get(ctx context.Context, id uuid.UUID) (*model.GenerationTask, error) {
	var task model.GenerationTask
	err := a.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

func (a *generationTaskAdapter) Update(ctx context.Context, task *model.GenerationTask) error {
	result := a.db.WithContext(ctx).Save(task)
	if result.Error != nil {
		return fmt.Errorf("update generation task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UpdateActive guards the write with the stored state, so a task finished by
// another replica is never overwritten.
func (a *generationTaskAdapter) UpdateActive(ctx context.Context, task *model.GenerationTask) (bool, error) {
	result := a.db.WithContext(ctx).
		Model(task).
		Where("state NOT IN ?", terminalTaskStates).
		Select("*").
		Updates(task)
	if result.Error != nil {
		return false, fmt.Errorf("update generation task: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (a *generationTaskAdapter) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*model.GenerationTask, error) {
	var tasks []*model.GenerationTask
	query := a.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list generation tasks: %w", err)
	}
	return tasks, nil
}

func (a *generationTaskAdapter) ListActive(ctx context.Context) ([]*model.GenerationTask, error) {
	var tasks []*model.GenerationTask
	err := a.db.WithContext(ctx).
		Where("state NOT IN ?", terminalTaskStates).
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list active generation tasks: %w", err)
	}
	return tasks, nil
}

func (a *generationTaskAdapter) ListUnsettled(ctx context.Context) ([]*model.GenerationTask, error) {
	var tasks []*model.GenerationTask
	err := a.db.WithContext(ctx).
		Where("state IN ? AND settled = ?", terminalTaskStates, false).
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list unsettled generation tasks: %w", err)
	}
	return tasks, nil
}

// Compile-time check
var _ outbound.GenerationTaskPort = (*generationTaskAdapter)(nil)
