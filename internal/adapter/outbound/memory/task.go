package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/imagegen/server/internal/model"
	"github.com/imagegen/server/internal/port/outbound"
)

// ErrTaskNotFound is returned by Update for unknown tasks.
var ErrTaskNotFound = errors.New("task not found")

// terminal task states as persisted by the generation domain.
var terminalStates = map[string]bool{
	"succeeded": true,
	"failed":    true,
}

// TaskRepository is an in-memory GenerationTaskPort.
type TaskRepository struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*model.GenerationTask
}

// NewTaskRepository creates an empty task repository.
func NewTaskRepository() *TaskRepository {
	return &TaskRepository{tasks: make(map[uuid.UUID]*model.GenerationTask)}
}

func (r *TaskRepository) Create(_ context.Context, task *model.GenerationTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; exists {
		return outbound.ErrDuplicateEntry
	}
	r.tasks[task.ID] = task.Clone()
	return nil
}

func (r *TaskRepository) Get(_ context.Context, id uuid.UUID) (*model.GenerationTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[id].Clone(), nil
}

func (r *TaskRepository) Update(_ context.Context, task *model.GenerationTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; !exists {
		return ErrTaskNotFound
	}
	r.tasks[task.ID] = task.Clone()
	return nil
}

func (r *TaskRepository) UpdateActive(_ context.Context, task *model.GenerationTask) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.tasks[task.ID]
	if !exists || terminalStates[stored.State] {
		return false, nil
	}
	r.tasks[task.ID] = task.Clone()
	return true, nil
}

func (r *TaskRepository) ListByAccount(_ context.Context, accountID uuid.UUID, limit int) ([]*model.GenerationTask, error) {
	out := r.filter(func(t *model.GenerationTask) bool { return t.AccountID == accountID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *TaskRepository) ListActive(_ context.Context) ([]*model.GenerationTask, error) {
	return r.filter(func(t *model.GenerationTask) bool { return !terminalStates[t.State] }), nil
}

func (r *TaskRepository) ListUnsettled(_ context.Context) ([]*model.GenerationTask, error) {
	return r.filter(func(t *model.GenerationTask) bool { return terminalStates[t.State] && !t.Settled }), nil
}

func (r *TaskRepository) filter(keep func(*model.GenerationTask) bool) []*model.GenerationTask {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.GenerationTask
	for _, t := range r.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Compile-time check
var _ outbound.GenerationTaskPort = (*TaskRepository)(nil)
