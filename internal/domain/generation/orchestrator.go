package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/imagegen/server/internal/domain/credits"
	"github.com/imagegen/server/internal/model"
	"github.com/imagegen/server/internal/port/outbound"
	"go.uber.org/zap"
)

// GenerationDomain defines the generation task operations.
type GenerationDomain interface {
	Submit(ctx context.Context, accountID uuid.UUID, req *Request) (*Task, error)
	GetTask(ctx context.Context, accountID, taskID uuid.UUID) (*Task, error)
	ListTasks(ctx context.Context, accountID uuid.UUID, limit int) ([]*Task, error)
	Cancel(ctx context.Context, accountID, taskID uuid.UUID) (*Task, error)
	SettlePending(ctx context.Context) (int, error)
	Start(ctx context.Context) error
	Stop()
}

// CreditReserver holds and finalizes credits for a task.
type CreditReserver interface {
	Reserve(ctx context.Context, accountID uuid.UUID, cost int64, taskID uuid.UUID) (*credits.LedgerEntry, error)
	Commit(ctx context.Context, taskID uuid.UUID) error
	Refund(ctx context.Context, taskID uuid.UUID) (bool, error)
	HeldReservations(ctx context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error)
}

// Metrics receives orchestrator measurements.
type Metrics interface {
	RecordTaskSubmitted(model string)
	RecordTaskFinished(state, reason string, duration time.Duration)
	RecordProviderCall(operation, outcome string)
}

const (
	taskLockStripes = 64

	orphanSweepBatch = 500
)

// Orchestrator drives generation tasks from submission to a terminal state
// and settles their credit reservations.
type Orchestrator struct {
	repo      outbound.GenerationTaskPort
	provider  outbound.ImageProviderPort
	storage   outbound.ResultStoragePort
	credits   CreditReserver
	publisher EventPublisher
	metrics   Metrics
	config    *Config
	logger    *zap.Logger
	now       func() time.Time

	semaphore chan struct{}
	locks     [taskLockStripes]sync.Mutex

	mu         sync.Mutex
	pollers    map[uuid.UUID]context.CancelFunc
	submitting map[uuid.UUID]struct{}
	stopped    bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator creates a new orchestrator. storage, publisher and metrics may be nil.
func NewOrchestrator(
	repo outbound.GenerationTaskPort,
	provider outbound.ImageProviderPort,
	storage outbound.ResultStoragePort,
	creditReserver CreditReserver,
	publisher EventPublisher,
	metrics Metrics,
	config *Config,
	logger *zap.Logger,
) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxConcurrent := config.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		repo:       repo,
		provider:   provider,
		storage:    storage,
		credits:    creditReserver,
		publisher:  publisher,
		metrics:    metrics,
		config:     config,
		logger:     logger.Named("orchestrator"),
		now:        time.Now,
		semaphore:  make(chan struct{}, maxConcurrent),
		pollers:    make(map[uuid.UUID]context.CancelFunc),
		submitting: make(map[uuid.UUID]struct{}),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Compile-time interface check
var _ GenerationDomain = (*Orchestrator)(nil)

// --- Lifecycle ---

// Start resumes polling for unfinished tasks and settles finished ones.
func (o *Orchestrator) Start(ctx context.Context) error {
	active, err := o.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active tasks: %w", err)
	}

	o.logger.Info("recovering generation tasks", zap.Int("count", len(active)))

	for _, m := range active {
		task := RestoreTask(m)
		if task.ProviderTaskID() == "" {
			if o.isSubmitting(task.ID()) {
				continue
			}
			// The provider never acknowledged the job before the process stopped.
			o.finish(ctx, task.ID(), func(t *Task) error {
				return t.Fail(FailureSubmissionInterrupted, "", o.now())
			})
			continue
		}
		o.startPolling(task)
	}

	if _, err := o.SettlePending(ctx); err != nil {
		return fmt.Errorf("settle pending tasks: %w", err)
	}
	return nil
}

// Stop cancels all pollers and waits for them to exit. Unfinished tasks
// keep their state and are resumed by the next Start.
func (o *Orchestrator) Stop() {
	o.logger.Info("stopping orchestrator")
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// --- Commands ---

// Submit reserves credits, records the task and hands it to the provider.
func (o *Orchestrator) Submit(ctx context.Context, accountID uuid.UUID, req *Request) (*Task, error) {
	if req == nil {
		return nil, ErrEmptyPrompt
	}
	if err := req.normalize(o.config); err != nil {
		return nil, err
	}

	task := NewTask(uuid.New(), accountID, req, o.now())
	cost := o.config.CostPerImage * int64(req.Count)

	o.markSubmitting(task.ID(), true)
	defer o.markSubmitting(task.ID(), false)

	entry, err := o.credits.Reserve(ctx, accountID, cost, task.ID())
	if err != nil {
		return nil, err
	}
	task.creditsReserved = -entry.Delta

	detached := context.WithoutCancel(ctx)
	if err := o.repo.Create(ctx, task.toModel()); err != nil {
		if _, rerr := o.credits.Refund(detached, task.ID()); rerr != nil {
			o.logger.Error("refund after failed task insert",
				zap.String("task_id", task.ID().String()),
				zap.Error(rerr),
			)
		}
		return nil, fmt.Errorf("create task: %w", err)
	}
	if o.metrics != nil {
		o.metrics.RecordTaskSubmitted(req.Model)
	}

	providerTaskID, err := o.submitToProvider(detached, task.ID(), req)
	if err != nil {
		o.logger.Warn("provider submission failed",
			zap.String("task_id", task.ID().String()),
			zap.Error(err),
		)
		failed := o.finish(detached, task.ID(), func(t *Task) error {
			return t.Fail(FailureProviderError, err.Error(), o.now())
		})
		if failed == nil {
			failed = task
		}
		return failed, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	accepted, _, err := o.transition(detached, task.ID(), func(t *Task) error {
		return t.Accept(providerTaskID, o.now())
	})
	if err != nil {
		return nil, fmt.Errorf("accept task: %w", err)
	}
	if accepted.State().IsTerminal() {
		// Canceled while the provider call was in flight.
		return accepted, nil
	}

	o.logger.Info("task submitted",
		zap.String("task_id", task.ID().String()),
		zap.String("account_id", accountID.String()),
		zap.String("provider_task_id", providerTaskID),
		zap.Int64("credits", task.CreditsReserved()),
	)

	o.startPolling(accepted)
	return accepted, nil
}

// Cancel stops polling a task and resolves it as failed with a refund.
func (o *Orchestrator) Cancel(ctx context.Context, accountID, taskID uuid.UUID) (*Task, error) {
	task, err := o.GetTask(ctx, accountID, taskID)
	if err != nil {
		return nil, err
	}
	if task.State().IsTerminal() {
		return task, ErrTaskFinished
	}

	o.stopPolling(taskID)

	canceled := o.finish(context.WithoutCancel(ctx), taskID, func(t *Task) error {
		return t.Fail(FailureCanceled, "", o.now())
	})
	if canceled == nil {
		return nil, fmt.Errorf("cancel task %s: state not persisted", taskID)
	}
	if canceled.State() != StateFailed || canceled.FailureReason() != FailureCanceled {
		return canceled, ErrTaskFinished
	}
	return canceled, nil
}

// SettlePending commits or refunds terminal tasks whose settlement did not
// complete, then refunds held reservations that never got a task row.
func (o *Orchestrator) SettlePending(ctx context.Context) (int, error) {
	settled, err := o.settleTerminal(ctx)
	if err != nil {
		return settled, err
	}
	orphans, err := o.refundOrphans(ctx)
	return settled + orphans, err
}

func (o *Orchestrator) settleTerminal(ctx context.Context) (int, error) {
	tasks, err := o.repo.ListUnsettled(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unsettled tasks: %w", err)
	}

	settled := 0
	for _, m := range tasks {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		if err := o.settle(ctx, RestoreTask(m)); err != nil {
			o.logger.Error("settle task failed",
				zap.String("task_id", m.ID.String()),
				zap.Error(err),
			)
			continue
		}
		settled++
	}
	if settled > 0 {
		o.logger.Info("settled pending tasks", zap.Int("count", settled))
	}
	return settled, nil
}

// refundOrphans refunds reservations older than ReservationGrace whose task
// row does not exist, which happens when Submit stopped between Reserve and
// the task insert.
func (o *Orchestrator) refundOrphans(ctx context.Context) (int, error) {
	ids, err := o.credits.HeldReservations(ctx, o.now().Add(-o.config.ReservationGrace), orphanSweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list held reservations: %w", err)
	}

	refunded := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return refunded, err
		}
		if o.isSubmitting(id) {
			continue
		}
		m, err := o.repo.Get(ctx, id)
		if err != nil {
			o.logger.Error("lookup reserved task failed", zap.String("task_id", id.String()), zap.Error(err))
			continue
		}
		if m != nil {
			continue
		}
		ok, err := o.credits.Refund(ctx, id)
		if err != nil {
			o.logger.Error("refund orphaned reservation failed", zap.String("task_id", id.String()), zap.Error(err))
			continue
		}
		if ok {
			o.logger.Warn("refunded reservation without task", zap.String("task_id", id.String()))
			refunded++
		}
	}
	return refunded, nil
}

// --- Queries ---

// GetTask returns a task owned by the account.
func (o *Orchestrator) GetTask(ctx context.Context, accountID, taskID uuid.UUID) (*Task, error) {
	m, err := o.repo.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if m == nil || m.AccountID != accountID {
		return nil, ErrTaskNotFound
	}
	return RestoreTask(m), nil
}

// ListTasks lists the newest tasks of an account.
func (o *Orchestrator) ListTasks(ctx context.Context, accountID uuid.UUID, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = o.config.DefaultListLimit
	}
	models, err := o.repo.ListByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]*Task, 0, len(models))
	for _, m := range models {
		out = append(out, RestoreTask(m))
	}
	return out, nil
}

// --- Submission ---

func (o *Orchestrator) submitToProvider(ctx context.Context, taskID uuid.UUID, req *Request) (string, error) {
	for attempt := 0; ; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if o.config.SubmitTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, o.config.SubmitTimeout)
		}
		providerTaskID, err := o.provider.Submit(callCtx, req.toProvider())
		cancel()

		o.recordProviderCall("submit", err)
		if err == nil {
			if providerTaskID == "" {
				return "", &outbound.ProviderError{Message: "empty provider task id"}
			}
			return providerTaskID, nil
		}
		if !outbound.IsTransientProviderError(err) || attempt >= o.config.SubmitRetries {
			return "", err
		}

		delay := o.backoff(attempt + 1)
		o.logger.Warn("transient submit error, retrying",
			zap.String("task_id", taskID.String()),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
}

// --- Polling ---

func (o *Orchestrator) startPolling(task *Task) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	if _, ok := o.pollers[task.ID()]; ok {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(o.baseCtx)
	o.pollers[task.ID()] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	go o.poll(ctx, task.ID(), task.ProviderTaskID(), task.CreatedAt())
}

func (o *Orchestrator) stopPolling(taskID uuid.UUID) {
	o.mu.Lock()
	cancel, ok := o.pollers[taskID]
	delete(o.pollers, taskID)
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// poll asks the provider for the task status until the task is terminal,
// the poll is canceled or MaxPollDuration since creation has passed.
func (o *Orchestrator) poll(ctx context.Context, taskID uuid.UUID, providerTaskID string, createdAt time.Time) {
	defer o.wg.Done()
	defer o.stopPolling(taskID)

	timeout := time.NewTimer(createdAt.Add(o.config.MaxPollDuration).Sub(o.now()))
	defer timeout.Stop()

	next := time.NewTimer(o.config.PollInterval)
	defer next.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout.C:
			o.logger.Warn("task timed out",
				zap.String("task_id", taskID.String()),
				zap.Duration("max_poll_duration", o.config.MaxPollDuration),
			)
			o.finish(ctx, taskID, func(t *Task) error {
				return t.Fail(FailureTimeout, "", o.now())
			})
			return
		case <-next.C:
		}

		done, err := o.pollOnce(ctx, taskID, providerTaskID)
		if done {
			return
		}

		delay := o.config.PollInterval
		if err != nil {
			failures++
			delay = o.backoff(failures)
			o.logger.Warn("transient poll error",
				zap.String("task_id", taskID.String()),
				zap.Int("consecutive_failures", failures),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
		} else {
			failures = 0
		}
		next.Reset(delay)
	}
}

// pollOnce performs one status check. It returns done when polling should stop
// and a non-nil error for failures that must be retried with backoff.
func (o *Orchestrator) pollOnce(ctx context.Context, taskID uuid.UUID, providerTaskID string) (bool, error) {
	select {
	case <-ctx.Done():
		return true, nil
	case o.semaphore <- struct{}{}:
	}
	status, err := o.provider.GetStatus(ctx, providerTaskID)
	<-o.semaphore

	o.recordProviderCall("status", err)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		if outbound.IsTransientProviderError(err) {
			return false, err
		}
		return o.finishFromPoll(ctx, taskID, func(t *Task) error {
			return t.Fail(FailureProviderError, err.Error(), o.now())
		})
	}

	switch status.Status {
	case model.ProviderTaskSucceeded:
		if len(status.ResultURLs) == 0 {
			return o.finishFromPoll(ctx, taskID, func(t *Task) error {
				return t.Fail(FailureEmptyResult, "provider returned no images", o.now())
			})
		}
		urls := o.rehost(ctx, taskID, status.ResultURLs)
		return o.finishFromPoll(ctx, taskID, func(t *Task) error {
			return t.Succeed(urls, o.now())
		})

	case model.ProviderTaskFailed:
		detail := status.Error
		if detail == "" {
			detail = "provider reported failure"
		}
		return o.finishFromPoll(ctx, taskID, func(t *Task) error {
			return t.Fail(FailureProviderError, detail, o.now())
		})

	case model.ProviderTaskQueued, model.ProviderTaskRunning:
		writeCtx, cancel := o.detached(ctx)
		task, _, err := o.transition(writeCtx, taskID, func(t *Task) error {
			return t.RecordProgress(status.Progress, o.now())
		})
		cancel()
		if err != nil {
			return false, err
		}
		return task.State().IsTerminal(), nil

	default:
		o.logger.Warn("unknown provider status",
			zap.String("task_id", taskID.String()),
			zap.String("status", string(status.Status)),
		)
		return false, nil
	}
}

func (o *Orchestrator) finishFromPoll(ctx context.Context, taskID uuid.UUID, apply func(*Task) error) (bool, error) {
	if task := o.finish(ctx, taskID, apply); task == nil {
		return false, fmt.Errorf("task %s: terminal state not persisted", taskID)
	}
	return true, nil
}

func (o *Orchestrator) rehost(ctx context.Context, taskID uuid.UUID, urls []string) []string {
	if o.storage == nil || !o.config.RehostResults {
		return urls
	}
	hosted, err := o.storage.Rehost(ctx, taskID, urls)
	if err != nil {
		o.logger.Warn("rehost results failed, keeping provider urls",
			zap.String("task_id", taskID.String()),
			zap.Error(err),
		)
		return urls
	}
	return hosted
}

// --- Finalization ---

// finish applies a terminal transition, settles credits and publishes the
// outcome. It returns the stored task, or nil when the transition could not
// be persisted. A task that was already terminal is returned unchanged.
func (o *Orchestrator) finish(ctx context.Context, taskID uuid.UUID, apply func(*Task) error) *Task {
	ctx, cancel := o.detached(ctx)
	defer cancel()

	task, changed, err := o.transition(ctx, taskID, apply)
	if err != nil {
		o.logger.Error("finalize task failed",
			zap.String("task_id", taskID.String()),
			zap.Error(err),
		)
		return nil
	}
	if !changed {
		return task
	}

	o.logger.Info("task finished",
		zap.String("task_id", taskID.String()),
		zap.String("state", task.State().String()),
		zap.String("error", task.ErrorMessage()),
	)
	if o.metrics != nil {
		o.metrics.RecordTaskFinished(task.State().String(), string(task.FailureReason()), task.CompletedAt().Sub(task.CreatedAt()))
	}

	if err := o.settle(ctx, task); err != nil {
		// SettlePending retries it later.
		o.logger.Error("settle task failed",
			zap.String("task_id", taskID.String()),
			zap.Error(err),
		)
	}
	if o.publisher != nil {
		o.publisher.Publish(newTerminalEvent(task))
	}
	return task
}

// transition reloads the task under its lock and applies fn. Terminal tasks
// are returned unchanged with changed == false.
func (o *Orchestrator) transition(ctx context.Context, taskID uuid.UUID, fn func(*Task) error) (*Task, bool, error) {
	lock := o.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	m, err := o.repo.Get(ctx, taskID)
	if err != nil {
		return nil, false, fmt.Errorf("get task: %w", err)
	}
	if m == nil {
		return nil, false, ErrTaskNotFound
	}
	task := RestoreTask(m)
	if task.State().IsTerminal() {
		return task, false, nil
	}
	if err := fn(task); err != nil {
		return nil, false, err
	}
	written, err := o.repo.UpdateActive(ctx, task.toModel())
	if err != nil {
		return nil, false, fmt.Errorf("update task: %w", err)
	}
	if !written {
		// Another process finished the task after it was read.
		m, err := o.repo.Get(ctx, taskID)
		if err != nil {
			return nil, false, fmt.Errorf("get task: %w", err)
		}
		if m == nil {
			return nil, false, ErrTaskNotFound
		}
		return RestoreTask(m), false, nil
	}
	return task, true, nil
}

// settle commits a succeeded task or refunds a failed one and marks it settled.
func (o *Orchestrator) settle(ctx context.Context, task *Task) error {
	if task.Settled() || !task.State().IsTerminal() {
		return nil
	}

	var err error
	switch task.State() {
	case StateSucceeded:
		err = o.credits.Commit(ctx, task.ID())
	case StateFailed:
		var refunded bool
		refunded, err = o.credits.Refund(ctx, task.ID())
		if err == nil && refunded {
			o.logger.Info("credits refunded",
				zap.String("task_id", task.ID().String()),
				zap.Int64("amount", task.CreditsReserved()),
			)
		}
	}
	if errors.Is(err, credits.ErrReservationFinalized) || errors.Is(err, credits.ErrReservationNotFound) {
		o.logger.Warn("reservation cannot be settled",
			zap.String("task_id", task.ID().String()),
			zap.String("state", task.State().String()),
			zap.Error(err),
		)
		err = nil
	}
	if err != nil {
		return err
	}

	lock := o.lockFor(task.ID())
	lock.Lock()
	defer lock.Unlock()

	m, err := o.repo.Get(ctx, task.ID())
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if m == nil {
		return ErrTaskNotFound
	}
	stored := RestoreTask(m)
	stored.MarkSettled(o.now())
	if err := o.repo.Update(ctx, stored.toModel()); err != nil {
		return fmt.Errorf("mark settled: %w", err)
	}
	task.settled = true
	return nil
}

// --- helpers ---

// detached returns a context that survives cancellation of ctx, bounded by FinalizeTimeout.
func (o *Orchestrator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if o.config.FinalizeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.config.FinalizeTimeout)
}

func (o *Orchestrator) backoff(failures int) time.Duration {
	delay := o.config.PollInterval
	for i := 0; i < failures && delay < o.config.MaxBackoff; i++ {
		delay *= 2
	}
	if o.config.MaxBackoff > 0 && delay > o.config.MaxBackoff {
		delay = o.config.MaxBackoff
	}
	return delay
}

func (o *Orchestrator) lockFor(taskID uuid.UUID) *sync.Mutex {
	return &o.locks[int(taskID[15])%taskLockStripes]
}

func (o *Orchestrator) markSubmitting(taskID uuid.UUID, on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if on {
		o.submitting[taskID] = struct{}{}
	} else {
		delete(o.submitting, taskID)
	}
}

func (o *Orchestrator) isSubmitting(taskID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.submitting[taskID]
	return ok
}

func (o *Orchestrator) recordProviderCall(operation string, err error) {
	if o.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "terminal_error"
		if outbound.IsTransientProviderError(err) {
			outcome = "transient_error"
		}
	}
	o.metrics.RecordProviderCall(operation, outcome)
}
