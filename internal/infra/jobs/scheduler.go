package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/imagegen/server/internal/domain/credits"
)

const defaultJobTimeout = 5 * time.Minute

// Reconciler checks every account's balance against its ledger entries.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (*credits.ReconcileReport, error)
}

// Settler retries settlement of finished tasks.
type Settler interface {
	SettlePending(ctx context.Context) (int, error)
}

// Metrics receives job results.
type Metrics interface {
	RecordReconcile(checked, drifted int)
	RecordSettled(n int)
}

// Config holds the job schedules in cron syntax (descriptors such as "@every 1h" allowed).
// An empty schedule disables the job.
type Config struct {
	ReconcileSchedule string
	SettleSchedule    string
	JobTimeout        time.Duration
}

// Scheduler runs the ledger maintenance jobs.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	settler    Settler
	metrics    Metrics
	timeout    time.Duration
	logger     *zap.Logger
}

// NewScheduler creates a scheduler and registers the configured jobs.
func NewScheduler(reconciler Reconciler, settler Settler, metrics Metrics, config *Config, logger *zap.Logger) (*Scheduler, error) {
	logger = logger.Named("jobs")
	cronLog := &cronLogger{logger: logger.Sugar()}

	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLog),
			cron.SkipIfStillRunning(cronLog),
		), cron.WithLogger(cronLog)),
		reconciler: reconciler,
		settler:    settler,
		metrics:    metrics,
		timeout:    config.JobTimeout,
		logger:     logger,
	}
	if s.timeout <= 0 {
		s.timeout = defaultJobTimeout
	}

	jobs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) error
	}{
		{"reconcile", config.ReconcileSchedule, s.RunReconcile},
		{"settle", config.SettleSchedule, s.RunSettle},
	}
	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, s.wrap(job.name, job.run)); err != nil {
			return nil, fmt.Errorf("schedule %s job %q: %w", job.name, job.schedule, err)
		}
	}
	return s, nil
}

// Start starts the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("job scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunReconcile runs one reconciliation pass.
func (s *Scheduler) RunReconcile(ctx context.Context) error {
	report, err := s.reconciler.ReconcileAll(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	for _, d := range report.Drifts {
		s.logger.Warn("ledger drift",
			zap.String("account_id", d.AccountID.String()),
			zap.Int64("balance", d.Balance),
			zap.Int64("entry_sum", d.EntrySum),
			zap.Int64("difference", d.Difference),
		)
	}
	if s.metrics != nil {
		s.metrics.RecordReconcile(report.Checked, len(report.Drifts))
	}
	s.logger.Info("reconciliation finished",
		zap.Int("checked", report.Checked),
		zap.Int("drifted", len(report.Drifts)),
	)
	return nil
}

// RunSettle runs one settlement sweep.
func (s *Scheduler) RunSettle(ctx context.Context) error {
	settled, err := s.settler.SettlePending(ctx)
	if s.metrics != nil {
		s.metrics.RecordSettled(settled)
	}
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	if settled > 0 {
		s.logger.Info("settled pending tasks", zap.Int("settled", settled))
	}
	return nil
}

func (s *Scheduler) wrap(name string, run func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		start := time.Now()
		if err := run(ctx); err != nil {
			s.logger.Error("job failed",
				zap.String("job", name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
		}
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = (*cronLogger)(nil)
