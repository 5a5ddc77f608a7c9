package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/colorlab/backend/internal/models"
	"github.com/colorlab/backend/internal/providers"
	"github.com/colorlab/backend/internal/repository"
	"github.com/colorlab/backend/internal/tasks"
)

const (
	defaultPollInterval    = 5 * time.Second
	defaultMaxPollAttempts = 60
	msgGenerationFailed    = "generation failed"
	msgTimedOut            = "timed out waiting for provider"
)

// snooze is river.JobSnooze; tests replace it to observe the poll delay.
var snooze = river.JobSnooze

// TaskService is what the workers need from the orchestrator.
type TaskService interface {
	Complete(ctx context.Context, taskID uuid.UUID, resultURLs []string) error
	Fail(ctx context.Context, taskID uuid.UUID, reason string) error
	RetryRefund(ctx context.Context, taskID uuid.UUID) error
}

type TaskStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	IncrementPollAttempts(ctx context.Context, id uuid.UUID) (int, error)
}

type ProviderLookup interface {
	ByName(name string) (providers.Provider, error)
}

type ResolveTaskWorker struct {
	river.WorkerDefaults[ResolveTaskArgs]
	tasks           TaskStore
	providers       ProviderLookup
	svc             TaskService
	pollInterval    time.Duration
	maxPollAttempts int
	log             *zap.Logger
}

func NewResolveTaskWorker(store TaskStore, lookup ProviderLookup, svc TaskService, pollInterval time.Duration, maxPollAttempts int, log *zap.Logger) *ResolveTaskWorker {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if maxPollAttempts <= 0 {
		maxPollAttempts = defaultMaxPollAttempts
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ResolveTaskWorker{
		tasks:           store,
		providers:       lookup,
		svc:             svc,
		pollInterval:    pollInterval,
		maxPollAttempts: maxPollAttempts,
		log:             log,
	}
}

// Timeout leaves room for re-hosting several results.
func (w *ResolveTaskWorker) Timeout(*river.Job[ResolveTaskArgs]) time.Duration {
	return 5 * time.Minute
}

// Work checks the provider once per run. A task still in progress snoozes the
// job, which does not consume a River attempt.
func (w *ResolveTaskWorker) Work(ctx context.Context, job *river.Job[ResolveTaskArgs]) error {
	taskID := job.Args.TaskID
	task, err := w.tasks.GetByID(ctx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		return river.JobCancel(fmt.Errorf("task %s not found", taskID))
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if tasks.IsTerminal(task.Status) {
		return nil
	}
	log := w.log.With(zap.String("task_id", taskID.String()), zap.String("provider", task.Provider))

	status, err := w.status(ctx, task, job.Args.Immediate)
	if err != nil {
		var perr *providers.Error
		if errors.As(err, &perr) && !perr.Retryable() {
			return w.failTask(ctx, taskID, perr.Message)
		}
		if finalAttempt(job) {
			log.Warn("status query failed on final attempt", zap.Error(err))
			return w.failTask(ctx, taskID, "could not reach provider")
		}
		return fmt.Errorf("query provider status: %w", err)
	}

	switch status.State {
	case models.TaskStatusSucceeded:
		if err := w.svc.Complete(ctx, taskID, status.ResultURLs); err != nil {
			if finalAttempt(job) {
				log.Error("could not complete task on final attempt", zap.Error(err))
				return w.failTask(ctx, taskID, "could not store results")
			}
			return fmt.Errorf("complete task: %w", err)
		}
		return nil
	case models.TaskStatusFailed:
		reason := status.ErrorMessage
		if reason == "" {
			reason = msgGenerationFailed
		}
		return w.failTask(ctx, taskID, reason)
	}

	n, err := w.tasks.IncrementPollAttempts(ctx, taskID)
	if err != nil {
		return fmt.Errorf("count poll attempt: %w", err)
	}
	if n >= w.maxPollAttempts {
		log.Warn("provider never finished", zap.Int("poll_attempts", n))
		return w.failTask(ctx, taskID, msgTimedOut)
	}
	return snooze(w.pollInterval)
}

func (w *ResolveTaskWorker) status(ctx context.Context, task *models.Task, immediate *providers.Status) (providers.Status, error) {
	if immediate != nil {
		return *immediate, nil
	}
	if task.ProviderTaskID == nil || *task.ProviderTaskID == "" {
		return providers.Status{State: models.TaskStatusFailed, ErrorMessage: "task has no provider id"}, nil
	}
	p, err := w.providers.ByName(task.Provider)
	if err != nil {
		return providers.Status{State: models.TaskStatusFailed, ErrorMessage: "unknown provider " + task.Provider}, nil
	}
	return p.QueryStatus(ctx, *task.ProviderTaskID)
}

func (w *ResolveTaskWorker) failTask(ctx context.Context, taskID uuid.UUID, reason string) error {
	if err := w.svc.Fail(ctx, taskID, reason); err != nil {
		return fmt.Errorf("task failed (%s) AND could not be marked failed: %w", reason, err)
	}
	return nil
}

func finalAttempt[T river.JobArgs](job *river.Job[T]) bool {
	return job.JobRow != nil && job.Attempt >= job.MaxAttempts
}

type RefundTaskWorker struct {
	river.WorkerDefaults[RefundTaskArgs]
	svc TaskService
}

func NewRefundTaskWorker(svc TaskService) *RefundTaskWorker {
	return &RefundTaskWorker{svc: svc}
}

func (w *RefundTaskWorker) Work(ctx context.Context, job *river.Job[RefundTaskArgs]) error {
	if err := w.svc.RetryRefund(ctx, job.Args.TaskID); err != nil {
		return fmt.Errorf("retry refund: %w", err)
	}
	return nil
}
