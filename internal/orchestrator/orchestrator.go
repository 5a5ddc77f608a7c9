// Package orchestrator runs a generation task through its lifecycle: charge,
// submit to the provider, record progress and settle the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/colorlab/backend/internal/config"
	"github.com/colorlab/backend/internal/events"
	"github.com/colorlab/backend/internal/execution"
	"github.com/colorlab/backend/internal/ledger"
	"github.com/colorlab/backend/internal/models"
	"github.com/colorlab/backend/internal/pricing"
	"github.com/colorlab/backend/internal/providers"
	"github.com/colorlab/backend/internal/repository"
	"github.com/colorlab/backend/internal/tasks"
)

type TaskStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetByCreditTransaction(ctx context.Context, txID uuid.UUID) (*models.Task, error)
	TransitionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, to string, patch models.TaskPatch) (*models.Task, error)
}

type ParamsValidator interface {
	ValidateParams(feature string, params map[string]any) error
}

type Rehoster interface {
	Rehost(ctx context.Context, userID, taskID uuid.UUID, urls []string) ([]string, error)
}

// InsertJobTxFunc enqueues a River job within tx. Provided by main using
// river.Client.InsertTx.
type InsertJobTxFunc func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error

// Deps are the collaborators of an Orchestrator. Validator and Publisher may be nil.
type Deps struct {
	DB        ledger.TxBeginner
	Ledger    ledger.Service
	Tasks     TaskStore
	Providers *providers.Registry
	Pricing   *pricing.Calculator
	Validator ParamsValidator
	Rehoster  Rehoster
	Publisher events.Publisher
	InsertJob InsertJobTxFunc
	Logger    *zap.Logger
}

type Orchestrator struct {
	db        ledger.TxBeginner
	ledger    ledger.Service
	tasks     TaskStore
	providers *providers.Registry
	pricing   *pricing.Calculator
	validator ParamsValidator
	rehoster  Rehoster
	publisher events.Publisher
	insertJob InsertJobTxFunc
	log       *zap.Logger
}

func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Pricing == nil {
		d.Pricing = pricing.NewCalculator(false, d.Logger)
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	return &Orchestrator{
		db:        d.DB,
		ledger:    d.Ledger,
		tasks:     d.Tasks,
		providers: d.Providers,
		pricing:   d.Pricing,
		validator: d.Validator,
		rehoster:  d.Rehoster,
		publisher: d.Publisher,
		insertJob: d.InsertJob,
		log:       d.Logger,
	}
}

var _ execution.TaskService = (*Orchestrator)(nil)

type SubmitRequest struct {
	UserID         uuid.UUID
	Feature        string
	SourceMediaURL string
	Quality        string
	Count          int
	Params         map[string]any
	IdempotencyKey string
}

type SubmitResult struct {
	TaskID         uuid.UUID `json:"task_id"`
	ProviderTaskID string    `json:"provider_task_id,omitempty"`
	Status         string    `json:"status"`
	Cost           int       `json:"cost"`
	Replayed       bool      `json:"replayed,omitempty"`
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
}

// Submit charges the user and hands the task to its provider. It returns as
// soon as the provider accepted the task; a River job resolves it later.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.UserID == uuid.Nil {
		return SubmitResult{}, invalid(errors.New("user is required"))
	}
	if !config.ValidateURL(req.SourceMediaURL) {
		return SubmitResult{}, invalid(errors.New("source_media_url must be an absolute URL"))
	}
	cost, err := o.pricing.Cost(req.Feature, pricing.Options{Quality: req.Quality, Count: req.Count})
	if err != nil {
		return SubmitResult{}, invalid(err)
	}
	provider, err := o.providers.ForFeature(req.Feature)
	if err != nil {
		return SubmitResult{}, invalid(err)
	}
	if o.validator != nil {
		if err := o.validator.ValidateParams(req.Feature, req.Params); err != nil {
			return SubmitResult{}, invalid(err)
		}
	}
	if pc, ok := provider.(providers.Prechecker); ok {
		if replay, err := o.earlyReplay(ctx, req); err != nil || replay != nil {
			if replay != nil {
				return *replay, nil
			}
			return SubmitResult{}, err
		}
		found, err := pc.Precheck(ctx, providers.Input{Feature: req.Feature, SourceMediaURL: req.SourceMediaURL, Params: req.Params})
		switch {
		case errors.Is(err, providers.ErrInputRejected):
			return SubmitResult{}, invalid(err)
		case err != nil:
			return SubmitResult{}, fmt.Errorf("%w: %s precheck: %w", ErrProviderUnavailable, provider.Name(), err)
		}
		req.Params = withParams(req.Params, found)
	}

	task, replay, err := o.charge(ctx, req, cost, provider.Name())
	if err != nil || replay != nil {
		if replay != nil {
			return *replay, nil
		}
		return SubmitResult{}, err
	}
	o.publish(ctx, task)

	// The charge is committed; finish even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	log := o.log.With(zap.String("task_id", task.ID.String()), zap.String("provider", provider.Name()))

	sub, err := provider.Submit(ctx, providers.Input{
		Feature:        req.Feature,
		SourceMediaURL: req.SourceMediaURL,
		Params:         req.Params,
	})
	if err != nil {
		log.Warn("provider rejected task", zap.Error(err))
		if ferr := o.Fail(ctx, task.ID, "provider submission failed: "+err.Error()); ferr != nil {
			log.Error("could not fail rejected task", zap.Error(ferr))
		}
		return SubmitResult{}, &ProviderSubmissionError{Provider: provider.Name(), TaskID: task.ID, Err: err}
	}

	running, err := o.markRunning(ctx, task.ID, sub)
	if err != nil {
		log.Error("could not record provider submission", zap.String("provider_task_id", sub.ProviderTaskID), zap.Error(err))
		if ferr := o.Fail(ctx, task.ID, "could not track provider task"); ferr != nil {
			log.Error("could not fail untracked task", zap.Error(ferr))
		}
		return SubmitResult{}, fmt.Errorf("record submission: %w", err)
	}
	o.publish(ctx, running)
	log.Info("task submitted", zap.String("provider_task_id", sub.ProviderTaskID), zap.Int("cost", cost))

	return SubmitResult{
		TaskID:         task.ID,
		ProviderTaskID: sub.ProviderTaskID,
		Status:         running.Status,
		Cost:           cost,
	}, nil
}

// earlyReplay answers a reused idempotency key before a precheck calls the
// provider. charge still resolves the race of two first submissions.
func (o *Orchestrator) earlyReplay(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.IdempotencyKey == "" {
		return nil, nil
	}
	prev, ok, err := o.ledger.Replay(ctx, req.UserID, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("replay idempotency key: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return o.replay(ctx, prev.TransactionID)
}

func withParams(base, extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// charge debits the user and creates the PENDING task in one transaction.
// A non-nil replay means the idempotency key was already used.
func (o *Orchestrator) charge(ctx context.Context, req SubmitRequest, cost int, providerName string) (*models.Task, *SubmitResult, error) {
	taskID := uuid.New()
	ref := taskID.String()
	quality := req.Quality
	if quality == "" {
		quality = pricing.QualityStandard
	}
	count := req.Count
	if count == 0 {
		count = 1
	}

	tx, err := o.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	debit, err := o.ledger.DebitTx(ctx, tx, ledger.DebitRequest{
		UserID:      req.UserID,
		Amount:      cost,
		Type:        pricing.TransactionType(req.Feature),
		Description: fmt.Sprintf("%s (%s x%d)", req.Feature, quality, count),
		ReferenceID: &ref,
		Metadata: models.Metadata{
			models.MetaFunction: req.Feature,
			models.MetaQuality:  quality,
			models.MetaCount:    count,
			models.MetaTaskID:   ref,
		},
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if req.IdempotencyKey != "" && repository.IsUniqueViolation(err) {
			return o.lostRace(ctx, req)
		}
		return nil, nil, fmt.Errorf("debit: %w", err)
	}
	if debit.Replayed {
		res, err := o.replay(ctx, debit.TransactionID)
		return nil, res, err
	}
	if !debit.Success {
		return nil, nil, &InsufficientCreditsError{
			Required:  cost,
			Balance:   debit.NewBalance,
			Shortfall: debit.Shortfall,
			Message:   debit.Message,
		}
	}

	txID := debit.TransactionID
	params := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}
	params[models.ParamCreditTransactionID] = txID.String()
	task := &models.Task{
		ID:                  taskID,
		UserID:              req.UserID,
		Feature:             req.Feature,
		SourceMediaURL:      req.SourceMediaURL,
		ResultKind:          pricing.KindOf(req.Feature),
		Status:              models.TaskStatusPending,
		Provider:            providerName,
		RequestParameters:   params,
		CreditTransactionID: &txID,
		Cost:                cost,
	}
	if err := o.tasks.CreateTx(ctx, tx, task); err != nil {
		return nil, nil, fmt.Errorf("create task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if req.IdempotencyKey != "" && repository.IsUniqueViolation(err) {
			return o.lostRace(ctx, req)
		}
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return task, nil, nil
}

// lostRace resolves a concurrent submit with the same idempotency key to the
// winner's task.
func (o *Orchestrator) lostRace(ctx context.Context, req SubmitRequest) (*models.Task, *SubmitResult, error) {
	prev, ok, err := o.ledger.Replay(ctx, req.UserID, req.IdempotencyKey)
	if err != nil {
		return nil, nil, fmt.Errorf("replay idempotency key: %w", err)
	}
	if !ok {
		return nil, nil, errors.New("replay idempotency key: no prior transaction")
	}
	res, err := o.replay(ctx, prev.TransactionID)
	return nil, res, err
}

func (o *Orchestrator) replay(ctx context.Context, creditTxID uuid.UUID) (*SubmitResult, error) {
	task, err := o.tasks.GetByCreditTransaction(ctx, creditTxID)
	if err != nil {
		return nil, fmt.Errorf("load replayed task: %w", err)
	}
	res := &SubmitResult{TaskID: task.ID, Status: task.Status, Cost: task.Cost, Replayed: true}
	if task.ProviderTaskID != nil {
		res.ProviderTaskID = *task.ProviderTaskID
	}
	return res, nil
}

func (o *Orchestrator) markRunning(ctx context.Context, taskID uuid.UUID, sub providers.Submission) (*models.Task, error) {
	tx, err := o.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	providerTaskID := sub.ProviderTaskID
	task, err := o.tasks.TransitionTx(ctx, tx, taskID, models.TaskStatusRunning, models.TaskPatch{ProviderTaskID: &providerTaskID})
	if err != nil {
		return nil, err
	}
	if err := o.insertJob(ctx, tx, execution.ResolveTaskArgs{TaskID: taskID, Immediate: sub.Immediate}); err != nil {
		return nil, fmt.Errorf("enqueue resolve: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

// Complete stores the provider results and marks the task SUCCEEDED. Re-host
// errors are returned so the caller can retry; a task with no results fails.
func (o *Orchestrator) Complete(ctx context.Context, taskID uuid.UUID, resultURLs []string) error {
	task, err := o.tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if tasks.IsTerminal(task.Status) {
		return nil
	}
	if len(resultURLs) == 0 {
		return o.Fail(ctx, taskID, "provider returned no results")
	}

	owned, err := o.rehoster.Rehost(ctx, task.UserID, task.ID, resultURLs)
	if err != nil {
		return fmt.Errorf("rehost results: %w", err)
	}

	tx, err := o.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	done, err := o.tasks.TransitionTx(ctx, tx, taskID, models.TaskStatusSucceeded, models.TaskPatch{ResultMediaURLs: owned})
	if errors.Is(err, tasks.ErrInvalidTransition) {
		o.log.Warn("task settled elsewhere before completion", zap.String("task_id", taskID.String()), zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	o.publish(ctx, done)
	o.log.Info("task succeeded", zap.String("task_id", taskID.String()), zap.Int("results", len(owned)))
	return nil
}

// Fail marks the task FAILED and refunds its charge in the same transaction.
// A refund error never blocks the FAILED status: the refund is rolled back to
// a savepoint and a refund_task job is queued to retry it.
func (o *Orchestrator) Fail(ctx context.Context, taskID uuid.UUID, reason string) error {
	log := o.log.With(zap.String("task_id", taskID.String()))

	tx, err := o.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	task, err := o.tasks.TransitionTx(ctx, tx, taskID, models.TaskStatusFailed, models.TaskPatch{ErrorMessage: &reason})
	if errors.Is(err, tasks.ErrInvalidTransition) {
		log.Warn("task already settled; not failing it", zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	if task.CreditTransactionID != nil {
		if err := o.refundInSavepoint(ctx, tx, task, reason); err != nil {
			log.Error("refund failed; task is FAILED with credits still charged, queued for retry",
				zap.String("user_id", task.UserID.String()),
				zap.String("transaction_id", task.CreditTransactionID.String()),
				zap.Int("amount", task.Cost),
				zap.Error(err),
			)
			if qerr := o.insertJob(ctx, tx, execution.RefundTaskArgs{TaskID: taskID}); qerr != nil {
				return fmt.Errorf("enqueue refund retry: %w", qerr)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	o.publish(ctx, task)
	log.Info("task failed", zap.String("reason", reason))
	return nil
}

func (o *Orchestrator) refundInSavepoint(ctx context.Context, tx pgx.Tx, task *models.Task, reason string) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	defer sp.Rollback(ctx)

	res, err := o.ledger.RefundTx(ctx, sp, *task.CreditTransactionID, reason)
	if err != nil {
		return err
	}
	if res.Success {
		return sp.Commit(ctx)
	}
	// A lost refund race leaves the savepoint aborted; only rolling back to it
	// keeps the outer transaction usable.
	if err := sp.Rollback(ctx); err != nil {
		return fmt.Errorf("rollback savepoint: %w", err)
	}
	if !res.AlreadyRefunded {
		o.log.Error("refund refused", zap.String("task_id", task.ID.String()), zap.String("message", res.Message))
	}
	return nil
}

// RetryRefund refunds a FAILED task. The ledger refunds a transaction at most
// once, so repeated calls are harmless.
func (o *Orchestrator) RetryRefund(ctx context.Context, taskID uuid.UUID) error {
	task, err := o.tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task.Status != models.TaskStatusFailed || task.CreditTransactionID == nil {
		return nil
	}
	reason := "task failed"
	if task.ErrorMessage != nil {
		reason = *task.ErrorMessage
	}
	res, err := o.ledger.Refund(ctx, *task.CreditTransactionID, reason)
	if err != nil {
		return err
	}
	o.log.Info("refund retried",
		zap.String("task_id", taskID.String()),
		zap.Bool("refunded", res.Success),
		zap.Bool("already_refunded", res.AlreadyRefunded),
	)
	return nil
}

// Get returns the task if it belongs to userID.
func (o *Orchestrator) Get(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, error) {
	task, err := o.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return task, nil
}

func (o *Orchestrator) publish(ctx context.Context, task *models.Task) {
	if err := o.publisher.Publish(ctx, events.Event{TaskID: task.ID, Status: task.Status}); err != nil {
		o.log.Warn("publish task event", zap.String("task_id", task.ID.String()), zap.Error(err))
	}
}
