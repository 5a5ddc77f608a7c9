package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/colorlab/backend/internal/models"
	"github.com/colorlab/backend/internal/tasks"
)

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `id, user_id, feature, source_media_url, COALESCE(result_media_urls, '{}'), result_kind, status,
	provider, provider_task_id, COALESCE(request_parameters, '{}'::jsonb), credit_transaction_id, cost,
	error_message, poll_attempts, created_at, updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.UserID, &t.Feature, &t.SourceMediaURL, &t.ResultMediaURLs, &t.ResultKind, &t.Status,
		&t.Provider, &t.ProviderTaskID, &t.RequestParameters, &t.CreditTransactionID, &t.Cost,
		&t.ErrorMessage, &t.PollAttempts, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// CreateTx inserts a task inside the given transaction.
func (r *TaskRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return tx.QueryRow(ctx, `
		INSERT INTO tasks (id, user_id, feature, source_media_url, result_kind, status, provider, request_parameters, credit_transaction_id, cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, t.ID, t.UserID, t.Feature, t.SourceMediaURL, t.ResultKind, t.Status, t.Provider, t.RequestParameters, t.CreditTransactionID, t.Cost).
		Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// GetByCreditTransaction finds the task paid for by a debit transaction.
func (r *TaskRepo) GetByCreditTransaction(ctx context.Context, txID uuid.UUID) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE credit_transaction_id = $1`, txID))
}

func (r *TaskRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks WHERE user_id = $1 ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// TransitionTx moves a task to status to only if it is currently in one of the
// allowed source statuses, applying patch in the same UPDATE. A task in any
// other status yields tasks.ErrInvalidTransition; a missing task ErrNotFound.
func (r *TaskRepo) TransitionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, to string, patch models.TaskPatch) (*models.Task, error) {
	sources := tasks.Sources(to)
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: nothing moves to %s", tasks.ErrInvalidTransition, to)
	}
	t, err := scanTask(tx.QueryRow(ctx, `
		UPDATE tasks SET
			status = $2,
			provider_task_id = COALESCE($3, provider_task_id),
			result_media_urls = COALESCE($4, result_media_urls),
			error_message = COALESCE($5, error_message),
			updated_at = now()
		WHERE id = $1 AND status = ANY($6)
		RETURNING `+taskColumns,
		id, to, patch.ProviderTaskID, patch.ResultMediaURLs, patch.ErrorMessage, sources))
	if err == nil {
		return t, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	var current string
	if err := tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&current); err != nil {
		return nil, notFound(err)
	}
	return nil, fmt.Errorf("%w: %s -> %s", tasks.ErrInvalidTransition, current, to)
}

// IncrementPollAttempts bumps the poll counter and returns the new value.
func (r *TaskRepo) IncrementPollAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		UPDATE tasks SET poll_attempts = poll_attempts + 1, updated_at = now()
		WHERE id = $1 RETURNING poll_attempts
	`, id).Scan(&n)
	return n, notFound(err)
}
