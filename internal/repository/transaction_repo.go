package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/colorlab/backend/internal/models"
)

// TransactionRepo owns the append-only credit_transactions log. The only
// mutation after insert is COMPLETED -> REFUNDED.
type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

const transactionColumns = `id, user_id, amount, balance_after, type, status, COALESCE(description, ''),
	reference_id, refund_of, COALESCE(metadata, '{}'::jsonb), idempotency_key, created_at`

func scanTransaction(row pgx.Row) (*models.CreditTransaction, error) {
	var t models.CreditTransaction
	err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.BalanceAfter, &t.Type, &t.Status, &t.Description,
		&t.ReferenceID, &t.RefundOf, &t.Metadata, &t.IdempotencyKey, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// CreateTx inserts a transaction inside the given transaction.
func (r *TransactionRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, balance_after, type, status, description, reference_id, refund_of, metadata, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`, t.ID, t.UserID, t.Amount, t.BalanceAfter, t.Type, t.Status, t.Description, t.ReferenceID, t.RefundOf, t.Metadata, t.IdempotencyKey).Scan(&t.CreatedAt)
}

func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.CreditTransaction, error) {
	return scanTransaction(r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM credit_transactions WHERE id = $1`, id))
}

// GetByIDForUpdate locks the transaction row. Call within a transaction.
func (r *TransactionRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.CreditTransaction, error) {
	return scanTransaction(tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM credit_transactions WHERE id = $1 FOR UPDATE`, id))
}

// GetByIdempotencyKey returns the transaction a client key already produced.
func (r *TransactionRepo) GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.CreditTransaction, error) {
	return scanTransaction(r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions WHERE user_id = $1 AND idempotency_key = $2`, userID, key))
}

// GetRefundOfTx returns the refund row pointing at original, if any.
func (r *TransactionRepo) GetRefundOfTx(ctx context.Context, tx pgx.Tx, original uuid.UUID) (*models.CreditTransaction, error) {
	return scanTransaction(tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM credit_transactions WHERE refund_of = $1`, original))
}

// MarkRefundedTx flips a COMPLETED transaction to REFUNDED. It reports false
// when the row was not COMPLETED.
func (r *TransactionRepo) MarkRefundedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE credit_transactions SET status = 'REFUNDED'
		WHERE id = $1 AND status = 'COMPLETED'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListByUser returns a page of the user's transactions, newest first.
func (r *TransactionRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM credit_transactions WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (r *TransactionRepo) CountByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM credit_transactions WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}
