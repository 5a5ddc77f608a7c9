package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/colorlab/backend/internal/models"
)

// ErrInsufficientBalance is returned by DeductCredits when the conditional update matched no row.
var ErrInsufficientBalance = errors.New("insufficient balance")

// BalanceRepo owns user_credits. Rows are created lazily and are never deleted here.
type BalanceRepo struct {
	pool *pgxpool.Pool
}

func NewBalanceRepo(pool *pgxpool.Pool) *BalanceRepo {
	return &BalanceRepo{pool: pool}
}

const ensureBalanceSQL = `
	INSERT INTO user_credits (user_id, balance, lifetime_earned, lifetime_spent)
	VALUES ($1, 0, 0, 0)
	ON CONFLICT (user_id) DO NOTHING
`

const balanceColumns = `user_id, balance, lifetime_earned, lifetime_spent, created_at, updated_at`

// Ensure creates the zero-balance row if missing. Concurrent callers race on the
// primary key and all but one insert nothing.
func (r *BalanceRepo) Ensure(ctx context.Context, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, ensureBalanceSQL, userID)
	return err
}

func (r *BalanceRepo) EnsureTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := tx.Exec(ctx, ensureBalanceSQL, userID)
	return err
}

func (r *BalanceRepo) Get(ctx context.Context, userID uuid.UUID) (*models.UserCredits, error) {
	var c models.UserCredits
	err := r.pool.QueryRow(ctx, `SELECT `+balanceColumns+` FROM user_credits WHERE user_id = $1`, userID).
		Scan(&c.UserID, &c.Balance, &c.LifetimeEarned, &c.LifetimeSpent, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// GetForUpdate locks the balance row. Call within a transaction after EnsureTx.
func (r *BalanceRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.UserCredits, error) {
	var c models.UserCredits
	err := tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM user_credits WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&c.UserID, &c.Balance, &c.LifetimeEarned, &c.LifetimeSpent, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// DeductCredits atomically deducts amount if balance >= amount and returns the new balance.
func (r *BalanceRepo) DeductCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE user_credits
		SET balance = balance - $1, lifetime_spent = lifetime_spent + $1, updated_at = now()
		WHERE user_id = $2 AND balance >= $1
		RETURNING balance
	`, amount, userID).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientBalance
	}
	return newBalance, err
}

// AddCredits adds amount and returns the new balance. earned also bumps
// lifetime_earned; refunds pass false.
func (r *BalanceRepo) AddCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, earned bool) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE user_credits
		SET balance = balance + $1,
		    lifetime_earned = lifetime_earned + CASE WHEN $3 THEN $1 ELSE 0 END,
		    updated_at = now()
		WHERE user_id = $2
		RETURNING balance
	`, amount, userID, earned).Scan(&newBalance)
	return newBalance, notFound(err)
}
