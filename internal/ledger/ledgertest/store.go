package ledgertest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/colorlab/backend/internal/models"
	"github.com/colorlab/backend/internal/repository"
)

// Store is an in-memory BalanceStore and TransactionStore.
type Store struct {
	mu       sync.Mutex
	balances map[uuid.UUID]*models.UserCredits
	txs      []*models.CreditTransaction

	// CreateErr, when set, fails every CreateTx.
	CreateErr error
	// AddErr, when set, fails every AddCredits.
	AddErr error
}

func NewStore() *Store {
	return &Store{balances: make(map[uuid.UUID]*models.UserCredits)}
}

// SetBalance seeds a user's balance row.
func (s *Store) SetBalance(userID uuid.UUID, balance int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = &models.UserCredits{UserID: userID, Balance: balance, CreatedAt: time.Now(), UpdatedAt: time.Now()}
}

// Balance returns the committed-or-pending balance, 0 when no row exists.
func (s *Store) Balance(userID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.balances[userID]; ok {
		return c.Balance
	}
	return 0
}

// Rows reports how many balance rows exist.
func (s *Store) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.balances)
}

// Transactions returns copies of a user's transactions in insertion order.
func (s *Store) Transactions(userID uuid.UUID) []models.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CreditTransaction
	for _, t := range s.txs {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	return out
}

// --- BalanceStore ---

func (s *Store) ensure(userID uuid.UUID) bool {
	if _, ok := s.balances[userID]; ok {
		return false
	}
	s.balances[userID] = &models.UserCredits{UserID: userID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	return true
}

func (s *Store) Ensure(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(userID)
	return nil
}

func (s *Store) EnsureTx(_ context.Context, tx pgx.Tx, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensure(userID) {
		OnRollback(tx, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.balances, userID)
		})
	}
	return nil
}

func (s *Store) Get(_ context.Context, userID uuid.UUID) (*models.UserCredits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.balances[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetForUpdate(ctx context.Context, _ pgx.Tx, userID uuid.UUID) (*models.UserCredits, error) {
	return s.Get(ctx, userID)
}

func (s *Store) DeductCredits(_ context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.balances[userID]
	if !ok || c.Balance < amount {
		return 0, repository.ErrInsufficientBalance
	}
	c.Balance -= amount
	c.LifetimeSpent += amount
	OnRollback(tx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		c.Balance += amount
		c.LifetimeSpent -= amount
	})
	return c.Balance, nil
}

func (s *Store) AddCredits(_ context.Context, tx pgx.Tx, userID uuid.UUID, amount int, earned bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AddErr != nil {
		return 0, s.AddErr
	}
	c, ok := s.balances[userID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	earnedDelta := 0
	if earned {
		earnedDelta = amount
	}
	c.Balance += amount
	c.LifetimeEarned += earnedDelta
	OnRollback(tx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		c.Balance -= amount
		c.LifetimeEarned -= earnedDelta
	})
	return c.Balance, nil
}

// --- TransactionStore ---

var uniqueViolation = &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}

func (s *Store) CreateTx(_ context.Context, tx pgx.Tx, t *models.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	for _, prev := range s.txs {
		if t.IdempotencyKey != nil && prev.IdempotencyKey != nil && prev.UserID == t.UserID && *prev.IdempotencyKey == *t.IdempotencyKey {
			Abort(tx)
			return uniqueViolation
		}
		if t.RefundOf != nil && prev.RefundOf != nil && *prev.RefundOf == *t.RefundOf {
			Abort(tx)
			return uniqueViolation
		}
	}
	t.CreatedAt = time.Now()
	cp := *t
	s.txs = append(s.txs, &cp)
	OnRollback(tx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.txs {
			if e.ID == cp.ID {
				s.txs = append(s.txs[:i], s.txs[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (s *Store) find(match func(*models.CreditTransaction) bool) (*models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.txs {
		if match(t) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*models.CreditTransaction, error) {
	return s.find(func(t *models.CreditTransaction) bool { return t.ID == id })
}

func (s *Store) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.CreditTransaction, error) {
	return s.GetByID(ctx, id)
}

func (s *Store) GetByIdempotencyKey(_ context.Context, userID uuid.UUID, key string) (*models.CreditTransaction, error) {
	return s.find(func(t *models.CreditTransaction) bool {
		return t.UserID == userID && t.IdempotencyKey != nil && *t.IdempotencyKey == key
	})
}

func (s *Store) GetRefundOfTx(_ context.Context, _ pgx.Tx, original uuid.UUID) (*models.CreditTransaction, error) {
	return s.find(func(t *models.CreditTransaction) bool { return t.RefundOf != nil && *t.RefundOf == original })
}

func (s *Store) MarkRefundedTx(_ context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.txs {
		if t.ID == id && t.Status == models.CreditStatusCompleted {
			t.Status = models.CreditStatusRefunded
			OnRollback(tx, func() {
				s.mu.Lock()
				defer s.mu.Unlock()
				t.Status = models.CreditStatusCompleted
			})
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]*models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mine []*models.CreditTransaction
	for i := len(s.txs) - 1; i >= 0; i-- {
		if s.txs[i].UserID == userID {
			cp := *s.txs[i]
			mine = append(mine, &cp)
		}
	}
	if offset >= len(mine) {
		return nil, nil
	}
	mine = mine[offset:]
	if len(mine) > limit {
		mine = mine[:limit]
	}
	return mine, nil
}

func (s *Store) CountByUser(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.txs {
		if t.UserID == userID {
			n++
		}
	}
	return n, nil
}
