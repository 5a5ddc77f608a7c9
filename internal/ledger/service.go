package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/colorlab/backend/internal/models"
	"github.com/colorlab/backend/internal/repository"
)

var (
	ErrInvalidAmount   = errors.New("amount must be a positive integer")
	ErrInvalidType     = errors.New("transaction type not allowed for this operation")
	ErrInvalidMetadata = errors.New("invalid transaction metadata")
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxPage         = 10000
	recentCount     = 10
)

// TxBeginner starts database transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// BalanceStore is the user_credits repository.
type BalanceStore interface {
	Ensure(ctx context.Context, userID uuid.UUID) error
	EnsureTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	Get(ctx context.Context, userID uuid.UUID) (*models.UserCredits, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.UserCredits, error)
	DeductCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (int, error)
	AddCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, earned bool) (int, error)
}

// TransactionStore is the credit_transactions repository.
type TransactionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.CreditTransaction, error)
	GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.CreditTransaction, error)
	GetRefundOfTx(ctx context.Context, tx pgx.Tx, original uuid.UUID) (*models.CreditTransaction, error)
	MarkRefundedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.CreditTransaction, error)
	CountByUser(ctx context.Context, userID uuid.UUID) (int, error)
}

// MetadataValidator checks metadata keys against the transaction type.
type MetadataValidator interface {
	ValidateMetadata(txType string, md models.Metadata) error
}

// DebitRequest removes Amount credits. IdempotencyKey is optional.
type DebitRequest struct {
	UserID         uuid.UUID
	Amount         int
	Type           string
	Description    string
	ReferenceID    *string
	Metadata       models.Metadata
	IdempotencyKey string
}

// CreditRequest adds Amount credits. IdempotencyKey is optional.
type CreditRequest = DebitRequest

// Result is the outcome of a debit or credit. Success false is a business
// failure (insufficient balance) and comes with a nil error.
type Result struct {
	Success       bool      `json:"success"`
	TransactionID uuid.UUID `json:"transaction_id,omitempty"`
	NewBalance    int       `json:"new_balance"`
	Message       string    `json:"message,omitempty"`
	Shortfall     int       `json:"shortfall,omitempty"`
	Replayed      bool      `json:"replayed,omitempty"`
}

type RefundResult struct {
	Success             bool      `json:"success"`
	RefundTransactionID uuid.UUID `json:"refund_transaction_id,omitempty"`
	NewBalance          int       `json:"new_balance"`
	Message             string    `json:"message,omitempty"`
	AlreadyRefunded     bool      `json:"already_refunded,omitempty"`
}

type Balance struct {
	Balance        int `json:"balance"`
	LifetimeEarned int `json:"lifetime_earned"`
	LifetimeSpent  int `json:"lifetime_spent"`
}

type TransactionPage struct {
	Items      []*models.CreditTransaction `json:"items"`
	Page       int                         `json:"page"`
	Limit      int                         `json:"limit"`
	Total      int                         `json:"total"`
	TotalPages int                         `json:"total_pages"`
}

type Service interface {
	Debit(ctx context.Context, req DebitRequest) (Result, error)
	DebitTx(ctx context.Context, tx pgx.Tx, req DebitRequest) (Result, error)
	Credit(ctx context.Context, req CreditRequest) (Result, error)
	Refund(ctx context.Context, transactionID uuid.UUID, reason string) (RefundResult, error)
	RefundTx(ctx context.Context, tx pgx.Tx, transactionID uuid.UUID, reason string) (RefundResult, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (Balance, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, page, limit int) (TransactionPage, error)
	Recent(ctx context.Context, userID uuid.UUID) ([]*models.CreditTransaction, error)
	// Replay reports the transaction already recorded under an idempotency key.
	Replay(ctx context.Context, userID uuid.UUID, key string) (Result, bool, error)
}

type service struct {
	db        TxBeginner
	balances  BalanceStore
	txs       TransactionStore
	validator MetadataValidator
	log       *zap.Logger
}

// NewService builds the ledger. validator may be nil to skip metadata checks.
func NewService(db TxBeginner, balances BalanceStore, txs TransactionStore, validator MetadataValidator, log *zap.Logger) Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &service{db: db, balances: balances, txs: txs, validator: validator, log: log}
}

var _ Service = (*service)(nil)

// InsufficientMessage is the user-facing text for a failed debit.
func InsufficientMessage(need, balance int) string {
	return fmt.Sprintf("insufficient credits: need %d, balance %d, short by %d", need, balance, need-balance)
}

func (s *service) checkRequest(req DebitRequest, allowed map[string]bool) error {
	if req.Amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}
	if !allowed[req.Type] {
		return fmt.Errorf("%w: %q", ErrInvalidType, req.Type)
	}
	if s.validator != nil {
		if err := s.validator.ValidateMetadata(req.Type, req.Metadata); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
	}
	return nil
}

// replay returns the stored result for an idempotency key, if one exists.
func (s *service) replay(ctx context.Context, userID uuid.UUID, key string) (Result, bool, error) {
	if key == "" {
		return Result{}, false, nil
	}
	prev, err := s.txs.GetByIdempotencyKey(ctx, userID, key)
	if errors.Is(err, repository.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return Result{Success: true, TransactionID: prev.ID, NewBalance: prev.BalanceAfter, Replayed: true}, true, nil
}

func (s *service) Replay(ctx context.Context, userID uuid.UUID, key string) (Result, bool, error) {
	return s.replay(ctx, userID, key)
}

func keyPtr(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}

func (s *service) Debit(ctx context.Context, req DebitRequest) (Result, error) {
	if err := s.checkRequest(req, models.DebitTypes); err != nil {
		return Result{}, err
	}
	if res, ok, err := s.replay(ctx, req.UserID, req.IdempotencyKey); err != nil || ok {
		return res, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.debitTx(ctx, tx, req)
	if err != nil {
		return s.afterConflict(ctx, req, err)
	}
	if !res.Success {
		return res, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return s.afterConflict(ctx, req, fmt.Errorf("commit: %w", err))
	}
	s.log.Info("credits debited",
		zap.String("user_id", req.UserID.String()),
		zap.Int("amount", req.Amount),
		zap.String("type", req.Type),
		zap.Int("balance", res.NewBalance),
	)
	return res, nil
}

// DebitTx debits inside the caller's transaction; nothing is committed here.
// A unique violation on the idempotency key aborts the caller's transaction,
// so callers roll back and retry to observe the replay.
func (s *service) DebitTx(ctx context.Context, tx pgx.Tx, req DebitRequest) (Result, error) {
	if err := s.checkRequest(req, models.DebitTypes); err != nil {
		return Result{}, err
	}
	if res, ok, err := s.replay(ctx, req.UserID, req.IdempotencyKey); err != nil || ok {
		return res, err
	}
	return s.debitTx(ctx, tx, req)
}

func (s *service) debitTx(ctx context.Context, tx pgx.Tx, req DebitRequest) (Result, error) {
	if err := s.balances.EnsureTx(ctx, tx, req.UserID); err != nil {
		return Result{}, fmt.Errorf("ensure balance: %w", err)
	}
	bal, err := s.balances.GetForUpdate(ctx, tx, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("lock balance: %w", err)
	}
	if bal.Balance < req.Amount {
		return insufficient(req.Amount, bal.Balance), nil
	}
	newBalance, err := s.balances.DeductCredits(ctx, tx, req.UserID, req.Amount)
	if errors.Is(err, repository.ErrInsufficientBalance) {
		return insufficient(req.Amount, bal.Balance), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("deduct: %w", err)
	}
	entry := &models.CreditTransaction{
		ID:             uuid.New(),
		UserID:         req.UserID,
		Amount:         -req.Amount,
		BalanceAfter:   newBalance,
		Type:           req.Type,
		Status:         models.CreditStatusCompleted,
		Description:    req.Description,
		ReferenceID:    req.ReferenceID,
		Metadata:       req.Metadata,
		IdempotencyKey: keyPtr(req.IdempotencyKey),
	}
	if err := s.txs.CreateTx(ctx, tx, entry); err != nil {
		return Result{}, err
	}
	return Result{Success: true, TransactionID: entry.ID, NewBalance: newBalance}, nil
}

func insufficient(need, balance int) Result {
	return Result{
		Success:    false,
		NewBalance: balance,
		Shortfall:  need - balance,
		Message:    InsufficientMessage(need, balance),
	}
}

// afterConflict turns a lost idempotency race into a replay of the winner.
func (s *service) afterConflict(ctx context.Context, req DebitRequest, err error) (Result, error) {
	if req.IdempotencyKey != "" && repository.IsUniqueViolation(err) {
		if res, ok, rerr := s.replay(ctx, req.UserID, req.IdempotencyKey); rerr == nil && ok {
			return res, nil
		}
	}
	return Result{}, err
}

func (s *service) Credit(ctx context.Context, req CreditRequest) (Result, error) {
	if err := s.checkRequest(req, models.CreditTypes); err != nil {
		return Result{}, err
	}
	if res, ok, err := s.replay(ctx, req.UserID, req.IdempotencyKey); err != nil || ok {
		return res, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.balances.EnsureTx(ctx, tx, req.UserID); err != nil {
		return Result{}, fmt.Errorf("ensure balance: %w", err)
	}
	newBalance, err := s.balances.AddCredits(ctx, tx, req.UserID, req.Amount, true)
	if err != nil {
		return Result{}, fmt.Errorf("add credits: %w", err)
	}
	entry := &models.CreditTransaction{
		ID:             uuid.New(),
		UserID:         req.UserID,
		Amount:         req.Amount,
		BalanceAfter:   newBalance,
		Type:           req.Type,
		Status:         models.CreditStatusCompleted,
		Description:    req.Description,
		ReferenceID:    req.ReferenceID,
		Metadata:       req.Metadata,
		IdempotencyKey: keyPtr(req.IdempotencyKey),
	}
	if err := s.txs.CreateTx(ctx, tx, entry); err != nil {
		return s.afterConflict(ctx, req, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return s.afterConflict(ctx, req, fmt.Errorf("commit: %w", err))
	}
	s.log.Info("credits added",
		zap.String("user_id", req.UserID.String()),
		zap.Int("amount", req.Amount),
		zap.String("type", req.Type),
		zap.Int("balance", newBalance),
	)
	return Result{Success: true, TransactionID: entry.ID, NewBalance: newBalance}, nil
}

func (s *service) Refund(ctx context.Context, transactionID uuid.UUID, reason string) (RefundResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return RefundResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.RefundTx(ctx, tx, transactionID, reason)
	if err != nil || !res.Success {
		return res, err
	}
	if err := tx.Commit(ctx); err != nil {
		return RefundResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// RefundTx credits back a debit at most once. The original row is locked and
// flipped COMPLETED -> REFUNDED in the same transaction as the REFUND insert;
// the unique refund_of column rejects a second refund row outright.
func (s *service) RefundTx(ctx context.Context, tx pgx.Tx, transactionID uuid.UUID, reason string) (RefundResult, error) {
	orig, err := s.txs.GetByIDForUpdate(ctx, tx, transactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return RefundResult{Message: "transaction not found"}, nil
	}
	if err != nil {
		return RefundResult{}, fmt.Errorf("lock transaction: %w", err)
	}
	if orig.Status == models.CreditStatusRefunded {
		return s.alreadyRefunded(ctx, tx, orig.ID)
	}
	if orig.Amount >= 0 || !models.DebitTypes[orig.Type] {
		return RefundResult{Message: "only debit transactions can be refunded"}, nil
	}
	if orig.Status != models.CreditStatusCompleted {
		return RefundResult{Message: fmt.Sprintf("transaction in status %s cannot be refunded", orig.Status)}, nil
	}

	marked, err := s.txs.MarkRefundedTx(ctx, tx, orig.ID)
	if err != nil {
		return RefundResult{}, fmt.Errorf("mark refunded: %w", err)
	}
	if !marked {
		return s.alreadyRefunded(ctx, tx, orig.ID)
	}

	amount := -orig.Amount
	newBalance, err := s.balances.AddCredits(ctx, tx, orig.UserID, amount, false)
	if err != nil {
		return RefundResult{}, fmt.Errorf("add credits: %w", err)
	}
	origID := orig.ID.String()
	md := models.Metadata{models.MetaOriginalTransactionID: origID}
	if reason != "" {
		md[models.MetaReason] = reason
	}
	if s.validator != nil {
		if err := s.validator.ValidateMetadata(models.CreditTypeRefund, md); err != nil {
			return RefundResult{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
	}
	entry := &models.CreditTransaction{
		ID:           uuid.New(),
		UserID:       orig.UserID,
		Amount:       amount,
		BalanceAfter: newBalance,
		Type:         models.CreditTypeRefund,
		Status:       models.CreditStatusCompleted,
		Description:  "Refund: " + reason,
		ReferenceID:  &origID,
		RefundOf:     &orig.ID,
		Metadata:     md,
	}
	if err := s.txs.CreateTx(ctx, tx, entry); err != nil {
		if repository.IsUniqueViolation(err) {
			return RefundResult{Message: "transaction already refunded", AlreadyRefunded: true}, nil
		}
		return RefundResult{}, fmt.Errorf("insert refund: %w", err)
	}
	s.log.Info("transaction refunded",
		zap.String("user_id", orig.UserID.String()),
		zap.String("transaction_id", origID),
		zap.Int("amount", amount),
		zap.String("reason", reason),
	)
	return RefundResult{Success: true, RefundTransactionID: entry.ID, NewBalance: newBalance}, nil
}

func (s *service) alreadyRefunded(ctx context.Context, tx pgx.Tx, original uuid.UUID) (RefundResult, error) {
	res := RefundResult{Message: "transaction already refunded", AlreadyRefunded: true}
	if prev, err := s.txs.GetRefundOfTx(ctx, tx, original); err == nil {
		res.RefundTransactionID = prev.ID
		res.NewBalance = prev.BalanceAfter
	}
	return res, nil
}

// GetBalance lazily creates the zero row; the ON CONFLICT insert keeps
// concurrent first reads to a single row.
func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (Balance, error) {
	if err := s.balances.Ensure(ctx, userID); err != nil {
		return Balance{}, fmt.Errorf("ensure balance: %w", err)
	}
	c, err := s.balances.Get(ctx, userID)
	if err != nil {
		return Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return Balance{Balance: c.Balance, LifetimeEarned: c.LifetimeEarned, LifetimeSpent: c.LifetimeSpent}, nil
}

func (s *service) ListTransactions(ctx context.Context, userID uuid.UUID, page, limit int) (TransactionPage, error) {
	if page < 1 {
		page = 1
	}
	if page > maxPage {
		page = maxPage
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	total, err := s.txs.CountByUser(ctx, userID)
	if err != nil {
		return TransactionPage{}, fmt.Errorf("count transactions: %w", err)
	}
	items, err := s.txs.ListByUser(ctx, userID, limit, (page-1)*limit)
	if err != nil {
		return TransactionPage{}, fmt.Errorf("list transactions: %w", err)
	}
	if items == nil {
		items = []*models.CreditTransaction{}
	}
	return TransactionPage{
		Items:      items,
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}

func (s *service) Recent(ctx context.Context, userID uuid.UUID) ([]*models.CreditTransaction, error) {
	items, err := s.txs.ListByUser(ctx, userID, recentCount, 0)
	if err != nil {
		return nil, fmt.Errorf("recent transactions: %w", err)
	}
	return items, nil
}
