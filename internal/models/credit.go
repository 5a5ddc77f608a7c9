package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit transaction types.
const (
	CreditTypePurchase        = "PURCHASE"
	CreditTypeSubscription    = "SUBSCRIPTION"
	CreditTypeReferral        = "REFERRAL"
	CreditTypeBonus           = "BONUS"
	CreditTypeAdminAdjustment = "ADMIN_ADJUSTMENT"
	CreditTypeImageGeneration = "IMAGE_GENERATION"
	CreditTypeVideoGeneration = "VIDEO_GENERATION"
	CreditTypeRefund          = "REFUND"
	CreditTypeExpiration      = "EXPIRATION"
	CreditTypePromotional     = "PROMOTIONAL"
)

// Credit transaction statuses. Only COMPLETED -> REFUNDED is ever written after insert.
const (
	CreditStatusCompleted = "COMPLETED"
	CreditStatusPending   = "PENDING"
	CreditStatusFailed    = "FAILED"
	CreditStatusRefunded  = "REFUNDED"
)

// DebitTypes are the transaction types that remove credits from a balance.
var DebitTypes = map[string]bool{
	CreditTypeImageGeneration: true,
	CreditTypeVideoGeneration: true,
	CreditTypeExpiration:      true,
	CreditTypeAdminAdjustment: true,
}

// CreditTypes are the transaction types that add credits to a balance.
// REFUND is excluded: refunds are only written by the refund path.
var CreditTypes = map[string]bool{
	CreditTypePurchase:        true,
	CreditTypeSubscription:    true,
	CreditTypeReferral:        true,
	CreditTypeBonus:           true,
	CreditTypeAdminAdjustment: true,
	CreditTypePromotional:     true,
}

// Metadata is the per-transaction key/value map. The recognized keys depend on
// the transaction type and are checked against a schema before insert.
type Metadata map[string]any

// Recognized metadata keys.
const (
	MetaFunction              = "function"
	MetaQuality               = "quality"
	MetaCount                 = "count"
	MetaTaskID                = "taskId"
	MetaImageResultID         = "imageResultId"
	MetaAnimationType         = "animationType"
	MetaPaymentIntentID       = "paymentIntentId"
	MetaPlanID                = "planId"
	MetaPlanName              = "planName"
	MetaStripeAmount          = "stripeAmount"
	MetaOriginalTransactionID = "originalTransactionId"
	MetaReason                = "reason"
	MetaNote                  = "note"
)

// UserCredits is the per-user balance row.
type UserCredits struct {
	UserID         uuid.UUID `json:"user_id"`
	Balance        int       `json:"balance"`
	LifetimeEarned int       `json:"lifetime_earned"`
	LifetimeSpent  int       `json:"lifetime_spent"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CreditTransaction is an append-only ledger entry. Amount is negative for debits.
type CreditTransaction struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	Amount         int        `json:"amount"`
	BalanceAfter   int        `json:"balance_after"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	Description    string     `json:"description,omitempty"`
	ReferenceID    *string    `json:"reference_id,omitempty"`
	RefundOf       *uuid.UUID `json:"refund_of,omitempty"`
	Metadata       Metadata   `json:"metadata,omitempty"`
	IdempotencyKey *string    `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
}
