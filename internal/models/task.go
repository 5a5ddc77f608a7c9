package models

import (
	"time"

	"github.com/google/uuid"
)

// Task status enums. PENDING -> RUNNING -> {SUCCEEDED, FAILED}; PENDING -> FAILED.
const (
	TaskStatusPending   = "PENDING"
	TaskStatusRunning   = "RUNNING"
	TaskStatusSucceeded = "SUCCEEDED"
	TaskStatusFailed    = "FAILED"
)

// Result kinds.
const (
	ResultKindImage = "image"
	ResultKindVideo = "video"
)

// ParamCreditTransactionID is the request_parameters key holding the paying transaction.
const ParamCreditTransactionID = "creditTransactionId"

type Task struct {
	ID                  uuid.UUID      `json:"id"`
	UserID              uuid.UUID      `json:"user_id"`
	Feature             string         `json:"feature"`
	SourceMediaURL      string         `json:"source_media_url"`
	ResultMediaURLs     []string       `json:"result_media_urls"`
	ResultKind          string         `json:"result_kind"`
	Status              string         `json:"status"`
	Provider            string         `json:"provider"`
	ProviderTaskID      *string        `json:"provider_task_id,omitempty"`
	RequestParameters   map[string]any `json:"request_parameters"`
	CreditTransactionID *uuid.UUID     `json:"credit_transaction_id,omitempty"`
	Cost                int            `json:"cost"`
	ErrorMessage        *string        `json:"error_message,omitempty"`
	PollAttempts        int            `json:"poll_attempts"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// TaskPatch carries the columns a status transition may set alongside the status.
type TaskPatch struct {
	ProviderTaskID  *string
	ResultMediaURLs []string
	ErrorMessage    *string
}
