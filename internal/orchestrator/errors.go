package orchestrator

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidRequest wraps every rejection made before any credits move.
	ErrInvalidRequest      = errors.New("invalid task request")
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrProviderUnavailable wraps a provider failure that happened before any
	// credits moved.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// InsufficientCreditsError is returned by Submit when the debit was refused.
// No task exists and no provider was called.
type InsufficientCreditsError struct {
	Required  int
	Balance   int
	Shortfall int
	Message   string
}

func (e *InsufficientCreditsError) Error() string { return e.Message }

func (e *InsufficientCreditsError) Is(target error) bool { return target == ErrInsufficientCredits }

// ProviderSubmissionError is returned by Submit when the provider rejected the
// task. By then the task is FAILED and its credits were refunded.
type ProviderSubmissionError struct {
	Provider string
	TaskID   uuid.UUID
	Err      error
}

func (e *ProviderSubmissionError) Error() string {
	return fmt.Sprintf("submit task %s to %s: %v", e.TaskID, e.Provider, e.Err)
}

func (e *ProviderSubmissionError) Unwrap() error { return e.Err }
