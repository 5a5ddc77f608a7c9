package execution

import (
	"github.com/google/uuid"

	"github.com/colorlab/backend/internal/providers"
)

// ResolveTaskArgs drives a RUNNING task to a terminal status. Immediate carries
// a result the provider returned synchronously at submit time.
type ResolveTaskArgs struct {
	TaskID    uuid.UUID         `json:"task_id"`
	Immediate *providers.Status `json:"immediate,omitempty"`
}

func (ResolveTaskArgs) Kind() string { return "resolve_task" }

// RefundTaskArgs retries the refund of a FAILED task.
type RefundTaskArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (RefundTaskArgs) Kind() string { return "refund_task" }
