// Package tasks holds the generation task state machine.
package tasks

import (
	"errors"
	"fmt"

	"github.com/colorlab/backend/internal/models"
)

// ErrInvalidTransition is returned when a status change is not an allowed edge
// or the row is no longer in a source status.
var ErrInvalidTransition = errors.New("invalid task status transition")

var edges = map[string][]string{
	models.TaskStatusPending: {models.TaskStatusRunning, models.TaskStatusFailed},
	models.TaskStatusRunning: {models.TaskStatusSucceeded, models.TaskStatusFailed},
}

// IsTerminal reports whether status accepts no further transitions.
func IsTerminal(status string) bool {
	return status == models.TaskStatusSucceeded || status == models.TaskStatusFailed
}

// IsValid reports whether status is a known task status.
func IsValid(status string) bool {
	switch status {
	case models.TaskStatusPending, models.TaskStatusRunning, models.TaskStatusSucceeded, models.TaskStatusFailed:
		return true
	}
	return false
}

func CanTransition(from, to string) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validate returns ErrInvalidTransition wrapped with both statuses.
func Validate(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Sources lists the statuses a task may be in to move to status to. It feeds
// the conditional UPDATE so concurrent writers cannot skip an edge.
func Sources(to string) []string {
	var out []string
	for _, from := range []string{models.TaskStatusPending, models.TaskStatusRunning} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
