// Package events fans task status changes out to watchers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotListening is returned by Subscribe while a bus has no live upstream
// subscription.
var ErrNotListening = errors.New("event bus is not listening")

// Event announces that a task row changed. Watchers re-read the row. An empty
// Status marks a resync after the bus lost its upstream connection.
type Event struct {
	TaskID uuid.UUID `json:"task_id"`
	Status string    `json:"status"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type Subscriber interface {
	// Subscribe returns a channel of events for taskID and an idempotent
	// unsubscribe func that closes it.
	Subscribe(ctx context.Context, taskID uuid.UUID) (<-chan Event, func(), error)
}

// Bus is a Publisher and Subscriber with a background loop. Run blocks until
// ctx is done.
type Bus interface {
	Publisher
	Subscriber
	Run(ctx context.Context) error
}

func encode(evt Event) (string, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return string(b), nil
}

func decode(payload []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if evt.TaskID == uuid.Nil {
		return Event{}, errors.New("decode event: missing task_id")
	}
	return evt, nil
}
