package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const subscriberBuffer = 16

// Hub is an in-process fan-out keyed by task id. It is the memory backend and
// the local delivery stage of the Postgres and Redis buses.
type Hub struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[uint64]chan Event
	next uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[uuid.UUID]map[uint64]chan Event{}}
}

func (h *Hub) Subscribe(_ context.Context, taskID uuid.UUID) (<-chan Event, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	if _, ok := h.subs[taskID]; !ok {
		h.subs[taskID] = map[uint64]chan Event{}
	}
	ch := make(chan Event, subscriberBuffer)
	h.subs[taskID][id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			taskSubs := h.subs[taskID]
			if c, ok := taskSubs[id]; ok {
				delete(taskSubs, id)
				close(c)
			}
			if len(taskSubs) == 0 {
				delete(h.subs, taskID)
			}
		})
	}
	return ch, unsubscribe, nil
}

// Publish never blocks; a subscriber with a full buffer misses the event.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[evt.TaskID] {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// Resync sends every subscriber an event with no status. Buses call it after
// reconnecting upstream so watchers re-read rows whose events may have been
// lost in the gap. A subscriber with a full buffer already has a re-read pending.
func (h *Hub) Resync(_ context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for taskID, subs := range h.subs {
		for _, ch := range subs {
			select {
			case ch <- Event{TaskID: taskID}:
			default:
			}
		}
	}
}

func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Subscribers counts live subscriptions for taskID.
func (h *Hub) Subscribers(taskID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[taskID])
}
