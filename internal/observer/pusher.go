package observer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/colorlab/backend/internal/events"
)

// Pusher re-reads the task whenever an event for it arrives. It subscribes
// before the first read so a change between the two is never missed.
type Pusher struct {
	Store      TaskStore
	Subscriber events.Subscriber
	// Timeout bounds the whole watch. Zero waits until cancel.
	Timeout time.Duration
	// Fallback takes over when the subscription cannot be established.
	Fallback *Poller
	log      *zap.Logger
}

func NewPusher(store TaskStore, sub events.Subscriber, timeout time.Duration, log *zap.Logger) *Pusher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pusher{Store: store, Subscriber: sub, Timeout: timeout, log: log}
}

func (p *Pusher) Watch(ctx context.Context, taskID uuid.UUID, onUpdate UpdateFunc, onTerminal TerminalFunc) func() {
	ch, unsubscribe, err := p.Subscriber.Subscribe(ctx, taskID)
	if err != nil {
		if p.Fallback != nil {
			p.log.Warn("task event subscription failed; polling instead", zap.String("task_id", taskID.String()), zap.Error(err))
			return p.Fallback.Watch(ctx, taskID, onUpdate, onTerminal)
		}
		w := newWatch(ctx, onUpdate, onTerminal)
		go func() {
			defer close(w.done)
			w.terminal(nil, fmt.Errorf("%w: %v", ErrSubscription, err))
		}()
		return w.stop
	}

	w := newWatch(ctx, onUpdate, onTerminal)
	go func() {
		defer close(w.done)
		defer unsubscribe()
		p.run(w, taskID, ch)
	}()
	return w.stop
}

func (p *Pusher) run(w *watch, taskID uuid.UUID, ch <-chan events.Event) {
	var timeout <-chan time.Time
	if p.Timeout > 0 {
		timer := time.NewTimer(p.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	if w.fetch(p.Store, taskID) {
		return
	}
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-timeout:
			w.terminal(w.last, ErrTimeout)
			return
		case _, ok := <-ch:
			if !ok {
				w.terminal(w.last, fmt.Errorf("%w: event stream closed", ErrSubscription))
				return
			}
			if w.fetch(p.Store, taskID) {
				return
			}
		}
	}
}

var (
	_ Observer = (*Poller)(nil)
	_ Observer = (*Pusher)(nil)
)
