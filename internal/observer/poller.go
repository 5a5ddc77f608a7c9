package observer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultPollInterval = 5 * time.Second

// Poller re-reads the task on a fixed interval until it is terminal or
// MaxAttempts reads have been made. Zero MaxAttempts polls until cancel.
type Poller struct {
	Store       TaskStore
	Interval    time.Duration
	MaxAttempts int
	log         *zap.Logger
}

func NewPoller(store TaskStore, interval time.Duration, maxAttempts int, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{Store: store, Interval: interval, MaxAttempts: maxAttempts, log: log}
}

func (p *Poller) Watch(ctx context.Context, taskID uuid.UUID, onUpdate UpdateFunc, onTerminal TerminalFunc) func() {
	w := newWatch(ctx, onUpdate, onTerminal)
	go func() {
		defer close(w.done)
		p.run(w, taskID)
	}()
	return w.stop
}

func (p *Poller) run(w *watch, taskID uuid.UUID) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		if w.fetch(p.Store, taskID) {
			return
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			p.log.Warn("task watch gave up", zap.String("task_id", taskID.String()), zap.Int("attempts", attempt))
			w.terminal(w.last, ErrTimeout)
			return
		}
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
