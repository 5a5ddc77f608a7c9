// Package observer watches a task until it reaches a terminal status, either
// by polling the task row or by reacting to published events.
package observer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/petermattis/goid"
	"go.uber.org/zap"

	"github.com/colorlab/backend/internal/config"
	"github.com/colorlab/backend/internal/events"
	"github.com/colorlab/backend/internal/models"
	"github.com/colorlab/backend/internal/tasks"
)

var (
	ErrTimeout      = errors.New("task watch timed out")
	ErrSubscription = errors.New("task event subscription failed")
)

type TaskStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
}

// UpdateFunc receives each non-terminal change of the task.
type UpdateFunc func(task *models.Task)

// TerminalFunc is called at most once per watch. task is the last record seen,
// nil if none was read. err is nil when the task reached a terminal status.
type TerminalFunc func(task *models.Task, err error)

type Observer interface {
	// Watch starts observing taskID. The returned cancel is idempotent, may be
	// called from inside a callback, and no callback starts after it returns.
	Watch(ctx context.Context, taskID uuid.UUID, onUpdate UpdateFunc, onTerminal TerminalFunc) (cancel func())
}

// New picks the strategy from cfg. Push without a subscriber degrades to polling.
func New(cfg config.ObserverConfig, store TaskStore, sub events.Subscriber, log *zap.Logger) Observer {
	if log == nil {
		log = zap.NewNop()
	}
	poller := NewPoller(store, cfg.PollInterval.Duration, cfg.MaxAttempts, log)
	if cfg.Strategy != "push" || sub == nil {
		return poller
	}
	pusher := NewPusher(store, sub, cfg.PushTimeout.Duration, log)
	if cfg.FallbackToPoll {
		pusher.Fallback = poller
	}
	return pusher
}

// watch is the per-call state shared by both strategies.
type watch struct {
	ctx        context.Context
	cancelCtx  context.CancelFunc
	done       chan struct{}
	onUpdate   UpdateFunc
	onTerminal TerminalFunc

	terminalOnce sync.Once
	stopOnce     sync.Once
	// callbackG is the goroutine running a callback, 0 when none is.
	callbackG atomic.Int64

	last *models.Task
}

func newWatch(ctx context.Context, onUpdate UpdateFunc, onTerminal TerminalFunc) *watch {
	wctx, cancel := context.WithCancel(ctx)
	if onUpdate == nil {
		onUpdate = func(*models.Task) {}
	}
	if onTerminal == nil {
		onTerminal = func(*models.Task, error) {}
	}
	return &watch{
		ctx:        wctx,
		cancelCtx:  cancel,
		done:       make(chan struct{}),
		onUpdate:   onUpdate,
		onTerminal: onTerminal,
	}
}

func (w *watch) deliver(fn func()) {
	if w.ctx.Err() != nil {
		return
	}
	w.callbackG.Store(goid.Get())
	defer w.callbackG.Store(0)
	fn()
}

func (w *watch) terminal(task *models.Task, err error) {
	w.terminalOnce.Do(func() {
		w.deliver(func() { w.onTerminal(task, err) })
	})
}

// stop cancels the watch and waits for its goroutine, including a callback
// running on it, unless stop is called from that callback.
func (w *watch) stop() {
	w.stopOnce.Do(w.cancelCtx)
	if g := w.callbackG.Load(); g != 0 && g == goid.Get() {
		return
	}
	<-w.done
}

// fetch reads the task once and reports it. It returns true when the watch is
// finished.
func (w *watch) fetch(store TaskStore, taskID uuid.UUID) bool {
	task, err := store.GetByID(w.ctx, taskID)
	if err != nil {
		if w.ctx.Err() != nil {
			return true
		}
		w.terminal(w.last, err)
		return true
	}
	changed := w.last == nil || w.last.Status != task.Status || !w.last.UpdatedAt.Equal(task.UpdatedAt)
	w.last = task
	if tasks.IsTerminal(task.Status) {
		w.terminal(task, nil)
		return true
	}
	if changed {
		w.deliver(func() { w.onUpdate(task) })
	}
	return w.ctx.Err() != nil
}
