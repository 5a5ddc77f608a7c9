// Package ledgertest provides in-memory ledger stores and a pgx.Tx whose
// rollback undoes the writes made through it.
package ledgertest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrAborted is what Commit returns once a statement error has aborted the
// transaction.
var ErrAborted = errors.New("current transaction is aborted, commands ignored until end of transaction block")

// Tx satisfies pgx.Tx. Stores register undo funcs on it; Rollback before
// Commit runs them in reverse. Begin opens a savepoint whose Commit hands its
// undo funcs to the parent.
//
// A failed statement aborts the Tx as Postgres would. Committing an aborted
// savepoint fails and aborts its parent; rolling it back recovers the parent.
type Tx struct {
	mu      sync.Mutex
	done    bool
	aborted bool
	undo    []func()
	parent  *Tx
}

func (t *Tx) abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aborted = true
}

func (t *Tx) OnRollback(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undo = append(t.undo, f)
}

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	undo := t.undo
	t.undo = nil
	aborted := t.aborted
	if t.parent != nil {
		t.parent.mu.Lock()
		t.parent.undo = append(t.parent.undo, undo...)
		if aborted {
			t.parent.aborted = true
		}
		t.parent.mu.Unlock()
		if aborted {
			return ErrAborted
		}
		return nil
	}
	if aborted {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return pgx.ErrTxCommitRollback
	}
	return nil
}

// Aborted reports whether a failed statement poisoned tx.
func (t *Tx) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	t.done = true
	undo := t.undo
	t.undo = nil
	t.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
	return nil
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return &Tx{parent: t}, nil }
func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }

// DB hands out Tx values. A non-nil BeginErr fails every Begin.
type DB struct {
	BeginErr error
}

func (d *DB) Begin(context.Context) (pgx.Tx, error) {
	if d.BeginErr != nil {
		return nil, d.BeginErr
	}
	return &Tx{}, nil
}

// Abort marks tx failed when it is a *Tx.
func Abort(tx pgx.Tx) {
	if t, ok := tx.(*Tx); ok {
		t.abort()
	}
}

// OnRollback registers f on tx when it is a *Tx.
func OnRollback(tx pgx.Tx, f func()) {
	if t, ok := tx.(*Tx); ok {
		t.OnRollback(f)
	}
}
