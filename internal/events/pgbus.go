package events

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PGBus publishes with pg_notify and keeps one pooled connection in LISTEN to
// feed the local hub, so every API instance sees every worker's updates.
type PGBus struct {
	pool      *pgxpool.Pool
	channel   string
	hub       *Hub
	listening atomic.Bool
	log       *zap.Logger
}

func NewPGBus(pool *pgxpool.Pool, channel string, log *zap.Logger) *PGBus {
	if log == nil {
		log = zap.NewNop()
	}
	return &PGBus{pool: pool, channel: channel, hub: NewHub(), log: log}
}

func (b *PGBus) Publish(ctx context.Context, evt Event) error {
	payload, err := encode(evt)
	if err != nil {
		return err
	}
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, b.channel, payload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func (b *PGBus) Subscribe(ctx context.Context, taskID uuid.UUID) (<-chan Event, func(), error) {
	if !b.listening.Load() {
		return nil, nil, ErrNotListening
	}
	return b.hub.Subscribe(ctx, taskID)
}

// Run holds the LISTEN connection, reconnecting with backoff until ctx ends.
func (b *PGBus) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := b.listen(ctx)
		b.listening.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		b.log.Warn("task event listener stopped; reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (b *PGBus) listen(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	b.listening.Store(true)
	b.log.Info("listening for task events", zap.String("channel", b.channel))
	b.hub.Resync(ctx)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		evt, err := decode([]byte(n.Payload))
		if err != nil {
			b.log.Warn("dropping malformed task event", zap.String("payload", n.Payload), zap.Error(err))
			continue
		}
		_ = b.hub.Publish(ctx, evt)
	}
}
