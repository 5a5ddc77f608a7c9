package events

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mediocregopher/radix/v3"
	"go.uber.org/zap"
)

// RedisBus publishes on a Redis channel and relays a persistent subscription
// into the local hub.
type RedisBus struct {
	addr      string
	channel   string
	client    radix.Client
	hub       *Hub
	listening atomic.Bool
	log       *zap.Logger
}

func NewRedisBus(addr, channel string, log *zap.Logger) (*RedisBus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pool, err := radix.NewPool("tcp", addr, 10)
	if err != nil {
		return nil, fmt.Errorf("redis pool: %w", err)
	}
	return &RedisBus{addr: addr, channel: channel, client: pool, hub: NewHub(), log: log}, nil
}

func (b *RedisBus) Publish(_ context.Context, evt Event) error {
	payload, err := encode(evt)
	if err != nil {
		return err
	}
	if err := b.client.Do(radix.Cmd(nil, "PUBLISH", b.channel, payload)); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, taskID uuid.UUID) (<-chan Event, func(), error) {
	if !b.listening.Load() {
		return nil, nil, ErrNotListening
	}
	return b.hub.Subscribe(ctx, taskID)
}

// Run subscribes through a persistent pub/sub connection, which reconnects on
// its own, and relays messages until ctx ends. After a connection error it
// waits for the subscription to answer a PING and resyncs the hub.
func (b *RedisBus) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	ps, err := radix.PersistentPubSubWithOpts("tcp", b.addr,
		radix.PersistentPubSubConnFunc(func(network, addr string) (radix.Conn, error) {
			return radix.Dial(network, addr, radix.DialTimeout(5*time.Second))
		}),
		radix.PersistentPubSubErrCh(errCh),
	)
	if err != nil {
		return fmt.Errorf("redis pubsub: %w", err)
	}
	defer ps.Close()

	msgCh := make(chan radix.PubSubMessage, 64)
	if err := ps.Subscribe(msgCh, b.channel); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.listening.Store(true)
	defer b.listening.Store(false)
	b.log.Info("listening for task events", zap.String("channel", b.channel), zap.String("addr", b.addr))

	for {
		select {
		case <-ctx.Done():
			_ = ps.Unsubscribe(msgCh, b.channel)
			return nil
		case err := <-errCh:
			b.log.Warn("task event subscription interrupted; reconnecting", zap.Error(err))
			if !b.awaitReconnect(ctx, ps) {
				return nil
			}
			b.hub.Resync(ctx)
		case msg := <-msgCh:
			evt, err := decode(msg.Message)
			if err != nil {
				b.log.Warn("dropping malformed task event", zap.ByteString("payload", msg.Message), zap.Error(err))
				continue
			}
			_ = b.hub.Publish(ctx, evt)
		}
	}
}

// awaitReconnect pings until the subscription answers. It returns false when
// ctx ends first.
func (b *RedisBus) awaitReconnect(ctx context.Context, ps radix.PubSubConn) bool {
	backoff := 100 * time.Millisecond
	for {
		err := ps.Ping()
		if err == nil {
			b.log.Info("task event subscription restored", zap.String("channel", b.channel))
			return true
		}
		b.log.Debug("task event subscription still down", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
