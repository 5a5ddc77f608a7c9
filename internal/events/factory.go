package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// New builds the bus named by backend: memory, postgres or redis.
func New(backend, channel, redisAddr string, pool *pgxpool.Pool, log *zap.Logger) (Bus, error) {
	switch backend {
	case "memory", "":
		return NewHub(), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("postgres event bus needs a pool")
		}
		return NewPGBus(pool, channel, log), nil
	case "redis":
		return NewRedisBus(redisAddr, channel, log)
	default:
		return nil, fmt.Errorf("unknown events backend %q", backend)
	}
}

// Nop discards events. Used where nobody watches, such as the migrate command.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

var _ Publisher = Nop{}
var _ Publisher = (*PGBus)(nil)
var _ Bus = (*Hub)(nil)
var _ Bus = (*PGBus)(nil)
var _ Bus = (*RedisBus)(nil)
