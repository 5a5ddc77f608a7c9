package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// WebhookEventRepo records provider webhook events that were already applied.
type WebhookEventRepo struct {
	pool *pgxpool.Pool
}

func NewWebhookEventRepo(pool *pgxpool.Pool) *WebhookEventRepo {
	return &WebhookEventRepo{pool: pool}
}

func (r *WebhookEventRepo) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM processed_webhook_events WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

func (r *WebhookEventRepo) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO processed_webhook_events (event_id, event_type, processed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	return err
}
