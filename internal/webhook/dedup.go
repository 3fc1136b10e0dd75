package webhook

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the minimal pgx surface the dedup guard needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Dedup guards against provider redeliveries. Marking is first-writer-wins,
// so concurrent deliveries of the same message process it once.
type Dedup struct {
	db DB
}

func NewDedup(db DB) *Dedup {
	if db == nil {
		panic("webhook: db is required")
	}
	return &Dedup{db: db}
}

// Mark records a provider message id and reports whether it was fresh.
func (d *Dedup) Mark(ctx context.Context, providerMessageID string) (bool, error) {
	tag, err := d.db.Exec(ctx, `
		INSERT INTO processed_webhook_events (provider_message_id)
		VALUES ($1)
		ON CONFLICT (provider_message_id) DO NOTHING`,
		providerMessageID)
	if err != nil {
		return false, fmt.Errorf("webhook: mark processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
