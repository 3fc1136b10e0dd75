package whatsapp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Delivery statuses mirror the provider receipt ladder. Later statuses never
// regress to earlier ones.
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryRead      = "read"
	DeliveryFailed    = "failed"
)

var deliveryRank = map[string]int{
	DeliverySent:      1,
	DeliveryDelivered: 2,
	DeliveryRead:      3,
	DeliveryFailed:    4,
}

// OutboundMessage is one persisted send attempt.
type OutboundMessage struct {
	ID                uuid.UUID
	Recipient         string
	Kind              string
	TemplateName      string
	Provider          string
	ProviderMessageID string
	Status            string
	SentAt            time.Time
	StatusUpdatedAt   time.Time
}

// DB is the minimal pgx surface the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists outbound messages and their delivery receipts.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	if db == nil {
		panic("whatsapp: db is required")
	}
	return &Store{db: db}
}

func (s *Store) RecordOutbound(ctx context.Context, msg *OutboundMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO outbound_messages
			(id, recipient, kind, template_name, provider, provider_message_id, status, sent_at, status_updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $8)`,
		msg.ID, msg.Recipient, msg.Kind, msg.TemplateName, msg.Provider,
		msg.ProviderMessageID, msg.Status, msg.SentAt)
	if err != nil {
		return fmt.Errorf("whatsapp: record outbound: %w", err)
	}
	return nil
}

// RecordDeliveryStatus applies a provider receipt, keyed by the provider
// message id. Out-of-order receipts that would move the status backwards are
// ignored.
func (s *Store) RecordDeliveryStatus(ctx context.Context, providerMessageID, status string, at time.Time) error {
	rank, ok := deliveryRank[status]
	if !ok {
		return fmt.Errorf("whatsapp: unknown delivery status %q", status)
	}
	ranked := make([]string, 0, len(deliveryRank))
	for st, r := range deliveryRank {
		if r < rank {
			ranked = append(ranked, st)
		}
	}
	_, err := s.db.Exec(ctx, `
		UPDATE outbound_messages
		SET status = $2, status_updated_at = $3
		WHERE provider_message_id = $1 AND status = ANY($4)`,
		providerMessageID, status, at, ranked)
	if err != nil {
		return fmt.Errorf("whatsapp: record delivery status: %w", err)
	}
	return nil
}
