// Package consent tracks privacy-notice acceptance. The conversational agent
// may not book for a patient who has not accepted the current notice.
package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/citamed/citamed-platform/internal/whatsapp"
	"github.com/citamed/citamed-platform/pkg/logging"
)

// CurrentNoticeID names the privacy notice version patients accept. Bump it
// when the notice text changes; earlier acceptances then stop gating.
const CurrentNoticeID = "aviso-privacidad-2025-01"

var ErrNotGranted = errors.New("consent: privacy consent not granted")

// DB is the minimal pgx surface the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	if db == nil {
		panic("consent: db is required")
	}
	return &Store{db: db}
}

// Issue records a pending consent request and returns its id, which rides in
// the accept button so the acceptance can be tied back to this notice.
func (s *Store) Issue(ctx context.Context, patientID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.Exec(ctx, `
		INSERT INTO privacy_consents (id, patient_id, notice_id)
		VALUES ($1, $2, $3)`,
		id, patientID, CurrentNoticeID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("consent: issue: %w", err)
	}
	return id, nil
}

// Accept marks a previously issued consent as given. Re-pressing the button
// is harmless.
func (s *Store) Accept(ctx context.Context, consentID uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE privacy_consents SET consent_given = TRUE, consent_at = $2
		WHERE id = $1 AND NOT consent_given`,
		consentID, at)
	if err != nil {
		return fmt.Errorf("consent: accept: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM privacy_consents WHERE id = $1)`,
			consentID).Scan(&exists); err != nil {
			return fmt.Errorf("consent: accept: %w", err)
		}
		if !exists {
			return fmt.Errorf("consent: accept: unknown consent %s", consentID)
		}
	}
	return nil
}

// Revoke withdraws a patient's acceptance of the current notice.
func (s *Store) Revoke(ctx context.Context, patientID uuid.UUID, reason string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE privacy_consents SET consent_given = FALSE, revoke_reason = $2
		WHERE patient_id = $1 AND notice_id = $3 AND consent_given`,
		patientID, reason, CurrentNoticeID)
	if err != nil {
		return fmt.Errorf("consent: revoke: %w", err)
	}
	return nil
}

// Granted reports whether the patient has an active acceptance of the current
// notice.
func (s *Store) Granted(ctx context.Context, patientID uuid.UUID) (bool, error) {
	var granted bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM privacy_consents
			WHERE patient_id = $1 AND notice_id = $2 AND consent_given
		)`,
		patientID, CurrentNoticeID).Scan(&granted)
	if err != nil {
		return false, fmt.Errorf("consent: granted: %w", err)
	}
	return granted, nil
}

// Messenger sends the privacy notice prompt.
type Messenger interface {
	Send(ctx context.Context, msg *whatsapp.Message) (string, error)
}

// Gate wraps the store with the outbound prompt flow.
type Gate struct {
	store     *Store
	messenger Messenger
	noticeURL string
	logger    *logging.Logger
}

func NewGate(store *Store, messenger Messenger, noticeURL string, logger *logging.Logger) *Gate {
	if store == nil {
		panic("consent: store is required")
	}
	if messenger == nil {
		panic("consent: messenger is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Gate{store: store, messenger: messenger, noticeURL: noticeURL, logger: logger.Component("consent_gate")}
}

// Require checks the gate and, when consent is missing, sends the notice with
// an accept button and returns ErrNotGranted so the caller can pause the flow.
func (g *Gate) Require(ctx context.Context, patientID uuid.UUID, phone string) error {
	granted, err := g.store.Granted(ctx, patientID)
	if err != nil {
		return err
	}
	if granted {
		return nil
	}

	consentID, err := g.store.Issue(ctx, patientID)
	if err != nil {
		return err
	}
	body := "Antes de agendar necesitamos tu consentimiento de nuestro aviso de privacidad."
	if g.noticeURL != "" {
		body += " Puedes leerlo aquí: " + g.noticeURL
	}
	_, err = g.messenger.Send(ctx, &whatsapp.Message{
		To:   phone,
		Kind: whatsapp.KindButtons,
		Body: body,
		Buttons: []whatsapp.Button{
			{ID: "accept_privacy_" + consentID.String(), Title: "Acepto"},
		},
	})
	if err != nil {
		g.logger.Error("failed to send privacy notice", "patient_id", patientID, "error", err)
		return err
	}
	return ErrNotGranted
}
