package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNoToken   = errors.New("calendar: doctor has no calendar token")
	ErrNoMapping = errors.New("calendar: appointment has no event mapping")
)

// Token is a doctor's OAuth credential pair for their external calendar.
type Token struct {
	DoctorID     uuid.UUID
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	SyncEnabled  bool
	UpdatedAt    time.Time
}

// Mapping ties an appointment to the external calendar event created for it.
type Mapping struct {
	AppointmentID   uuid.UUID
	ExternalEventID string
	DoctorID        uuid.UUID
}

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
		panic("calendar: db is required")
	}
	return &Store{db: db}
}

func (s *Store) GetToken(ctx context.Context, doctorID uuid.UUID) (*Token, error) {
	var t Token
	err := s.db.QueryRow(ctx, `
		SELECT doctor_id, access_token, refresh_token, expires_at, sync_enabled, updated_at
		FROM calendar_tokens WHERE doctor_id = $1`,
		doctorID).Scan(&t.DoctorID, &t.AccessToken, &t.RefreshToken, &t.ExpiresAt, &t.SyncEnabled, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("calendar: get token: %w", err)
	}
	return &t, nil
}

func (s *Store) SaveToken(ctx context.Context, t *Token) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO calendar_tokens (doctor_id, access_token, refresh_token, expires_at, sync_enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (doctor_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			sync_enabled = EXCLUDED.sync_enabled,
			updated_at = now()`,
		t.DoctorID, t.AccessToken, t.RefreshToken, t.ExpiresAt, t.SyncEnabled)
	if err != nil {
		return fmt.Errorf("calendar: save token: %w", err)
	}
	return nil
}

// DisableSync turns mirroring off for a doctor after an unrecoverable auth
// failure, so every later appointment change does not retry a dead token.
func (s *Store) DisableSync(ctx context.Context, doctorID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE calendar_tokens SET sync_enabled = FALSE, updated_at = now() WHERE doctor_id = $1`,
		doctorID)
	if err != nil {
		return fmt.Errorf("calendar: disable sync: %w", err)
	}
	return nil
}

func (s *Store) GetMapping(ctx context.Context, appointmentID uuid.UUID) (*Mapping, error) {
	var m Mapping
	err := s.db.QueryRow(ctx, `
		SELECT appointment_id, external_event_id, doctor_id
		FROM calendar_event_mappings WHERE appointment_id = $1`,
		appointmentID).Scan(&m.AppointmentID, &m.ExternalEventID, &m.DoctorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoMapping
	}
	if err != nil {
		return nil, fmt.Errorf("calendar: get mapping: %w", err)
	}
	return &m, nil
}

func (s *Store) SaveMapping(ctx context.Context, m *Mapping) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO calendar_event_mappings (appointment_id, external_event_id, doctor_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (appointment_id) DO NOTHING`,
		m.AppointmentID, m.ExternalEventID, m.DoctorID)
	if err != nil {
		return fmt.Errorf("calendar: save mapping: %w", err)
	}
	return nil
}

func (s *Store) DeleteMapping(ctx context.Context, appointmentID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM calendar_event_mappings WHERE appointment_id = $1`, appointmentID)
	if err != nil {
		return fmt.Errorf("calendar: delete mapping: %w", err)
	}
	return nil
}
