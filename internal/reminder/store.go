package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the minimal pgx surface the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists reminders and implements the at-most-once claim.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	if db == nil {
		panic("reminder: db is required")
	}
	return &Store{db: db}
}

// Schedule creates the reminder rows for an appointment. Existing rows for the
// same reminder number are left untouched, so rescheduling is idempotent.
func (s *Store) Schedule(ctx context.Context, appointmentID uuid.UUID, offsets []time.Duration) error {
	for i, offset := range offsets {
		_, err := s.db.Exec(ctx, `
			INSERT INTO appointment_reminders (id, appointment_id, reminder_number, offset_minutes)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (appointment_id, reminder_number) DO NOTHING`,
			uuid.New(), appointmentID, i+1, int(offset.Minutes()))
		if err != nil {
			return fmt.Errorf("reminder: schedule: %w", err)
		}
	}
	return nil
}

// Due returns unsent enabled reminders whose intended send time falls inside
// [now-window, now] and whose appointment is still pending or confirmed.
// Intended times older than the window stay unsent forever rather than firing
// absurdly late after downtime.
func (s *Store) Due(ctx context.Context, now time.Time, window time.Duration) ([]*DueReminder, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.id, r.appointment_id, r.reminder_number, r.offset_minutes,
		       r.enabled, r.sent, r.sent_at, r.provider_message_id, r.created_at,
		       a.status, a.starts_at,
		       p.phone, p.name, d.name, o.name, o.is_virtual
		FROM appointment_reminders r
		JOIN appointments a ON a.id = r.appointment_id
		JOIN persons p ON p.id = a.patient_id
		JOIN persons d ON d.id = a.doctor_id
		JOIN offices o ON o.id = a.office_id
		WHERE r.enabled
		  AND NOT r.sent
		  AND a.status IN ('pending', 'confirmed')
		  AND a.starts_at - make_interval(mins => r.offset_minutes) <= $1
		  AND a.starts_at - make_interval(mins => r.offset_minutes) >= $2
		ORDER BY a.starts_at`,
		now, now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("reminder: query due: %w", err)
	}
	defer rows.Close()

	var due []*DueReminder
	for rows.Next() {
		var d DueReminder
		if err := rows.Scan(
			&d.ID, &d.AppointmentID, &d.ReminderNumber, &d.OffsetMinutes,
			&d.Enabled, &d.Sent, &d.SentAt, &d.ProviderMessageID, &d.CreatedAt,
			&d.AppointmentStatus, &d.StartsAt,
			&d.PatientPhone, &d.PatientName, &d.DoctorName, &d.OfficeName, &d.OfficeIsVirtual,
		); err != nil {
			return nil, fmt.Errorf("reminder: scan due: %w", err)
		}
		due = append(due, &d)
	}
	return due, rows.Err()
}

// Claim flips sent from false to true. Exactly one worker wins; everyone else
// sees changed=false and moves on.
func (s *Store) Claim(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE appointment_reminders SET sent = TRUE, sent_at = $2
		WHERE id = $1 AND sent = FALSE`,
		id, at)
	if err != nil {
		return false, fmt.Errorf("reminder: claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Revert releases a claim after a failed send so a later tick retries. A
// reminder that already recorded a provider message id stays claimed.
func (s *Store) Revert(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE appointment_reminders SET sent = FALSE, sent_at = NULL
		WHERE id = $1 AND sent = TRUE AND provider_message_id IS NULL`,
		id)
	if err != nil {
		return fmt.Errorf("reminder: revert claim: %w", err)
	}
	return nil
}

// RecordProviderMessageID stores the provider id after a successful send,
// which also pins the claim against reverts.
func (s *Store) RecordProviderMessageID(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE appointment_reminders SET provider_message_id = $2 WHERE id = $1`,
		id, providerMessageID)
	if err != nil {
		return fmt.Errorf("reminder: record provider message id: %w", err)
	}
	return nil
}

// Disable turns off any still-unsent reminders for an appointment, used when
// it is cancelled or completed early.
func (s *Store) Disable(ctx context.Context, appointmentID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE appointment_reminders SET enabled = FALSE
		WHERE appointment_id = $1 AND NOT sent`,
		appointmentID)
	if err != nil {
		return fmt.Errorf("reminder: disable: %w", err)
	}
	return nil
}

// LastSentForPhone finds the appointment of the most recent reminder sent to
// any of the phone variants since the given time. Used to resolve bare
// "confirm"/"cancel" replies to the appointment the patient is answering.
func (s *Store) LastSentForPhone(ctx context.Context, phoneVariants []string, since time.Time) (uuid.UUID, bool, error) {
	candidates := make([]string, 0, len(phoneVariants))
	for _, v := range phoneVariants {
		candidates = append(candidates, "+"+v)
	}
	var appointmentID uuid.UUID
	err := s.db.QueryRow(ctx, `
		SELECT r.appointment_id
		FROM appointment_reminders r
		JOIN appointments a ON a.id = r.appointment_id
		JOIN persons p ON p.id = a.patient_id
		WHERE r.sent AND r.sent_at >= $1 AND p.phone = ANY($2)
		ORDER BY r.sent_at DESC
		LIMIT 1`,
		since, candidates).Scan(&appointmentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("reminder: last sent for phone: %w", err)
	}
	return appointmentID, true, nil
}
