package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx pool surface the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Store is the authoritative record of appointments. Non-overlap per
// (doctor, time range) and status transitions are enforced inside
// serializable transactions; a lost race surfaces as ErrSlotTaken.
type Store struct {
	db DB
}

// NewStore creates an appointment store.
func NewStore(db DB) *Store {
	if db == nil {
		panic("scheduling: db required")
	}
	return &Store{db: db}
}

const appointmentColumns = `id, patient_id, doctor_id, office_id, starts_at, ends_at,
	consultation_type, status, cancelled_reason, cancelled_by, cancelled_at, created_at, updated_at`

// Get loads one appointment.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1`, id)
	return scanAppointment(row)
}

// ListForDoctorRange returns the doctor's non-cancelled appointments whose
// interval intersects [from, to).
func (s *Store) ListForDoctorRange(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1 AND status <> 'cancelled' AND starts_at < $3 AND ends_at > $2
		ORDER BY starts_at ASC`, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("scheduling: list for doctor: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// ListForPatientRange returns the patient's appointments starting in
// [from, to), newest last.
func (s *Store) ListForPatientRange(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1 AND starts_at >= $2 AND starts_at < $3
		ORDER BY starts_at ASC`, patientID, from, to)
	if err != nil {
		return nil, fmt.Errorf("scheduling: list for patient: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// Insert writes a new appointment after re-checking the interval inside a
// serializable transaction. The range SELECT is the predicate read; a
// serialization failure or duplicate means another writer won the slot.
func (s *Store) Insert(ctx context.Context, a *Appointment) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("scheduling: begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var conflict bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $1 AND status <> 'cancelled'
			  AND starts_at < $3 AND ends_at > $2
		)`, a.DoctorID, a.StartsAt, a.EndsAt).Scan(&conflict)
	if err != nil {
		return fmt.Errorf("scheduling: conflict check: %w", err)
	}
	if conflict {
		return ErrSlotTaken
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, office_id, starts_at, ends_at,
			consultation_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		a.ID, a.PatientID, a.DoctorID, a.OfficeID, a.StartsAt, a.EndsAt,
		string(a.ConsultationType), string(a.Status), a.CreatedAt)
	if err != nil {
		return mapWriteError(err, "insert")
	}

	if err := tx.Commit(ctx); err != nil {
		return mapWriteError(err, "commit insert")
	}
	return nil
}

// Move changes the appointment's start (and optionally office), re-running
// the non-overlap check against everything but the row itself.
func (s *Store) Move(ctx context.Context, id uuid.UUID, startsAt, endsAt time.Time, officeID *uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("scheduling: begin move tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var doctorID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT doctor_id FROM appointments WHERE id = $1`, id).Scan(&doctorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("scheduling: load for move: %w", err)
	}

	var conflict bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $1 AND id <> $2 AND status <> 'cancelled'
			  AND starts_at < $4 AND ends_at > $3
		)`, doctorID, id, startsAt, endsAt).Scan(&conflict)
	if err != nil {
		return fmt.Errorf("scheduling: move conflict check: %w", err)
	}
	if conflict {
		return ErrSlotTaken
	}

	if officeID != nil {
		_, err = tx.Exec(ctx, `
			UPDATE appointments SET starts_at = $2, ends_at = $3, office_id = $4, updated_at = now()
			WHERE id = $1`, id, startsAt, endsAt, *officeID)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE appointments SET starts_at = $2, ends_at = $3, updated_at = now()
			WHERE id = $1`, id, startsAt, endsAt)
	}
	if err != nil {
		return mapWriteError(err, "move")
	}

	if err := tx.Commit(ctx); err != nil {
		return mapWriteError(err, "commit move")
	}
	return nil
}

// Transition performs a conditional status update. It reports whether a row
// changed and the status observed afterward, letting the caller distinguish
// idempotent no-ops from illegal moves.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, from []Status, to Status) (bool, Status, error) {
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE appointments SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)`, id, string(to), fromStrs)
	if err != nil {
		return false, "", fmt.Errorf("scheduling: transition: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, to, nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return false, "", err
	}
	return false, current.Status, nil
}

// MarkCancelled sets cancellation fields together with the status change.
func (s *Store) MarkCancelled(ctx context.Context, id uuid.UUID, actor uuid.UUID, reason string, at time.Time) (bool, Status, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE appointments
		SET status = 'cancelled', cancelled_by = $2, cancelled_reason = $3, cancelled_at = $4, updated_at = $4
		WHERE id = $1 AND status IN ('pending', 'confirmed')`, id, actor, reason, at)
	if err != nil {
		return false, "", fmt.Errorf("scheduling: mark cancelled: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, StatusCancelled, nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return false, "", err
	}
	return false, current.Status, nil
}

// mapWriteError turns serialization failures and unique violations into
// ErrSlotTaken; everything else propagates.
func mapWriteError(err error, action string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "23505", "23P01":
			return ErrSlotTaken
		}
	}
	return fmt.Errorf("scheduling: %s: %w", action, err)
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a                Appointment
		consultationType string
		status           string
	)
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.OfficeID, &a.StartsAt, &a.EndsAt,
		&consultationType, &status, &a.CancelledReason, &a.CancelledBy, &a.CancelledAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scheduling: scan appointment: %w", err)
	}
	a.ConsultationType = ConsultationType(consultationType)
	a.Status = Status(status)
	return &a, nil
}

func scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}
