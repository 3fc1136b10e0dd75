package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/citamed/citamed-platform/internal/whatsapp"
)

// ErrNotFound is returned when a person or office does not exist.
var ErrNotFound = errors.New("directory: not found")

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides persistence for persons, offices and schedule templates.
type Store struct {
	db                 DB
	defaultCountryCode string
}

// NewStore creates a directory store.
func NewStore(db DB, defaultCountryCode string) *Store {
	if db == nil {
		panic("directory: db required")
	}
	if defaultCountryCode == "" {
		defaultCountryCode = "52"
	}
	return &Store{db: db, defaultCountryCode: defaultCountryCode}
}

const personColumns = `id, role, name, phone, email, birth_date, COALESCE(slot_duration_minutes, 0), active, created_at, updated_at`

// GetPerson loads a person by id.
func (s *Store) GetPerson(ctx context.Context, id uuid.UUID) (*Person, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+personColumns+`
		FROM persons
		WHERE id = $1`, id)
	return scanPerson(row)
}

// ListActiveDoctors returns all active doctors ordered by name.
func (s *Store) ListActiveDoctors(ctx context.Context) ([]Person, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+personColumns+`
		FROM persons
		WHERE role = 'doctor' AND active
		ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("directory: list doctors: %w", err)
	}
	defer rows.Close()
	return scanPersons(rows)
}

// FindPatientByPhone locates an active patient by phone. Matching tolerates
// the mobile-subscriber prefix digit, so both stored forms resolve.
func (s *Store) FindPatientByPhone(ctx context.Context, phone string) (*Person, error) {
	variants := whatsapp.PhoneVariants(phone, s.defaultCountryCode)
	if len(variants) == 0 {
		return nil, ErrNotFound
	}
	candidates := make([]string, 0, len(variants))
	for _, v := range variants {
		candidates = append(candidates, "+"+v)
	}
	row := s.db.QueryRow(ctx, `
		SELECT `+personColumns+`
		FROM persons
		WHERE role = 'patient' AND active AND phone = ANY($1)
		LIMIT 1`, candidates)
	return scanPerson(row)
}

// CreatePatient inserts a patient row. Idempotent on phone: when an active
// patient with the same phone already exists, that row is returned.
func (s *Store) CreatePatient(ctx context.Context, name, phone string, birthDate *time.Time) (*Person, error) {
	normalized := whatsapp.NormalizeE164(phone)
	if normalized == "" {
		return nil, fmt.Errorf("directory: create patient: invalid phone %q", phone)
	}
	existing, err := s.FindPatientByPhone(ctx, normalized)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	id := uuid.New()
	now := time.Now().UTC()
	_, err = s.db.Exec(ctx, `
		INSERT INTO persons (id, role, name, phone, birth_date, active, created_at, updated_at)
		VALUES ($1, 'patient', $2, $3, $4, TRUE, $5, $5)`,
		id, name, normalized, birthDate, now)
	if err != nil {
		// Unique index race: another writer created the same phone first.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return s.FindPatientByPhone(ctx, normalized)
		}
		return nil, fmt.Errorf("directory: create patient: %w", err)
	}
	return s.GetPerson(ctx, id)
}

// SlotDurationFor returns the doctor's slot duration, falling back to the
// platform default when the doctor has none configured.
func (s *Store) SlotDurationFor(ctx context.Context, doctorID uuid.UUID, fallback time.Duration) (time.Duration, error) {
	doctor, err := s.GetPerson(ctx, doctorID)
	if err != nil {
		return 0, err
	}
	if doctor.Role != RoleDoctor {
		return 0, fmt.Errorf("directory: person %s is not a doctor", doctorID)
	}
	if doctor.SlotDuration > 0 {
		return doctor.SlotDuration, nil
	}
	return fallback, nil
}

// GetOffice loads an office by id.
func (s *Store) GetOffice(ctx context.Context, id uuid.UUID) (*Office, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, doctor_id, name, is_virtual, address, city, map_url, meeting_url,
		       latitude, longitude, country_code, active
		FROM offices
		WHERE id = $1`, id)
	return scanOffice(row)
}

// ListDoctorOffices returns the doctor's active offices.
func (s *Store) ListDoctorOffices(ctx context.Context, doctorID uuid.UUID) ([]Office, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, doctor_id, name, is_virtual, address, city, map_url, meeting_url,
		       latitude, longitude, country_code, active
		FROM offices
		WHERE doctor_id = $1 AND active
		ORDER BY name ASC`, doctorID)
	if err != nil {
		return nil, fmt.Errorf("directory: list offices: %w", err)
	}
	defer rows.Close()

	var result []Office
	for rows.Next() {
		o, err := scanOfficeValues(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

// TemplatesForWeekday returns the active templates with their time blocks
// for a doctor on the given weekday, optionally filtered by office.
func (s *Store) TemplatesForWeekday(ctx context.Context, doctorID uuid.UUID, officeID *uuid.UUID, weekday time.Weekday) ([]ScheduleTemplate, error) {
	query := `
		SELECT t.id, t.doctor_id, t.office_id, t.weekday, t.active, b.start_minute, b.end_minute
		FROM schedule_templates t
		JOIN schedule_blocks b ON b.template_id = t.id
		WHERE t.doctor_id = $1 AND t.weekday = $2 AND t.active`
	args := []any{doctorID, int(weekday)}
	if officeID != nil {
		query += ` AND t.office_id = $3`
		args = append(args, *officeID)
	}
	query += ` ORDER BY t.id, b.start_minute ASC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("directory: templates for weekday: %w", err)
	}
	defer rows.Close()

	byID := map[uuid.UUID]*ScheduleTemplate{}
	var order []uuid.UUID
	for rows.Next() {
		var (
			tpl   ScheduleTemplate
			wd    int
			block TimeBlock
		)
		if err := rows.Scan(&tpl.ID, &tpl.DoctorID, &tpl.OfficeID, &wd, &tpl.Active, &block.StartMinute, &block.EndMinute); err != nil {
			return nil, fmt.Errorf("directory: scan template: %w", err)
		}
		tpl.Weekday = time.Weekday(wd)
		existing, ok := byID[tpl.ID]
		if !ok {
			byID[tpl.ID] = &tpl
			existing = &tpl
			order = append(order, tpl.ID)
		}
		existing.Blocks = append(existing.Blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]ScheduleTemplate, 0, len(order))
	for _, id := range order {
		result = append(result, *byID[id])
	}
	return result, nil
}

// HasCompletedVisits reports whether the patient has at least one completed
// appointment with the doctor. Drives first-visit vs follow-up.
func (s *Store) HasCompletedVisits(ctx context.Context, patientID, doctorID uuid.UUID) (bool, error) {
	var exists int
	err := s.db.QueryRow(ctx, `
		SELECT 1 FROM appointments
		WHERE patient_id = $1 AND doctor_id = $2 AND status = 'completed'
		LIMIT 1`, patientID, doctorID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("directory: has completed visits: %w", err)
	}
	return true, nil
}

func scanPerson(row pgx.Row) (*Person, error) {
	var (
		p            Person
		role         string
		slotMinutes  int
	)
	err := row.Scan(&p.ID, &role, &p.Name, &p.Phone, &p.Email, &p.BirthDate, &slotMinutes, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("directory: scan person: %w", err)
	}
	p.Role = Role(role)
	p.SlotDuration = time.Duration(slotMinutes) * time.Minute
	return &p, nil
}

func scanPersons(rows pgx.Rows) ([]Person, error) {
	var result []Person
	for rows.Next() {
		var (
			p           Person
			role        string
			slotMinutes int
		)
		if err := rows.Scan(&p.ID, &role, &p.Name, &p.Phone, &p.Email, &p.BirthDate, &slotMinutes, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("directory: scan person: %w", err)
		}
		p.Role = Role(role)
		p.SlotDuration = time.Duration(slotMinutes) * time.Minute
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanOffice(row pgx.Row) (*Office, error) {
	var o Office
	err := row.Scan(&o.ID, &o.DoctorID, &o.Name, &o.IsVirtual, &o.Address, &o.City, &o.MapURL, &o.MeetingURL,
		&o.Latitude, &o.Longitude, &o.CountryCode, &o.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("directory: scan office: %w", err)
	}
	return &o, nil
}

func scanOfficeValues(rows pgx.Rows) (*Office, error) {
	var o Office
	err := rows.Scan(&o.ID, &o.DoctorID, &o.Name, &o.IsVirtual, &o.Address, &o.City, &o.MapURL, &o.MeetingURL,
		&o.Latitude, &o.Longitude, &o.CountryCode, &o.Active)
	if err != nil {
		return nil, fmt.Errorf("directory: scan office: %w", err)
	}
	return &o, nil
}
