package directory

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies what kind of person a row represents.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleAdmin   Role = "admin"
)

// Person is a doctor, patient or admin.
type Person struct {
	ID           uuid.UUID
	Role         Role
	Name         string
	Phone        string
	Email        *string
	BirthDate    *time.Time
	SlotDuration time.Duration // doctors only; zero means the platform default
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Office is a physical or virtual consultation site owned by a doctor.
type Office struct {
	ID          uuid.UUID
	DoctorID    uuid.UUID
	Name        string
	IsVirtual   bool
	Address     *string
	City        *string
	MapURL      *string
	MeetingURL  *string
	Latitude    *float64
	Longitude   *float64
	CountryCode string
	Active      bool
}

// TimeBlock is one availability window inside a weekly template,
// expressed as minutes from local midnight.
type TimeBlock struct {
	StartMinute int
	EndMinute   int
}

// ScheduleTemplate is a weekly recurring availability pattern for a
// (doctor, office, weekday) triple.
type ScheduleTemplate struct {
	ID       uuid.UUID
	DoctorID uuid.UUID
	OfficeID uuid.UUID
	Weekday  time.Weekday
	Active   bool
	Blocks   []TimeBlock
}
