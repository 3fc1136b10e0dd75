package reminder

import (
	"time"

	"github.com/google/uuid"
)

// Default offsets before the appointment start, by reminder number.
var DefaultOffsets = []time.Duration{24 * time.Hour, 2 * time.Hour}

// Reminder is one scheduled nudge for an appointment.
type Reminder struct {
	ID                uuid.UUID
	AppointmentID     uuid.UUID
	ReminderNumber    int
	OffsetMinutes     int
	Enabled           bool
	Sent              bool
	SentAt            *time.Time
	ProviderMessageID *string
	CreatedAt         time.Time
}

// IntendedAt is the moment the reminder was meant to go out.
func (r *Reminder) IntendedAt(startsAt time.Time) time.Time {
	return startsAt.Add(-time.Duration(r.OffsetMinutes) * time.Minute)
}

// DueReminder joins a reminder with the appointment context needed to compose
// the outbound message without further lookups.
type DueReminder struct {
	Reminder
	AppointmentStatus string
	StartsAt          time.Time
	PatientPhone      string
	PatientName       string
	DoctorName        string
	OfficeName        string
	OfficeIsVirtual   bool
}
