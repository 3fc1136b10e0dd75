package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Status is the appointment lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// ConsultationType distinguishes a patient's first visit from follow-ups.
type ConsultationType string

const (
	ConsultationFirstVisit ConsultationType = "first_visit"
	ConsultationFollowUp   ConsultationType = "follow_up"
)

// legalTransitions is the allowed status graph. Cancelled and completed
// are terminal.
var legalTransitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCancelled, StatusCompleted},
}

// CanTransition reports whether from → to is a legal status move.
func CanTransition(from, to Status) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Appointment is one booked slot on a doctor's timeline.
type Appointment struct {
	ID               uuid.UUID
	PatientID        uuid.UUID
	DoctorID         uuid.UUID
	OfficeID         uuid.UUID
	StartsAt         time.Time
	EndsAt           time.Time
	ConsultationType ConsultationType
	Status           Status
	CancelledReason  *string
	CancelledBy      *uuid.UUID
	CancelledAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Overlaps reports whether the appointment's half-open interval intersects
// [start, end).
func (a *Appointment) Overlaps(start, end time.Time) bool {
	return a.StartsAt.Before(end) && start.Before(a.EndsAt)
}

// Patch describes a partial appointment update.
type Patch struct {
	StartsAt *time.Time
	OfficeID *uuid.UUID
	Status   *Status
}
