package replies

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/citamed/citamed-platform/internal/scheduling"
)

// Resolution windows. A bare "confirm" more than a week out is too ambiguous
// to act on, so the fallback search is bounded rather than open-ended.
const (
	recentReminderWindow = 2 * time.Hour
	lookBack             = 24 * time.Hour
	lookAhead            = 7 * 24 * time.Hour
)

// ReminderLog answers which appointment was last nudged at a phone number.
type ReminderLog interface {
	LastSentForPhone(ctx context.Context, phoneVariants []string, since time.Time) (uuid.UUID, bool, error)
}

// AppointmentSource lists and loads a patient's appointments.
type AppointmentSource interface {
	Get(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error)
	ListForPatientRange(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]scheduling.Appointment, error)
}

// Resolver maps a bare confirm/cancel reply to the appointment the patient
// most plausibly means.
type Resolver struct {
	reminders    ReminderLog
	appointments AppointmentSource
}

func NewResolver(reminders ReminderLog, appointments AppointmentSource) *Resolver {
	if reminders == nil {
		panic("replies: reminder log is required")
	}
	if appointments == nil {
		panic("replies: appointment source is required")
	}
	return &Resolver{reminders: reminders, appointments: appointments}
}

// Resolve walks a priority ladder:
//
//  1. the appointment a reminder was sent for within the last two hours,
//     if it is still actionable;
//  2. the next confirmed appointment between yesterday and a week out;
//  3. any other non-cancelled appointment in that window, upcoming first;
//  4. the most recent non-cancelled appointment within the past week.
//
// Returns false when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, patientID uuid.UUID, phoneVariants []string, now time.Time) (uuid.UUID, bool, error) {
	if id, ok, err := r.fromRecentReminder(ctx, phoneVariants, now); err != nil {
		return uuid.Nil, false, err
	} else if ok {
		return id, true, nil
	}

	appts, err := r.appointments.ListForPatientRange(ctx, patientID,
		now.Add(-lookBack), now.Add(lookAhead))
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("replies: list appointments: %w", err)
	}

	if a := pick(appts, now, func(a *scheduling.Appointment) bool {
		return a.Status == scheduling.StatusConfirmed
	}); a != nil {
		return a.ID, true, nil
	}
	if a := pick(appts, now, func(a *scheduling.Appointment) bool {
		return a.Status != scheduling.StatusCancelled
	}); a != nil {
		return a.ID, true, nil
	}

	// Last rung: the most recent non-cancelled appointment in the past week,
	// for patients answering a reminder long after the visit.
	past, err := r.appointments.ListForPatientRange(ctx, patientID, now.Add(-lookAhead), now)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("replies: list past appointments: %w", err)
	}
	var latest *scheduling.Appointment
	for i := range past {
		if past[i].Status != scheduling.StatusCancelled && past[i].StartsAt.Before(now) {
			latest = &past[i]
		}
	}
	if latest != nil {
		return latest.ID, true, nil
	}
	return uuid.Nil, false, nil
}

func (r *Resolver) fromRecentReminder(ctx context.Context, phoneVariants []string, now time.Time) (uuid.UUID, bool, error) {
	id, found, err := r.reminders.LastSentForPhone(ctx, phoneVariants, now.Add(-recentReminderWindow))
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("replies: recent reminder lookup: %w", err)
	}
	if !found {
		return uuid.Nil, false, nil
	}
	a, err := r.appointments.Get(ctx, id)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("replies: load reminded appointment: %w", err)
	}
	if a.Status == scheduling.StatusCancelled || a.Status == scheduling.StatusCompleted {
		return uuid.Nil, false, nil
	}
	return a.ID, true, nil
}

// pick prefers the soonest upcoming match, falling back to the most recent
// past one. Appointments arrive ordered by starts_at ascending.
func pick(appts []scheduling.Appointment, now time.Time, match func(*scheduling.Appointment) bool) *scheduling.Appointment {
	var lastPast *scheduling.Appointment
	for i := range appts {
		a := &appts[i]
		if !match(a) {
			continue
		}
		if !a.StartsAt.Before(now) {
			return a
		}
		lastPast = a
	}
	return lastPast
}
