package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/citamed/citamed-platform/internal/clock"
	"github.com/citamed/citamed-platform/internal/directory"
	"github.com/citamed/citamed-platform/pkg/logging"
)

var schedulingTracer = otel.Tracer("citamed.internal.scheduling")

// CalendarMirror receives appointment mutations after commit. Implementations
// must not be called while a store transaction is open.
type CalendarMirror interface {
	AppointmentCreated(ctx context.Context, a *Appointment) error
	AppointmentMoved(ctx context.Context, a *Appointment) error
	AppointmentCancelled(ctx context.Context, appointmentID uuid.UUID) error
}

// Directory is the slice of the directory store the service needs.
type Directory interface {
	GetOffice(ctx context.Context, id uuid.UUID) (*directory.Office, error)
	SlotDurationFor(ctx context.Context, doctorID uuid.UUID, fallback time.Duration) (time.Duration, error)
	TemplatesForWeekday(ctx context.Context, doctorID uuid.UUID, officeID *uuid.UUID, weekday time.Weekday) ([]directory.ScheduleTemplate, error)
	HasCompletedVisits(ctx context.Context, patientID, doctorID uuid.UUID) (bool, error)
}

// Service owns appointment mutations: it validates, books through the store,
// and fans out to the calendar mirror post-commit.
type Service struct {
	store     *Store
	directory Directory
	clock     clock.Clock
	mirror    CalendarMirror
	defaultD  time.Duration
	logger    *logging.Logger
}

// NewService constructs a scheduling service. mirror may be nil when calendar
// sync is disabled.
func NewService(store *Store, dir Directory, clk clock.Clock, mirror CalendarMirror, defaultSlotDuration time.Duration, logger *logging.Logger) *Service {
	if store == nil {
		panic("scheduling: store required")
	}
	if dir == nil {
		panic("scheduling: directory required")
	}
	if clk == nil {
		panic("scheduling: clock required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if defaultSlotDuration <= 0 {
		defaultSlotDuration = 30 * time.Minute
	}
	return &Service{
		store:     store,
		directory: dir,
		clock:     clk,
		mirror:    mirror,
		defaultD:  defaultSlotDuration,
		logger:    logger,
	}
}

// CreateRequest carries everything needed to book a slot.
type CreateRequest struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	OfficeID  uuid.UUID
	StartsAt  time.Time
	// ActorID is who is booking. Doctor-initiated creates may start confirmed.
	ActorID   uuid.UUID
	Confirmed bool
}

// Create books an appointment. The consultation type is derived from the
// patient's completed-visit history and the end from the doctor's slot
// duration. Returns ErrSlotTaken when the non-overlap check loses the race.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Appointment, error) {
	ctx, span := schedulingTracer.Start(ctx, "scheduling.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("citamed.doctor_id", req.DoctorID.String()),
		attribute.String("citamed.patient_id", req.PatientID.String()),
	)

	now := s.clock.Now()
	if req.StartsAt.Before(now) {
		return nil, &ValidationError{Field: "starts_at", Reason: "must not be in the past"}
	}

	office, err := s.directory.GetOffice(ctx, req.OfficeID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if office.DoctorID != req.DoctorID {
		return nil, &ValidationError{Field: "office_id", Reason: "office does not belong to doctor"}
	}

	d, err := s.directory.SlotDurationFor(ctx, req.DoctorID, s.defaultD)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	status := StatusPending
	if req.Confirmed {
		if req.ActorID != req.DoctorID {
			return nil, ErrNotAuthorized
		}
		status = StatusConfirmed
	}

	consultationType := ConsultationFirstVisit
	visited, err := s.directory.HasCompletedVisits(ctx, req.PatientID, req.DoctorID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if visited {
		consultationType = ConsultationFollowUp
	}

	a := &Appointment{
		ID:               uuid.New(),
		PatientID:        req.PatientID,
		DoctorID:         req.DoctorID,
		OfficeID:         req.OfficeID,
		StartsAt:         req.StartsAt.In(s.clock.Location()),
		EndsAt:           req.StartsAt.Add(d).In(s.clock.Location()),
		ConsultationType: consultationType,
		Status:           status,
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
	}

	if err := s.store.Insert(ctx, a); err != nil {
		if !errors.Is(err, ErrSlotTaken) {
			span.RecordError(err)
		}
		return nil, err
	}
	s.logger.Info("appointment created",
		"appointment_id", a.ID, "doctor_id", a.DoctorID, "patient_id", a.PatientID,
		"starts_at", a.StartsAt, "status", string(a.Status))

	s.fanOut(ctx, func(ctx context.Context) error { return s.mirror.AppointmentCreated(ctx, a) }, a.ID, "create")
	return a, nil
}

// Update applies a patch: moving the start re-runs the non-overlap check,
// status changes follow the legal transition graph. The move runs before the
// status change, so losing the slot race leaves the appointment untouched.
func (s *Service) Update(ctx context.Context, id uuid.UUID, patch Patch) (*Appointment, error) {
	ctx, span := schedulingTracer.Start(ctx, "scheduling.update")
	defer span.End()
	span.SetAttributes(attribute.String("citamed.appointment_id", id.String()))

	current, err := s.store.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if patch.Status != nil && *patch.Status != current.Status && !CanTransition(current.Status, *patch.Status) {
		return nil, ErrIllegalTransition
	}

	if patch.StartsAt != nil {
		if patch.StartsAt.Before(s.clock.Now()) {
			return nil, &ValidationError{Field: "starts_at", Reason: "must not be in the past"}
		}
		d, err := s.directory.SlotDurationFor(ctx, current.DoctorID, s.defaultD)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if patch.OfficeID != nil {
			office, err := s.directory.GetOffice(ctx, *patch.OfficeID)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			if office.DoctorID != current.DoctorID {
				return nil, &ValidationError{Field: "office_id", Reason: "office does not belong to doctor"}
			}
		}
		if err := s.store.Move(ctx, id, *patch.StartsAt, patch.StartsAt.Add(d), patch.OfficeID); err != nil {
			if !errors.Is(err, ErrSlotTaken) {
				span.RecordError(err)
			}
			return nil, err
		}
	} else if patch.OfficeID != nil {
		office, err := s.directory.GetOffice(ctx, *patch.OfficeID)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if office.DoctorID != current.DoctorID {
			return nil, &ValidationError{Field: "office_id", Reason: "office does not belong to doctor"}
		}
		if err := s.store.Move(ctx, id, current.StartsAt, current.EndsAt, patch.OfficeID); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	if patch.Status != nil && *patch.Status != current.Status {
		changed, observed, err := s.store.Transition(ctx, id, []Status{current.Status}, *patch.Status)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if !changed && observed != *patch.Status {
			return nil, ErrIllegalTransition
		}
	}

	updated, err := s.store.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.logger.Info("appointment updated", "appointment_id", id, "status", string(updated.Status))

	s.fanOut(ctx, func(ctx context.Context) error { return s.mirror.AppointmentMoved(ctx, updated) }, id, "update")
	return updated, nil
}

// Cancel sets status = cancelled and records actor and reason. Idempotent:
// cancelling a cancelled appointment succeeds without change.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor uuid.UUID, reason string) error {
	ctx, span := schedulingTracer.Start(ctx, "scheduling.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("citamed.appointment_id", id.String()))

	changed, observed, err := s.store.MarkCancelled(ctx, id, actor, reason, s.clock.Now().UTC())
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !changed {
		if observed == StatusCancelled {
			return nil // already cancelled
		}
		return ErrIllegalTransition
	}
	s.logger.Info("appointment cancelled", "appointment_id", id, "actor", actor, "reason", reason)

	s.fanOut(ctx, func(ctx context.Context) error { return s.mirror.AppointmentCancelled(ctx, id) }, id, "cancel")
	return nil
}

// Confirm moves pending → confirmed. Idempotent on already-confirmed.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) error {
	ctx, span := schedulingTracer.Start(ctx, "scheduling.confirm")
	defer span.End()
	span.SetAttributes(attribute.String("citamed.appointment_id", id.String()))

	changed, observed, err := s.store.Transition(ctx, id, []Status{StatusPending}, StatusConfirmed)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !changed && observed != StatusConfirmed {
		return ErrIllegalTransition
	}
	if changed {
		s.logger.Info("appointment confirmed", "appointment_id", id)
	}
	return nil
}

// Complete moves confirmed → completed, used when an encounter is recorded.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) error {
	ctx, span := schedulingTracer.Start(ctx, "scheduling.complete")
	defer span.End()
	span.SetAttributes(attribute.String("citamed.appointment_id", id.String()))

	changed, observed, err := s.store.Transition(ctx, id, []Status{StatusConfirmed}, StatusCompleted)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !changed && observed != StatusCompleted {
		return ErrIllegalTransition
	}
	return nil
}

// Get loads one appointment.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.store.Get(ctx, id)
}

// ListForDoctor returns the doctor's non-cancelled appointments overlapping
// [from, to).
func (s *Service) ListForDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	return s.store.ListForDoctorRange(ctx, doctorID, from, to)
}

// AvailableSlots computes the free slot starts for a doctor-day.
func (s *Service) AvailableSlots(ctx context.Context, doctorID uuid.UUID, officeID *uuid.UUID, date time.Time) ([]time.Time, NoSlotsReason, error) {
	d, err := s.directory.SlotDurationFor(ctx, doctorID, s.defaultD)
	if err != nil {
		return nil, "", err
	}
	localDate := date.In(s.clock.Location())
	dayStart := time.Date(localDate.Year(), localDate.Month(), localDate.Day(), 0, 0, 0, 0, s.clock.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	templates, err := s.directory.TemplatesForWeekday(ctx, doctorID, officeID, dayStart.Weekday())
	if err != nil {
		return nil, "", err
	}
	appointments, err := s.store.ListForDoctorRange(ctx, doctorID, dayStart, dayEnd)
	if err != nil {
		return nil, "", err
	}

	slots, reason := FreeSlots(AvailabilityInput{
		Now:          s.clock.Now(),
		Date:         dayStart,
		SlotDuration: d,
		Templates:    templates,
		Appointments: appointments,
	})
	return slots, reason, nil
}

// ValidateSlot re-checks that a specific slot is still free. The agent calls
// this immediately before create so a lost race is reported, not retried.
func (s *Service) ValidateSlot(ctx context.Context, doctorID uuid.UUID, startsAt time.Time) (bool, error) {
	if startsAt.Before(s.clock.Now()) {
		return false, nil
	}
	d, err := s.directory.SlotDurationFor(ctx, doctorID, s.defaultD)
	if err != nil {
		return false, err
	}
	appointments, err := s.store.ListForDoctorRange(ctx, doctorID, startsAt, startsAt.Add(d))
	if err != nil {
		return false, err
	}
	return SlotFree(startsAt, d, appointments), nil
}

// fanOut runs a post-commit mirror call. Mirror failures are logged, never
// propagated: calendar sync must not block appointment mutations.
func (s *Service) fanOut(ctx context.Context, fn func(context.Context) error, id uuid.UUID, action string) {
	if s.mirror == nil {
		return
	}
	mirrorCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := fn(mirrorCtx); err != nil {
		s.logger.Warn("calendar mirror fan-out failed", "appointment_id", id, "action", action, "error", err)
	}
}
