package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/citamed/citamed-platform/internal/directory"
	"github.com/citamed/citamed-platform/internal/scheduling"
	"github.com/citamed/citamed-platform/pkg/logging"
)

var calendarTracer = otel.Tracer("citamed.internal.calendar")

// People resolves the names and places that label a calendar event.
type People interface {
	GetPerson(ctx context.Context, id uuid.UUID) (*directory.Person, error)
	GetOffice(ctx context.Context, id uuid.UUID) (*directory.Office, error)
}

// Mirror reflects appointment changes onto doctors' external calendars.
// Mirroring is best effort: a doctor without a linked calendar is skipped,
// and failures never bubble back into the booking flow.
type Mirror struct {
	store  *Store
	tokens *TokenManager
	client *Client
	people People
	logger *logging.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewMirror(store *Store, tokens *TokenManager, client *Client, people People, logger *logging.Logger) *Mirror {
	if store == nil {
		panic("calendar: store is required")
	}
	if tokens == nil {
		panic("calendar: token manager is required")
	}
	if client == nil {
		panic("calendar: client is required")
	}
	if people == nil {
		panic("calendar: people source is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Mirror{
		store:  store,
		tokens: tokens,
		client: client,
		people: people,
		logger: logger.Component("calendar_mirror"),
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

// lockFor serializes mirror operations per appointment, so a create racing a
// move cannot produce two events.
func (m *Mirror) lockFor(id uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Mirror) AppointmentCreated(ctx context.Context, a *scheduling.Appointment) error {
	ctx, span := calendarTracer.Start(ctx, "mirror.created")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", a.ID.String()))

	l := m.lockFor(a.ID)
	l.Lock()
	defer l.Unlock()

	return m.createLocked(ctx, a)
}

// createLocked assumes the per-appointment lock is held.
func (m *Mirror) createLocked(ctx context.Context, a *scheduling.Appointment) error {
	if _, err := m.store.GetMapping(ctx, a.ID); err == nil {
		return nil // already mirrored
	} else if !errors.Is(err, ErrNoMapping) {
		return err
	}

	token, err := m.tokens.AccessToken(ctx, a.DoctorID)
	if errors.Is(err, ErrNoToken) {
		return nil
	}
	if err != nil {
		return err
	}

	ev, err := m.buildEvent(ctx, a)
	if err != nil {
		return err
	}
	eventID, err := m.client.CreateEvent(ctx, token, ev)
	if err != nil {
		return fmt.Errorf("calendar: create event: %w", err)
	}
	if err := m.store.SaveMapping(ctx, &Mapping{
		AppointmentID:   a.ID,
		ExternalEventID: eventID,
		DoctorID:        a.DoctorID,
	}); err != nil {
		// The event exists but we lost the handle; log loudly so it can
		// be reconciled by hand.
		m.logger.Error("calendar event created but mapping not saved",
			"appointment_id", a.ID, "event_id", eventID, "error", err)
		return err
	}
	return nil
}

func (m *Mirror) AppointmentMoved(ctx context.Context, a *scheduling.Appointment) error {
	ctx, span := calendarTracer.Start(ctx, "mirror.moved")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", a.ID.String()))

	l := m.lockFor(a.ID)
	l.Lock()
	defer l.Unlock()

	mapping, err := m.store.GetMapping(ctx, a.ID)
	if errors.Is(err, ErrNoMapping) {
		// Never mirrored (for example, the doctor linked their calendar
		// after booking). Create instead.
		return m.createLocked(ctx, a)
	}
	if err != nil {
		return err
	}

	token, err := m.tokens.AccessToken(ctx, a.DoctorID)
	if errors.Is(err, ErrNoToken) {
		return nil
	}
	if err != nil {
		return err
	}

	ev, err := m.buildEvent(ctx, a)
	if err != nil {
		return err
	}
	if err := m.client.UpdateEvent(ctx, token, mapping.ExternalEventID, ev); err != nil {
		return fmt.Errorf("calendar: update event: %w", err)
	}
	return nil
}

func (m *Mirror) AppointmentCancelled(ctx context.Context, id uuid.UUID) error {
	ctx, span := calendarTracer.Start(ctx, "mirror.cancelled")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id.String()))

	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	mapping, err := m.store.GetMapping(ctx, id)
	if errors.Is(err, ErrNoMapping) {
		return nil
	}
	if err != nil {
		return err
	}

	token, err := m.tokens.AccessToken(ctx, mapping.DoctorID)
	if errors.Is(err, ErrNoToken) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.client.DeleteEvent(ctx, token, mapping.ExternalEventID); err != nil {
		return fmt.Errorf("calendar: delete event: %w", err)
	}
	return m.store.DeleteMapping(ctx, id)
}

func (m *Mirror) buildEvent(ctx context.Context, a *scheduling.Appointment) (*Event, error) {
	patient, err := m.people.GetPerson(ctx, a.PatientID)
	if err != nil {
		return nil, fmt.Errorf("calendar: load patient: %w", err)
	}
	office, err := m.people.GetOffice(ctx, a.OfficeID)
	if err != nil {
		return nil, fmt.Errorf("calendar: load office: %w", err)
	}

	ev := &Event{
		Summary:     "Cita: " + patient.Name,
		Description: fmt.Sprintf("Tipo: %s\nTeléfono: %s", a.ConsultationType, patient.Phone),
		Start:       a.StartsAt,
		End:         a.EndsAt,
	}
	switch {
	case office.IsVirtual && office.MeetingURL != nil:
		ev.Location = *office.MeetingURL
	case office.Address != nil:
		ev.Location = *office.Address
	default:
		ev.Location = office.Name
	}
	return ev, nil
}
