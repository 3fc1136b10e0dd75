package replies

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citamed/citamed-platform/internal/scheduling"
)

type fakeReminderLog struct {
	appointmentID uuid.UUID
	found         bool
}

func (f *fakeReminderLog) LastSentForPhone(_ context.Context, _ []string, _ time.Time) (uuid.UUID, bool, error) {
	return f.appointmentID, f.found, nil
}

type fakeAppointments struct {
	byID  map[uuid.UUID]*scheduling.Appointment
	inWin []*scheduling.Appointment
}

func (f *fakeAppointments) Get(_ context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	if a, ok := f.byID[id]; ok {
		return a, nil
	}
	return nil, scheduling.ErrNotFound
}

func (f *fakeAppointments) ListForPatientRange(_ context.Context, _ uuid.UUID, _, _ time.Time) ([]scheduling.Appointment, error) {
	out := make([]scheduling.Appointment, 0, len(f.inWin))
	for _, a := range f.inWin {
		out = append(out, *a)
	}
	return out, nil
}

func appt(status scheduling.Status, startsAt time.Time) *scheduling.Appointment {
	return &scheduling.Appointment{ID: uuid.New(), Status: status, StartsAt: startsAt}
}

func TestResolvePrefersRecentReminder(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	reminded := appt(scheduling.StatusPending, now.Add(2*time.Hour))
	other := appt(scheduling.StatusConfirmed, now.Add(24*time.Hour))

	r := NewResolver(
		&fakeReminderLog{appointmentID: reminded.ID, found: true},
		&fakeAppointments{
			byID:  map[uuid.UUID]*scheduling.Appointment{reminded.ID: reminded},
			inWin: []*scheduling.Appointment{reminded, other},
		},
	)

	id, ok, err := r.Resolve(context.Background(), uuid.New(), []string{"525512345678"}, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, reminded.ID, id)
}

func TestResolveSkipsCancelledRemindedAppointment(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	reminded := appt(scheduling.StatusCancelled, now.Add(2*time.Hour))
	next := appt(scheduling.StatusConfirmed, now.Add(24*time.Hour))

	r := NewResolver(
		&fakeReminderLog{appointmentID: reminded.ID, found: true},
		&fakeAppointments{
			byID:  map[uuid.UUID]*scheduling.Appointment{reminded.ID: reminded},
			inWin: []*scheduling.Appointment{reminded, next},
		},
	)

	id, ok, err := r.Resolve(context.Background(), uuid.New(), nil, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, next.ID, id, "falls through to the next confirmed appointment")
}

func TestResolveNextConfirmedBeatsEarlierPending(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	pending := appt(scheduling.StatusPending, now.Add(3*time.Hour))
	confirmed := appt(scheduling.StatusConfirmed, now.Add(48*time.Hour))

	r := NewResolver(
		&fakeReminderLog{},
		&fakeAppointments{inWin: []*scheduling.Appointment{pending, confirmed}},
	)

	id, ok, err := r.Resolve(context.Background(), uuid.New(), nil, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, confirmed.ID, id)
}

func TestResolveFallsBackToPendingWhenNothingConfirmed(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	pending := appt(scheduling.StatusPending, now.Add(3*time.Hour))

	r := NewResolver(
		&fakeReminderLog{},
		&fakeAppointments{inWin: []*scheduling.Appointment{pending}},
	)

	id, ok, err := r.Resolve(context.Background(), uuid.New(), nil, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pending.ID, id)
}

func TestResolveNothingInWindow(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	cancelled := appt(scheduling.StatusCancelled, now.Add(3*time.Hour))

	r := NewResolver(
		&fakeReminderLog{},
		&fakeAppointments{inWin: []*scheduling.Appointment{cancelled}},
	)

	_, ok, err := r.Resolve(context.Background(), uuid.New(), nil, now)
	require.NoError(t, err)
	assert.False(t, ok)
}
