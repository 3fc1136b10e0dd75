package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citamed/citamed-platform/internal/clock"
	"github.com/citamed/citamed-platform/internal/directory"
)

type fakeDirectory struct {
	office       *directory.Office
	slotDuration time.Duration
	templates    []directory.ScheduleTemplate
	visited      bool
}

func (f *fakeDirectory) GetOffice(_ context.Context, id uuid.UUID) (*directory.Office, error) {
	if f.office != nil && f.office.ID == id {
		return f.office, nil
	}
	return nil, directory.ErrNotFound
}

func (f *fakeDirectory) SlotDurationFor(_ context.Context, _ uuid.UUID, fallback time.Duration) (time.Duration, error) {
	if f.slotDuration > 0 {
		return f.slotDuration, nil
	}
	return fallback, nil
}

func (f *fakeDirectory) TemplatesForWeekday(_ context.Context, _ uuid.UUID, _ *uuid.UUID, _ time.Weekday) ([]directory.ScheduleTemplate, error) {
	return f.templates, nil
}

func (f *fakeDirectory) HasCompletedVisits(_ context.Context, _, _ uuid.UUID) (bool, error) {
	return f.visited, nil
}

type recordingMirror struct {
	mu        sync.Mutex
	created   []uuid.UUID
	moved     []uuid.UUID
	cancelled []uuid.UUID
}

func (m *recordingMirror) AppointmentCreated(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, a.ID)
	return nil
}

func (m *recordingMirror) AppointmentMoved(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moved = append(m.moved, a.ID)
	return nil
}

func (m *recordingMirror) AppointmentCancelled(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, id)
	return nil
}

func newServiceForTest(t *testing.T) (*Service, pgxmock.PgxPoolIface, *fakeDirectory, *recordingMirror, *clock.Fixed) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	doctorID := uuid.New()
	dir := &fakeDirectory{
		office:       &directory.Office{ID: uuid.New(), DoctorID: doctorID, Name: "Centro", CountryCode: "52"},
		slotDuration: 30 * time.Minute,
	}
	mirror := &recordingMirror{}
	clk := clock.NewFixed(time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))
	svc := NewService(NewStore(mock), dir, clk, mirror, 30*time.Minute, nil)
	return svc, mock, dir, mirror, clk
}

func TestCreateRejectsPastStart(t *testing.T) {
	svc, _, dir, _, clk := newServiceForTest(t)

	_, err := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(),
		DoctorID:  dir.office.DoctorID,
		OfficeID:  dir.office.ID,
		StartsAt:  clk.Now().Add(-time.Hour),
		ActorID:   uuid.New(),
	})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestCreateConfirmedRequiresOwningDoctor(t *testing.T) {
	svc, _, dir, _, clk := newServiceForTest(t)

	_, err := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(),
		DoctorID:  dir.office.DoctorID,
		OfficeID:  dir.office.ID,
		StartsAt:  clk.Now().Add(2 * time.Hour),
		ActorID:   uuid.New(), // not the doctor
		Confirmed: true,
	})
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestCreateDerivesFollowUpAndFansOut(t *testing.T) {
	svc, mock, dir, mirror, clk := newServiceForTest(t)
	dir.visited = true
	starts := clk.Now().Add(2 * time.Hour)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO appointments").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), dir.office.DoctorID, dir.office.ID,
			pgxmock.AnyArg(), pgxmock.AnyArg(), "follow_up", "pending", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	a, err := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(),
		DoctorID:  dir.office.DoctorID,
		OfficeID:  dir.office.ID,
		StartsAt:  starts,
		ActorID:   uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, ConsultationFollowUp, a.ConsultationType)
	assert.Equal(t, a.StartsAt.Add(30*time.Minute), a.EndsAt)
	assert.Equal(t, []uuid.UUID{a.ID}, mirror.created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSurfacesSlotTaken(t *testing.T) {
	svc, mock, dir, mirror, clk := newServiceForTest(t)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(),
		DoctorID:  dir.office.DoctorID,
		OfficeID:  dir.office.ID,
		StartsAt:  clk.Now().Add(2 * time.Hour),
		ActorID:   uuid.New(),
	})
	assert.ErrorIs(t, err, ErrSlotTaken)
	assert.Empty(t, mirror.created, "mirror must not run when the insert fails")
}

func TestUpdateLostMoveLeavesStatusUntouched(t *testing.T) {
	svc, mock, dir, mirror, clk := newServiceForTest(t)
	id := uuid.New()
	starts := clk.Now().Add(3 * time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM appointments").
		WithArgs(id).
		WillReturnRows(appointmentRow(id, StatusPending, clk.Now().Add(2*time.Hour)))
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectQuery("SELECT doctor_id FROM appointments").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"doctor_id"}).AddRow(dir.office.DoctorID))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	status := StatusConfirmed
	_, err := svc.Update(context.Background(), id, Patch{StartsAt: &starts, Status: &status})
	assert.ErrorIs(t, err, ErrSlotTaken)
	assert.Empty(t, mirror.moved, "mirror must not run on a lost move")
	// No status UPDATE was issued before the failing move.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelIdempotent(t *testing.T) {
	svc, mock, _, mirror, _ := newServiceForTest(t)
	id := uuid.New()
	actor := uuid.New()

	mock.ExpectExec("UPDATE appointments").
		WithArgs(id, actor, "ya no puedo", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM appointments").
		WithArgs(id).
		WillReturnRows(appointmentRow(id, StatusCancelled, time.Now()))

	require.NoError(t, svc.Cancel(context.Background(), id, actor, "ya no puedo"))
	assert.Empty(t, mirror.cancelled, "no fan-out on idempotent cancel")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelFromCompletedIsIllegal(t *testing.T) {
	svc, mock, _, _, _ := newServiceForTest(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE appointments").
		WithArgs(id, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM appointments").
		WithArgs(id).
		WillReturnRows(appointmentRow(id, StatusCompleted, time.Now()))

	err := svc.Cancel(context.Background(), id, uuid.New(), "tarde")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestConfirmIdempotent(t *testing.T) {
	svc, mock, _, _, _ := newServiceForTest(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE appointments SET status").
		WithArgs(id, "confirmed", []string{"pending"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM appointments").
		WithArgs(id).
		WillReturnRows(appointmentRow(id, StatusConfirmed, time.Now()))

	require.NoError(t, svc.Confirm(context.Background(), id))
}

func TestValidateSlotPastIsNotFree(t *testing.T) {
	svc, _, dir, _, clk := newServiceForTest(t)

	ok, err := svc.ValidateSlot(context.Background(), dir.office.DoctorID, clk.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}
