package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citamed/citamed-platform/internal/clock"
	"github.com/citamed/citamed-platform/internal/whatsapp"
)

type fakeMessenger struct {
	sent      []*whatsapp.Message
	errByKind map[whatsapp.Kind]error
}

func (f *fakeMessenger) Send(_ context.Context, msg *whatsapp.Message) (string, error) {
	copied := *msg
	f.sent = append(f.sent, &copied)
	if err, ok := f.errByKind[msg.Kind]; ok {
		return "", err
	}
	return "wamid.reminder", nil
}

var dueColumns = []string{
	"id", "appointment_id", "reminder_number", "offset_minutes",
	"enabled", "sent", "sent_at", "provider_message_id", "created_at",
	"status", "starts_at",
	"phone", "patient_name", "doctor_name", "office_name", "is_virtual",
}

func dueRow(id, appointmentID uuid.UUID, status string, startsAt time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(dueColumns).AddRow(
		id, appointmentID, 1, 120,
		true, false, (*time.Time)(nil), (*string)(nil), time.Now().UTC(),
		status, startsAt,
		"+525512345678", "Ana López", "Dra. Rivera", "Consultorio Centro", false,
	)
}

func newEngineForTest(t *testing.T, m *fakeMessenger) (*Engine, pgxmock.PgxPoolIface, *clock.Fixed) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	clk := clock.NewFixed(time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))
	eng := NewEngine(NewStore(mock), m, clk, EngineOptions{Interval: time.Minute, Window: 6 * time.Hour}, nil)
	return eng, mock, clk
}

func TestTickSendsPendingReminderWithConfirmAndCancel(t *testing.T) {
	m := &fakeMessenger{}
	eng, mock, clk := newEngineForTest(t, m)
	id, appointmentID := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT r.id").
		WithArgs(clk.Now(), clk.Now().Add(-6*time.Hour)).
		WillReturnRows(dueRow(id, appointmentID, "pending", clk.Now().Add(2*time.Hour)))
	mock.ExpectExec("UPDATE appointment_reminders SET sent = TRUE").
		WithArgs(id, clk.Now()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE appointment_reminders SET provider_message_id").
		WithArgs(id, "wamid.reminder").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, eng.Tick(context.Background()))
	require.Len(t, m.sent, 1)
	msg := m.sent[0]
	assert.Equal(t, whatsapp.KindButtons, msg.Kind)
	require.Len(t, msg.Buttons, 2)
	assert.Equal(t, "confirm_appointment_"+appointmentID.String(), msg.Buttons[0].ID)
	assert.Equal(t, "cancel_appointment_"+appointmentID.String(), msg.Buttons[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTickConfirmedReminderOnlyOffersCancel(t *testing.T) {
	m := &fakeMessenger{}
	eng, mock, clk := newEngineForTest(t, m)
	id, appointmentID := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT r.id").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(dueRow(id, appointmentID, "confirmed", clk.Now().Add(2*time.Hour)))
	mock.ExpectExec("UPDATE appointment_reminders SET sent = TRUE").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE appointment_reminders SET provider_message_id").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, eng.Tick(context.Background()))
	require.Len(t, m.sent, 1)
	require.Len(t, m.sent[0].Buttons, 1)
	assert.Equal(t, "cancel_appointment_"+appointmentID.String(), m.sent[0].Buttons[0].ID)
}

func TestTickSkipsLostClaim(t *testing.T) {
	m := &fakeMessenger{}
	eng, mock, clk := newEngineForTest(t, m)
	id := uuid.New()

	mock.ExpectQuery("SELECT r.id").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(dueRow(id, uuid.New(), "pending", clk.Now().Add(2*time.Hour)))
	mock.ExpectExec("UPDATE appointment_reminders SET sent = TRUE").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, eng.Tick(context.Background()))
	assert.Empty(t, m.sent, "a lost claim must not send")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTickRevertsClaimOnSendFailure(t *testing.T) {
	m := &fakeMessenger{errByKind: map[whatsapp.Kind]error{
		whatsapp.KindButtons: whatsapp.NewSendError(whatsapp.ErrTransientNetwork, "fake", errors.New("timeout")),
	}}
	eng, mock, clk := newEngineForTest(t, m)
	id := uuid.New()

	mock.ExpectQuery("SELECT r.id").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(dueRow(id, uuid.New(), "pending", clk.Now().Add(2*time.Hour)))
	mock.ExpectExec("UPDATE appointment_reminders SET sent = TRUE").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE appointment_reminders SET sent = FALSE").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, eng.Tick(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTickFallsBackToTemplateOutsideSessionWindow(t *testing.T) {
	m := &fakeMessenger{errByKind: map[whatsapp.Kind]error{
		whatsapp.KindButtons: whatsapp.NewSendError(whatsapp.ErrOutsideSessionWindow, "fake", errors.New("no session")),
	}}
	eng, mock, clk := newEngineForTest(t, m)
	id := uuid.New()

	mock.ExpectQuery("SELECT r.id").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(dueRow(id, uuid.New(), "pending", clk.Now().Add(2*time.Hour)))
	mock.ExpectExec("UPDATE appointment_reminders SET sent = TRUE").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE appointment_reminders SET provider_message_id").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, eng.Tick(context.Background()))
	require.Len(t, m.sent, 2)
	assert.Equal(t, whatsapp.KindButtons, m.sent[0].Kind)
	assert.Equal(t, whatsapp.KindTemplate, m.sent[1].Kind)
	assert.Equal(t, "recordatorio_cita_pendiente", m.sent[1].Template.Name)
}
