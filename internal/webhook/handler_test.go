package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citamed/citamed-platform/internal/clock"
	"github.com/citamed/citamed-platform/internal/directory"
	"github.com/citamed/citamed-platform/internal/scheduling"
	"github.com/citamed/citamed-platform/internal/whatsapp"
)

type fakeDedup struct {
	seen map[string]bool
}

func (f *fakeDedup) Mark(_ context.Context, id string) (bool, error) {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[id] {
		return false, nil
	}
	f.seen[id] = true
	return true, nil
}

type fakeScheduler struct {
	appointment *scheduling.Appointment
	confirmed   []uuid.UUID
	cancelled    []uuid.UUID
	cancelActor  uuid.UUID
	cancelReason string
	confirmErr   error
}

func (f *fakeScheduler) Get(_ context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	if f.appointment != nil && f.appointment.ID == id {
		return f.appointment, nil
	}
	return nil, scheduling.ErrNotFound
}

func (f *fakeScheduler) Confirm(_ context.Context, id uuid.UUID) error {
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmed = append(f.confirmed, id)
	return nil
}

func (f *fakeScheduler) Cancel(_ context.Context, id, actorID uuid.UUID, reason string) error {
	f.cancelled = append(f.cancelled, id)
	f.cancelActor = actorID
	f.cancelReason = reason
	return nil
}

type fakePatients struct {
	patient *directory.Person
}

func (f *fakePatients) FindPatientByPhone(_ context.Context, _ string) (*directory.Person, error) {
	if f.patient == nil {
		return nil, directory.ErrNotFound
	}
	return f.patient, nil
}

type fakeConsents struct {
	accepted []uuid.UUID
}

func (f *fakeConsents) Accept(_ context.Context, id uuid.UUID, _ time.Time) error {
	f.accepted = append(f.accepted, id)
	return nil
}

type fakeResolver struct {
	id    uuid.UUID
	found bool
}

func (f *fakeResolver) Resolve(_ context.Context, _ uuid.UUID, _ []string, _ time.Time) (uuid.UUID, bool, error) {
	return f.id, f.found, nil
}

type fakeAgent struct {
	handled []string
}

func (f *fakeAgent) HandleMessage(_ context.Context, _, text string) error {
	f.handled = append(f.handled, text)
	return nil
}

type fakeDeliveries struct {
	statuses map[string]string
}

func (f *fakeDeliveries) RecordDeliveryStatus(_ context.Context, id, status string, _ time.Time) error {
	if f.statuses == nil {
		f.statuses = make(map[string]string)
	}
	f.statuses[id] = status
	return nil
}

type fakeMessenger struct {
	sent []*whatsapp.Message
}

func (f *fakeMessenger) Send(_ context.Context, msg *whatsapp.Message) (string, error) {
	copied := *msg
	f.sent = append(f.sent, &copied)
	return "wamid.reply", nil
}

type handlerFixture struct {
	handler    *Handler
	scheduler  *fakeScheduler
	patients   *fakePatients
	consents   *fakeConsents
	resolver   *fakeResolver
	agent      *fakeAgent
	deliveries *fakeDeliveries
	messenger  *fakeMessenger
	secret     string
}

func newHandlerForTest(t *testing.T, secret string) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		scheduler:  &fakeScheduler{},
		patients:   &fakePatients{},
		consents:   &fakeConsents{},
		resolver:   &fakeResolver{},
		agent:      &fakeAgent{},
		deliveries: &fakeDeliveries{},
		messenger:  &fakeMessenger{},
		secret:     secret,
	}
	f.handler = NewHandler(
		HandlerConfig{
			VerifyToken:      "verify-token",
			AppSecret:        secret,
			RequireSignature: secret != "",
			CountryCode:      "52",
			BotEnabled:       true,
		},
		HandlerDeps{
			Dedup:      &fakeDedup{},
			Sessions:   whatsapp.NewMemorySessions(),
			Deliveries: f.deliveries,
			Patients:   f.patients,
			Scheduler:  f.scheduler,
			Consents:   f.consents,
			Resolver:   f.resolver,
			Agent:      f.agent,
			Messenger:  f.messenger,
			Clock:      clock.NewFixed(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)),
		},
		nil,
	)
	return f
}

func (f *handlerFixture) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewReader([]byte(body)))
	if f.secret != "" {
		mac := hmac.New(sha256.New, []byte(f.secret))
		mac.Write([]byte(body))
		req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	rec := httptest.NewRecorder()
	f.handler.HandleEvent(rec, req)
	return rec
}

func messagePayload(msgJSON string) string {
	return fmt.Sprintf(`{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{"messaging_product":"whatsapp","messages":[%s]}}]}]}`, msgJSON)
}

func TestVerifyHandshake(t *testing.T) {
	f := newHandlerForTest(t, "")

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=verify-token&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	f.handler.HandleVerify(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec = httptest.NewRecorder()
	f.handler.HandleVerify(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEventRejectsBadSignature(t *testing.T) {
	f := newHandlerForTest(t, "app-secret")

	body := messagePayload(`{"id":"wamid.1","from":"525512345678","type":"text","text":{"body":"hola"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewReader([]byte(body)))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	f.handler.HandleEvent(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.agent.handled)
}

func TestEventAcceptsValidSignature(t *testing.T) {
	f := newHandlerForTest(t, "app-secret")

	body := messagePayload(`{"id":"wamid.1","from":"525512345678","type":"text","text":{"body":"hola doctora"}}`)
	rec := f.post(t, body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"hola doctora"}, f.agent.handled)
}

func TestConfirmButtonActsBeforeResponding(t *testing.T) {
	f := newHandlerForTest(t, "")
	patient := &directory.Person{ID: uuid.New(), Phone: "+525512345678"}
	appt := &scheduling.Appointment{ID: uuid.New(), PatientID: patient.ID}
	f.patients.patient = patient
	f.scheduler.appointment = appt

	body := messagePayload(fmt.Sprintf(
		`{"id":"wamid.2","from":"525512345678","type":"interactive","interactive":{"type":"button_reply","button_reply":{"id":"confirm_appointment_%s","title":"Confirmar"}}}`,
		appt.ID))
	rec := f.post(t, body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{appt.ID}, f.scheduler.confirmed)
	require.Len(t, f.messenger.sent, 1)
	assert.Contains(t, f.messenger.sent[0].Body, "confirmada")
}

func TestCancelButtonFromWrongPhoneIsIgnored(t *testing.T) {
	f := newHandlerForTest(t, "")
	f.patients.patient = &directory.Person{ID: uuid.New(), Phone: "+525512345678"}
	appt := &scheduling.Appointment{ID: uuid.New(), PatientID: uuid.New()} // other patient
	f.scheduler.appointment = appt

	body := messagePayload(fmt.Sprintf(
		`{"id":"wamid.3","from":"525512345678","type":"interactive","interactive":{"type":"button_reply","button_reply":{"id":"cancel_appointment_%s","title":"Cancelar"}}}`,
		appt.ID))
	f.post(t, body)
	assert.Empty(t, f.scheduler.cancelled)
}

func TestRedeliveredMessageProcessedOnce(t *testing.T) {
	f := newHandlerForTest(t, "")
	patient := &directory.Person{ID: uuid.New(), Phone: "+525512345678"}
	appt := &scheduling.Appointment{ID: uuid.New(), PatientID: patient.ID}
	f.patients.patient = patient
	f.scheduler.appointment = appt

	body := messagePayload(fmt.Sprintf(
		`{"id":"wamid.4","from":"525512345678","type":"interactive","interactive":{"type":"button_reply","button_reply":{"id":"confirm_appointment_%s","title":"Confirmar"}}}`,
		appt.ID))
	f.post(t, body)
	f.post(t, body)
	assert.Len(t, f.scheduler.confirmed, 1, "redelivery must not act twice")
}

func TestTextCancelIntentResolvesAppointment(t *testing.T) {
	f := newHandlerForTest(t, "")
	patient := &directory.Person{ID: uuid.New(), Phone: "+525512345678"}
	f.patients.patient = patient
	f.resolver.id = uuid.New()
	f.resolver.found = true

	body := messagePayload(`{"id":"wamid.5","from":"525512345678","type":"text","text":{"body":"no puedo ir mañana"}}`)
	f.post(t, body)
	assert.Equal(t, []uuid.UUID{f.resolver.id}, f.scheduler.cancelled)
	assert.Equal(t, patient.ID, f.scheduler.cancelActor)
	assert.Equal(t, "no puedo ir mañana", f.scheduler.cancelReason, "verbatim text kept as reason")
	assert.Empty(t, f.agent.handled)
}

func TestTextConfirmWithNoResolvableAppointment(t *testing.T) {
	f := newHandlerForTest(t, "")
	f.patients.patient = &directory.Person{ID: uuid.New(), Phone: "+525512345678"}

	body := messagePayload(`{"id":"wamid.6","from":"525512345678","type":"text","text":{"body":"confirmo"}}`)
	f.post(t, body)
	assert.Empty(t, f.scheduler.confirmed)
	require.Len(t, f.messenger.sent, 1)
	assert.Contains(t, f.messenger.sent[0].Body, "No encontré")
}

func TestConsentAcceptButton(t *testing.T) {
	f := newHandlerForTest(t, "")
	consentID := uuid.New()

	body := messagePayload(fmt.Sprintf(
		`{"id":"wamid.7","from":"525512345678","type":"interactive","interactive":{"type":"button_reply","button_reply":{"id":"accept_privacy_%s","title":"Acepto"}}}`,
		consentID))
	f.post(t, body)
	assert.Equal(t, []uuid.UUID{consentID}, f.consents.accepted)
}

func TestDeliveryStatusRecorded(t *testing.T) {
	f := newHandlerForTest(t, "")

	body := `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{"messaging_product":"whatsapp","statuses":[{"id":"wamid.out","status":"delivered","timestamp":"1741600000"}]}}]}]}`
	rec := f.post(t, body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "delivered", f.deliveries.statuses["wamid.out"])
}

func TestListReplyForwardedToAgent(t *testing.T) {
	f := newHandlerForTest(t, "")

	body := messagePayload(`{"id":"wamid.8","from":"525512345678","type":"interactive","interactive":{"type":"list_reply","list_reply":{"id":"slot_2025-03-11T16:00","title":"16:00"}}}`)
	f.post(t, body)
	assert.Equal(t, []string{"slot_2025-03-11T16:00"}, f.agent.handled)
}
