package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/citamed/citamed-platform/internal/clock"
	"github.com/citamed/citamed-platform/internal/directory"
	"github.com/citamed/citamed-platform/internal/observability/metrics"
	"github.com/citamed/citamed-platform/internal/replies"
	"github.com/citamed/citamed-platform/internal/scheduling"
	"github.com/citamed/citamed-platform/internal/whatsapp"
	"github.com/citamed/citamed-platform/pkg/logging"
)

var webhookTracer = otel.Tracer("citamed.internal.webhook")

const maxBodyBytes = 1 << 20

// Button id prefixes carried in outbound interactive messages.
const (
	prefixAcceptPrivacy = "accept_privacy_"
	prefixConfirm       = "confirm_appointment_"
	prefixCancel        = "cancel_appointment_"
)

const patientCancelReason = "cancelada por el paciente"

// DedupGuard filters provider redeliveries.
type DedupGuard interface {
	Mark(ctx context.Context, providerMessageID string) (bool, error)
}

// Scheduler is the slice of the appointment service the webhook drives.
type Scheduler interface {
	Get(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error)
	Confirm(ctx context.Context, id uuid.UUID) error
	Cancel(ctx context.Context, id uuid.UUID, actorID uuid.UUID, reason string) error
}

// Patients resolves inbound phone numbers to patient records.
type Patients interface {
	FindPatientByPhone(ctx context.Context, phone string) (*directory.Person, error)
}

// Consents records privacy-notice acceptances.
type Consents interface {
	Accept(ctx context.Context, consentID uuid.UUID, at time.Time) error
}

// Resolver maps a bare confirm/cancel text to an appointment.
type Resolver interface {
	Resolve(ctx context.Context, patientID uuid.UUID, phoneVariants []string, now time.Time) (uuid.UUID, bool, error)
}

// Agent handles free-form conversation when no structured intent matches.
type Agent interface {
	HandleMessage(ctx context.Context, from, text string) error
}

// Deliveries records provider delivery receipts for outbound messages.
type Deliveries interface {
	RecordDeliveryStatus(ctx context.Context, providerMessageID, status string, at time.Time) error
}

// Messenger sends acknowledgment replies.
type Messenger interface {
	Send(ctx context.Context, msg *whatsapp.Message) (string, error)
}

// Handler terminates the WhatsApp webhook: subscription verification,
// signature checking, and inbound event routing. Events are acted on before
// the 200 goes back, so a crash mid-processing gets a provider retry.
type Handler struct {
	verifyToken      string
	appSecret        string
	requireSignature bool
	countryCode      string
	botEnabled       bool

	dedup      DedupGuard
	sessions   whatsapp.SessionTracker
	deliveries Deliveries
	patients   Patients
	scheduler  Scheduler
	consents   Consents
	resolver   Resolver
	agent      Agent
	messenger  Messenger
	clk        clock.Clock
	metrics    *metrics.PlatformMetrics
	logger     *logging.Logger
}

type HandlerConfig struct {
	VerifyToken      string
	AppSecret        string
	RequireSignature bool
	CountryCode      string
	BotEnabled       bool
}

type HandlerDeps struct {
	Dedup      DedupGuard
	Sessions   whatsapp.SessionTracker
	Deliveries Deliveries
	Patients   Patients
	Scheduler  Scheduler
	Consents   Consents
	Resolver   Resolver
	Agent      Agent
	Messenger  Messenger
	Clock      clock.Clock
	Metrics    *metrics.PlatformMetrics
}

func NewHandler(cfg HandlerConfig, deps HandlerDeps, logger *logging.Logger) *Handler {
	if deps.Dedup == nil || deps.Sessions == nil || deps.Patients == nil ||
		deps.Scheduler == nil || deps.Consents == nil || deps.Resolver == nil ||
		deps.Messenger == nil || deps.Clock == nil {
		panic("webhook: missing required dependency")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		verifyToken:      cfg.VerifyToken,
		appSecret:        cfg.AppSecret,
		requireSignature: cfg.RequireSignature,
		countryCode:      cfg.CountryCode,
		botEnabled:       cfg.BotEnabled,
		dedup:            deps.Dedup,
		sessions:         deps.Sessions,
		deliveries:       deps.Deliveries,
		patients:         deps.Patients,
		scheduler:        deps.Scheduler,
		consents:         deps.Consents,
		resolver:         deps.Resolver,
		agent:            deps.Agent,
		messenger:        deps.Messenger,
		clk:              deps.Clock,
		metrics:          deps.Metrics,
		logger:           logger.Component("webhook"),
	}
}

// RegisterRoutes mounts the webhook endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/webhook", h.HandleVerify)
	r.Post("/webhook", h.HandleEvent)
}

// HandleVerify answers the provider's subscription handshake.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == h.verifyToken && h.verifyToken != "" {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(q.Get("hub.challenge")))
		return
	}
	h.logger.Warn("webhook verification rejected", "mode", q.Get("hub.mode"))
	http.Error(w, "verification failed", http.StatusForbidden)
}

// HandleEvent processes one webhook delivery.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	ctx, span := webhookTracer.Start(r.Context(), "webhook.event")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
		span.SetAttributes(attribute.Bool("signature.valid", false))
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	env, err := parseEnvelope(body)
	if err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	for _, e := range env.Entry {
		for _, c := range e.Changes {
			for _, s := range c.Value.Statuses {
				h.processStatus(ctx, &s)
			}
			for _, m := range c.Value.Messages {
				h.processMessage(ctx, &m)
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}

// verifySignature checks the X-Hub-Signature-256 HMAC. Without a configured
// secret the check is skipped outside hardened environments.
func (h *Handler) verifySignature(header string, body []byte) bool {
	if h.appSecret == "" {
		if h.requireSignature {
			return false
		}
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(sig)))
}

func (h *Handler) processStatus(ctx context.Context, s *statusUpdate) {
	if h.deliveries == nil || s.ID == "" {
		return
	}
	at := h.clk.Now()
	if secs, err := strconv.ParseInt(s.Timestamp, 10, 64); err == nil {
		at = time.Unix(secs, 0).UTC()
	}
	if err := h.deliveries.RecordDeliveryStatus(ctx, s.ID, s.Status, at); err != nil {
		h.logger.Warn("failed to record delivery status",
			"provider_message_id", s.ID, "status", s.Status, "error", err)
		h.metrics.ObserveInbound("status", "error")
		return
	}
	h.metrics.ObserveInbound("status", "processed")
}

func (h *Handler) processMessage(ctx context.Context, m *inboundMessage) {
	ctx, span := webhookTracer.Start(ctx, "webhook.message")
	defer span.End()
	span.SetAttributes(attribute.String("message.type", m.Type))

	fresh, err := h.dedup.Mark(ctx, m.ID)
	if err != nil {
		h.logger.Error("dedup check failed", "provider_message_id", m.ID, "error", err)
		return
	}
	if !fresh {
		h.logger.Info("skipping redelivered message", "provider_message_id", m.ID)
		h.metrics.ObserveInbound("message", "duplicate")
		return
	}
	h.metrics.ObserveInbound("message", "processed")

	from := whatsapp.NormalizeE164(m.From)
	if err := h.sessions.RecordInbound(ctx, from, h.clk.Now()); err != nil {
		h.logger.Warn("failed to record inbound session", "error", err)
	}

	if id, ok := m.replyID(); ok {
		h.handleReply(ctx, from, id)
		return
	}
	if text, ok := m.textBody(); ok {
		h.handleText(ctx, from, text)
		return
	}
	h.logger.Info("ignoring unsupported message type", "type", m.Type)
}

func (h *Handler) handleReply(ctx context.Context, from, replyID string) {
	switch {
	case strings.HasPrefix(replyID, prefixAcceptPrivacy):
		h.handleConsentAccept(ctx, from, strings.TrimPrefix(replyID, prefixAcceptPrivacy))
	case strings.HasPrefix(replyID, prefixConfirm):
		h.handleConfirm(ctx, from, strings.TrimPrefix(replyID, prefixConfirm))
	case strings.HasPrefix(replyID, prefixCancel):
		h.handleCancel(ctx, from, strings.TrimPrefix(replyID, prefixCancel))
	default:
		// List selections and anything else structured belong to the
		// conversational flow.
		h.forwardToAgent(ctx, from, replyID)
	}
}

func (h *Handler) handleText(ctx context.Context, from, text string) {
	switch replies.DetectIntent(text) {
	case replies.IntentConfirm:
		h.handleIntent(ctx, from, text, true)
	case replies.IntentCancel:
		h.handleIntent(ctx, from, text, false)
	default:
		h.forwardToAgent(ctx, from, text)
	}
}

func (h *Handler) handleIntent(ctx context.Context, from, text string, confirm bool) {
	patient, err := h.patients.FindPatientByPhone(ctx, from)
	if errors.Is(err, directory.ErrNotFound) {
		h.forwardToAgent(ctx, from, text)
		return
	}
	if err != nil {
		h.logger.Error("patient lookup failed", "error", err)
		return
	}

	variants := whatsapp.PhoneVariants(from, h.countryCode)
	id, found, err := h.resolver.Resolve(ctx, patient.ID, variants, h.clk.Now())
	if err != nil {
		h.logger.Error("reply resolution failed", "patient_id", patient.ID, "error", err)
		return
	}
	if !found {
		h.reply(ctx, from, "No encontré una cita próxima a tu nombre. ¿En qué puedo ayudarte?")
		return
	}
	if confirm {
		h.confirmAppointment(ctx, from, id)
	} else {
		// Keep the patient's own words as the cancellation reason.
		h.cancelAppointment(ctx, from, patient.ID, id, text)
	}
}

func (h *Handler) handleConsentAccept(ctx context.Context, from, rawID string) {
	consentID, err := uuid.Parse(rawID)
	if err != nil {
		h.logger.Warn("malformed consent button id", "id", rawID)
		return
	}
	if err := h.consents.Accept(ctx, consentID, h.clk.Now()); err != nil {
		h.logger.Error("consent accept failed", "consent_id", consentID, "error", err)
		return
	}
	h.reply(ctx, from, "¡Gracias! Tu consentimiento quedó registrado. ¿En qué puedo ayudarte?")
}

func (h *Handler) handleConfirm(ctx context.Context, from, rawID string) {
	id, _, ok := h.authorize(ctx, from, rawID)
	if !ok {
		return
	}
	h.confirmAppointment(ctx, from, id)
}

func (h *Handler) handleCancel(ctx context.Context, from, rawID string) {
	id, patient, ok := h.authorize(ctx, from, rawID)
	if !ok {
		return
	}
	h.cancelAppointment(ctx, from, patient.ID, id, patientCancelReason)
}

// authorize parses an appointment button id and checks the sender is the
// appointment's patient. Buttons travel to one phone, but replies are input
// from the network and get verified anyway.
func (h *Handler) authorize(ctx context.Context, from, rawID string) (uuid.UUID, *directory.Person, bool) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		h.logger.Warn("malformed appointment button id", "id", rawID)
		return uuid.Nil, nil, false
	}
	patient, err := h.patients.FindPatientByPhone(ctx, from)
	if err != nil {
		h.logger.Warn("button from unknown phone", "error", err)
		return uuid.Nil, nil, false
	}
	a, err := h.scheduler.Get(ctx, id)
	if err != nil {
		h.logger.Warn("button for unknown appointment", "appointment_id", id, "error", err)
		return uuid.Nil, nil, false
	}
	if a.PatientID != patient.ID {
		h.logger.Warn("button sender does not own appointment",
			"appointment_id", id, "patient_id", patient.ID)
		return uuid.Nil, nil, false
	}
	return id, patient, true
}

func (h *Handler) confirmAppointment(ctx context.Context, from string, id uuid.UUID) {
	err := h.scheduler.Confirm(ctx, id)
	switch {
	case err == nil:
		h.reply(ctx, from, "✅ Tu cita quedó confirmada. ¡Te esperamos!")
	case errors.Is(err, scheduling.ErrIllegalTransition):
		h.reply(ctx, from, "Esa cita ya no se puede confirmar. Escríbenos si necesitas agendar una nueva.")
	default:
		h.logger.Error("confirm failed", "appointment_id", id, "error", err)
	}
}

func (h *Handler) cancelAppointment(ctx context.Context, from string, patientID, id uuid.UUID, reason string) {
	err := h.scheduler.Cancel(ctx, id, patientID, reason)
	switch {
	case err == nil:
		h.reply(ctx, from, "Tu cita fue cancelada. Si quieres reagendar, aquí estoy para ayudarte.")
	case errors.Is(err, scheduling.ErrIllegalTransition):
		h.reply(ctx, from, "Esa cita ya no se puede cancelar por este medio.")
	default:
		h.logger.Error("cancel failed", "appointment_id", id, "error", err)
	}
}

func (h *Handler) forwardToAgent(ctx context.Context, from, text string) {
	if !h.botEnabled || h.agent == nil {
		return
	}
	if err := h.agent.HandleMessage(ctx, from, text); err != nil {
		h.logger.Error("agent handling failed", "error", err)
	}
}

func (h *Handler) reply(ctx context.Context, to, body string) {
	_, err := h.messenger.Send(ctx, &whatsapp.Message{
		To: to, Kind: whatsapp.KindText, Body: body,
	})
	if err != nil {
		h.logger.Error("failed to send reply", "error", err)
	}
}
