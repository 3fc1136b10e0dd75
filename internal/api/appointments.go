package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/citamed/citamed-platform/internal/clock"
	"github.com/citamed/citamed-platform/internal/observability/metrics"
	"github.com/citamed/citamed-platform/internal/scheduling"
	"github.com/citamed/citamed-platform/pkg/logging"
)

// Scheduler is the appointment surface the HTTP API exposes.
type Scheduler interface {
	Create(ctx context.Context, req scheduling.CreateRequest) (*scheduling.Appointment, error)
	Update(ctx context.Context, id uuid.UUID, patch scheduling.Patch) (*scheduling.Appointment, error)
	Confirm(ctx context.Context, id uuid.UUID) error
	Cancel(ctx context.Context, id uuid.UUID, actorID uuid.UUID, reason string) error
	Complete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error)
	ListForDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]scheduling.Appointment, error)
	AvailableSlots(ctx context.Context, doctorID uuid.UUID, officeID *uuid.UUID, date time.Time) ([]time.Time, scheduling.NoSlotsReason, error)
}

// AppointmentsHandler serves the doctor-facing scheduling endpoints.
type AppointmentsHandler struct {
	scheduler Scheduler
	clk       clock.Clock
	metrics   *metrics.PlatformMetrics
	logger    *logging.Logger
}

func NewAppointmentsHandler(scheduler Scheduler, clk clock.Clock, m *metrics.PlatformMetrics, logger *logging.Logger) *AppointmentsHandler {
	if scheduler == nil {
		panic("api: scheduler is required")
	}
	if clk == nil {
		panic("api: clock is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AppointmentsHandler{scheduler: scheduler, clk: clk, metrics: m, logger: logger.Component("api")}
}

// RegisterRoutes mounts the appointment endpoints on r.
func (h *AppointmentsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.CreateAppointment)
		r.Get("/", h.ListAppointments)
		r.Route("/{appointmentID}", func(r chi.Router) {
			r.Get("/", h.GetAppointment)
			r.Patch("/", h.UpdateAppointment)
			r.Post("/confirm", h.ConfirmAppointment)
			r.Post("/cancel", h.CancelAppointment)
			r.Post("/complete", h.CompleteAppointment)
		})
	})
	r.Get("/availability", h.GetAvailability)
}

type createAppointmentRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	OfficeID  uuid.UUID `json:"office_id"`
	StartsAt  time.Time `json:"starts_at"`
	ActorID   uuid.UUID `json:"actor_id"`
	Confirmed bool      `json:"confirmed"`
}

type appointmentResponse struct {
	ID               uuid.UUID  `json:"id"`
	PatientID        uuid.UUID  `json:"patient_id"`
	DoctorID         uuid.UUID  `json:"doctor_id"`
	OfficeID         uuid.UUID  `json:"office_id"`
	StartsAt         time.Time  `json:"starts_at"`
	EndsAt           time.Time  `json:"ends_at"`
	ConsultationType string     `json:"consultation_type"`
	Status           string     `json:"status"`
	CancelledReason  *string    `json:"cancelled_reason,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
}

func toAppointmentResponse(a *scheduling.Appointment) appointmentResponse {
	return appointmentResponse{
		ID:               a.ID,
		PatientID:        a.PatientID,
		DoctorID:         a.DoctorID,
		OfficeID:         a.OfficeID,
		StartsAt:         a.StartsAt,
		EndsAt:           a.EndsAt,
		ConsultationType: string(a.ConsultationType),
		Status:           string(a.Status),
		CancelledReason:  a.CancelledReason,
		CancelledAt:      a.CancelledAt,
	}
}

// CreateAppointment books a slot on behalf of a doctor or assistant.
// POST /api/appointments
func (h *AppointmentsHandler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req createAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PatientID == uuid.Nil || req.DoctorID == uuid.Nil || req.OfficeID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "patient_id, doctor_id and office_id are required")
		return
	}
	actor := req.ActorID
	if actor == uuid.Nil {
		actor = req.DoctorID
	}

	a, err := h.scheduler.Create(r.Context(), scheduling.CreateRequest{
		PatientID: req.PatientID,
		DoctorID:  req.DoctorID,
		OfficeID:  req.OfficeID,
		StartsAt:  req.StartsAt,
		ActorID:   actor,
		Confirmed: req.Confirmed,
	})
	if err != nil {
		h.logger.Warn("appointment create rejected", "error", err)
		h.metrics.ObserveBooking("api", "rejected")
		writeSchedulingError(w, err)
		return
	}
	h.metrics.ObserveBooking("api", "created")
	writeJSON(w, http.StatusCreated, toAppointmentResponse(a))
}

// GetAppointment returns one appointment.
// GET /api/appointments/{appointmentID}
func (h *AppointmentsHandler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.appointmentID(w, r)
	if !ok {
		return
	}
	a, err := h.scheduler.Get(r.Context(), id)
	if err != nil {
		writeSchedulingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(a))
}

type updateAppointmentRequest struct {
	StartsAt *time.Time `json:"starts_at,omitempty"`
	OfficeID *uuid.UUID `json:"office_id,omitempty"`
	Status   *string    `json:"status,omitempty"`
}

// UpdateAppointment reschedules or moves an appointment.
// PATCH /api/appointments/{appointmentID}
func (h *AppointmentsHandler) UpdateAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.appointmentID(w, r)
	if !ok {
		return
	}
	var req updateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	patch := scheduling.Patch{StartsAt: req.StartsAt, OfficeID: req.OfficeID}
	if req.Status != nil {
		status := scheduling.Status(*req.Status)
		patch.Status = &status
	}

	a, err := h.scheduler.Update(r.Context(), id, patch)
	if err != nil {
		h.logger.Warn("appointment update rejected", "appointment_id", id, "error", err)
		writeSchedulingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(a))
}

// ConfirmAppointment moves a pending appointment to confirmed.
// POST /api/appointments/{appointmentID}/confirm
func (h *AppointmentsHandler) ConfirmAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.appointmentID(w, r)
	if !ok {
		return
	}
	if err := h.scheduler.Confirm(r.Context(), id); err != nil {
		writeSchedulingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(scheduling.StatusConfirmed)})
}

type cancelAppointmentRequest struct {
	ActorID uuid.UUID `json:"actor_id"`
	Reason  string    `json:"reason"`
}

// CancelAppointment cancels an appointment with a required reason.
// POST /api/appointments/{appointmentID}/cancel
func (h *AppointmentsHandler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.appointmentID(w, r)
	if !ok {
		return
	}
	var req cancelAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ActorID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "actor_id is required")
		return
	}
	if err := h.scheduler.Cancel(r.Context(), id, req.ActorID, req.Reason); err != nil {
		writeSchedulingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(scheduling.StatusCancelled)})
}

// CompleteAppointment marks a confirmed appointment as completed.
// POST /api/appointments/{appointmentID}/complete
func (h *AppointmentsHandler) CompleteAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.appointmentID(w, r)
	if !ok {
		return
	}
	if err := h.scheduler.Complete(r.Context(), id); err != nil {
		writeSchedulingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(scheduling.StatusCompleted)})
}

// ListAppointments returns a doctor's appointments in a date range.
// GET /api/appointments?doctor_id=...&from=...&to=...
func (h *AppointmentsHandler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	doctorID, err := uuid.Parse(r.URL.Query().Get("doctor_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "doctor_id is required")
		return
	}
	from, to, err := h.dateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	appointments, err := h.scheduler.ListForDoctor(r.Context(), doctorID, from, to)
	if err != nil {
		h.logger.Error("appointment list failed", "doctor_id", doctorID, "error", err)
		writeSchedulingError(w, err)
		return
	}
	out := make([]appointmentResponse, 0, len(appointments))
	for i := range appointments {
		out = append(out, toAppointmentResponse(&appointments[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": out})
}

// GetAvailability returns the free slot starts for a doctor-day.
// GET /api/availability?doctor_id=...&date=YYYY-MM-DD&office_id=...
func (h *AppointmentsHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	doctorID, err := uuid.Parse(r.URL.Query().Get("doctor_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "doctor_id is required")
		return
	}
	date, err := time.ParseInLocation("2006-01-02", r.URL.Query().Get("date"), h.clk.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	var officeID *uuid.UUID
	if raw := r.URL.Query().Get("office_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "office_id is not a valid UUID")
			return
		}
		officeID = &id
	}

	slots, reason, err := h.scheduler.AvailableSlots(r.Context(), doctorID, officeID, date)
	if err != nil {
		h.logger.Error("availability lookup failed", "doctor_id", doctorID, "error", err)
		writeSchedulingError(w, err)
		return
	}
	resp := map[string]any{"slots": slots}
	if reason != scheduling.ReasonNone {
		resp["no_slots_reason"] = string(reason)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AppointmentsHandler) appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "appointmentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "appointment id is not a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// dateRange parses the optional from/to query parameters; the default window
// is today through two weeks out.
func (h *AppointmentsHandler) dateRange(r *http.Request) (time.Time, time.Time, error) {
	from := h.clk.Today()
	to := from.AddDate(0, 0, 14)
	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err = time.ParseInLocation("2006-01-02", raw, h.clk.Location())
		if err != nil {
			return time.Time{}, time.Time{}, errInvalidDate("from")
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		to, err = time.ParseInLocation("2006-01-02", raw, h.clk.Location())
		if err != nil {
			return time.Time{}, time.Time{}, errInvalidDate("to")
		}
		to = to.AddDate(0, 0, 1)
	}
	return from, to, nil
}

type errInvalidDate string

func (e errInvalidDate) Error() string { return string(e) + " must be YYYY-MM-DD" }
