package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"

	"github.com/citamed/citamed-platform/internal/clock"
	"github.com/citamed/citamed-platform/internal/consent"
	"github.com/citamed/citamed-platform/internal/directory"
	"github.com/citamed/citamed-platform/internal/reminder"
	"github.com/citamed/citamed-platform/internal/scheduling"
)

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	Name string
	Args map[string]any
}

// ToolResult feeds a tool's outcome back into the model loop.
type ToolResult struct {
	Name     string
	Response map[string]any
}

// Directory is the catalog surface the tools read.
type Directory interface {
	ListActiveDoctors(ctx context.Context) ([]directory.Person, error)
	ListDoctorOffices(ctx context.Context, doctorID uuid.UUID) ([]directory.Office, error)
	FindPatientByPhone(ctx context.Context, phone string) (*directory.Person, error)
	CreatePatient(ctx context.Context, name, phone string, birthDate *time.Time) (*directory.Person, error)
	HasCompletedVisits(ctx context.Context, patientID, doctorID uuid.UUID) (bool, error)
}

// Scheduler is the appointment surface the tools drive.
type Scheduler interface {
	AvailableSlots(ctx context.Context, doctorID uuid.UUID, officeID *uuid.UUID, date time.Time) ([]time.Time, scheduling.NoSlotsReason, error)
	ValidateSlot(ctx context.Context, doctorID uuid.UUID, startsAt time.Time) (bool, error)
	Create(ctx context.Context, req scheduling.CreateRequest) (*scheduling.Appointment, error)
}

// ConsentGate blocks bookings for patients without an accepted privacy notice.
type ConsentGate interface {
	Require(ctx context.Context, patientID uuid.UUID, phone string) error
}

// ReminderScheduler creates the reminder rows for a new appointment.
type ReminderScheduler interface {
	Schedule(ctx context.Context, appointmentID uuid.UUID, offsets []time.Duration) error
}

// Toolset executes the model's function calls. It is the only path from the
// conversation to the stores.
type Toolset struct {
	dir       Directory
	scheduler Scheduler
	consents  ConsentGate
	reminders ReminderScheduler
	clk       clock.Clock
}

func NewToolset(dir Directory, scheduler Scheduler, consents ConsentGate, reminders ReminderScheduler, clk clock.Clock) *Toolset {
	if dir == nil || scheduler == nil || consents == nil || reminders == nil || clk == nil {
		panic("agent: missing toolset dependency")
	}
	return &Toolset{dir: dir, scheduler: scheduler, consents: consents, reminders: reminders, clk: clk}
}

// Declarations describes the tools to the model.
func (t *Toolset) Declarations() []*genai.Tool {
	str := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeString, Description: desc}
	}
	obj := func(required []string, props map[string]*genai.Schema) *genai.Schema {
		return &genai.Schema{Type: genai.TypeObject, Properties: props, Required: required}
	}
	return []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{
		{
			Name:        "list_active_doctors",
			Description: "Lista los doctores activos con su especialidad.",
		},
		{
			Name:        "list_doctor_offices",
			Description: "Lista los consultorios de un doctor, con dirección y si es virtual.",
			Parameters: obj([]string{"doctor_id"}, map[string]*genai.Schema{
				"doctor_id": str("UUID del doctor"),
			}),
		},
		{
			Name:        "list_available_slots",
			Description: "Horarios libres de un doctor para una fecha (YYYY-MM-DD).",
			Parameters: obj([]string{"doctor_id", "date"}, map[string]*genai.Schema{
				"doctor_id": str("UUID del doctor"),
				"date":      str("Fecha local YYYY-MM-DD"),
				"office_id": str("UUID del consultorio, opcional"),
			}),
		},
		{
			Name:        "find_patient_by_phone",
			Description: "Busca un paciente registrado por teléfono.",
			Parameters: obj([]string{"phone"}, map[string]*genai.Schema{
				"phone": str("Teléfono en formato internacional"),
			}),
		},
		{
			Name:        "create_patient",
			Description: "Registra un paciente nuevo. Idempotente por teléfono.",
			Parameters: obj([]string{"name", "phone"}, map[string]*genai.Schema{
				"name":  str("Nombre completo"),
				"phone": str("Teléfono en formato internacional"),
			}),
		},
		{
			Name:        "has_completed_visits_with_doctor",
			Description: "Indica si el paciente ya tuvo consultas completadas con el doctor.",
			Parameters: obj([]string{"patient_id", "doctor_id"}, map[string]*genai.Schema{
				"patient_id": str("UUID del paciente"),
				"doctor_id":  str("UUID del doctor"),
			}),
		},
		{
			Name:        "validate_slot",
			Description: "Verifica que un horario siga libre antes de agendar.",
			Parameters: obj([]string{"doctor_id", "starts_at"}, map[string]*genai.Schema{
				"doctor_id": str("UUID del doctor"),
				"starts_at": str("Inicio en RFC3339"),
			}),
		},
		{
			Name:        "list_appointment_types",
			Description: "Tipos de consulta disponibles.",
		},
		{
			Name:        "create_appointment",
			Description: "Agenda la cita. Llama validate_slot inmediatamente antes.",
			Parameters: obj([]string{"patient_id", "doctor_id", "office_id", "starts_at"}, map[string]*genai.Schema{
				"patient_id": str("UUID del paciente"),
				"doctor_id":  str("UUID del doctor"),
				"office_id":  str("UUID del consultorio"),
				"starts_at":  str("Inicio en RFC3339"),
			}),
		},
	}}}
}

// Execute runs one tool call for the session's phone. Errors the model can
// act on come back inside the response map; only infrastructure failures
// surface as Go errors. booked reports a completed appointment creation.
func (t *Toolset) Execute(ctx context.Context, phone string, call ToolCall) (resp map[string]any, booked bool, err error) {
	switch call.Name {
	case "list_active_doctors":
		resp, err = t.listActiveDoctors(ctx)
	case "list_doctor_offices":
		resp, err = t.listDoctorOffices(ctx, call)
	case "list_available_slots":
		resp, err = t.listAvailableSlots(ctx, call)
	case "find_patient_by_phone":
		resp, err = t.findPatientByPhone(ctx, call, phone)
	case "create_patient":
		resp, err = t.createPatient(ctx, call, phone)
	case "has_completed_visits_with_doctor":
		resp, err = t.hasCompletedVisits(ctx, call)
	case "validate_slot":
		resp, err = t.validateSlot(ctx, call)
	case "list_appointment_types":
		resp = map[string]any{"types": []map[string]any{
			{"id": "first_visit", "name": "Primera consulta"},
			{"id": "follow_up", "name": "Consulta de seguimiento"},
		}}
	case "create_appointment":
		resp, booked, err = t.createAppointment(ctx, call, phone)
	default:
		resp = map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)}
	}
	return resp, booked, err
}

func (t *Toolset) listActiveDoctors(ctx context.Context) (map[string]any, error) {
	doctors, err := t.dir.ListActiveDoctors(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(doctors))
	for _, d := range doctors {
		out = append(out, map[string]any{"id": d.ID.String(), "name": d.Name})
	}
	return map[string]any{"doctors": out}, nil
}

func (t *Toolset) listDoctorOffices(ctx context.Context, call ToolCall) (map[string]any, error) {
	doctorID, err := argUUID(call, "doctor_id")
	if err != nil {
		return map[string]any{"error": err.Error()}, nil
	}
	offices, err := t.dir.ListDoctorOffices(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(offices))
	for _, o := range offices {
		entry := map[string]any{
			"id": o.ID.String(), "name": o.Name, "is_virtual": o.IsVirtual,
		}
		if o.Address != nil {
			entry["address"] = *o.Address
		}
		out = append(out, entry)
	}
	return map[string]any{"offices": out}, nil
}

func (t *Toolset) listAvailableSlots(ctx context.Context, call ToolCall) (map[string]any, error) {
	doctorID, err := argUUID(call, "doctor_id")
	if err != nil {
		return map[string]any{"error": err.Error()}, nil
	}
	date, err := time.ParseInLocation("2006-01-02", argString(call, "date"), t.clk.Location())
	if err != nil {
		return map[string]any{"error": "date must be YYYY-MM-DD"}, nil
	}
	var officeID *uuid.UUID
	if raw := argString(call, "office_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return map[string]any{"error": "office_id is not a valid UUID"}, nil
		}
		officeID = &id
	}

	slots, reason, err := t.scheduler.AvailableSlots(ctx, doctorID, officeID, date)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(slots))
	for _, s := range slots {
		local := s.In(t.clk.Location())
		out = append(out, map[string]any{
			"starts_at": s.Format(time.RFC3339),
			"label":     local.Format("15:04"),
			// Colon-free token for interactive list rows.
			"slot_id": "slot_" + strconv.FormatInt(s.Unix(), 10),
		})
	}
	resp := map[string]any{"slots": out}
	if reason != scheduling.ReasonNone {
		resp["no_slots_reason"] = string(reason)
	}
	return resp, nil
}

func (t *Toolset) findPatientByPhone(ctx context.Context, call ToolCall, sessionPhone string) (map[string]any, error) {
	phone := argString(call, "phone")
	if phone == "" {
		phone = sessionPhone
	}
	p, err := t.dir.FindPatientByPhone(ctx, phone)
	if errors.Is(err, directory.ErrNotFound) {
		return map[string]any{"found": false}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"found": true, "patient": personPayload(p)}, nil
}

func (t *Toolset) createPatient(ctx context.Context, call ToolCall, sessionPhone string) (map[string]any, error) {
	name := strings.TrimSpace(argString(call, "name"))
	if name == "" {
		return map[string]any{"error": "name is required"}, nil
	}
	phone := argString(call, "phone")
	if phone == "" {
		phone = sessionPhone
	}
	p, err := t.dir.CreatePatient(ctx, name, phone, nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{"patient": personPayload(p)}, nil
}

func (t *Toolset) hasCompletedVisits(ctx context.Context, call ToolCall) (map[string]any, error) {
	patientID, err := argUUID(call, "patient_id")
	if err != nil {
		return map[string]any{"error": err.Error()}, nil
	}
	doctorID, err := argUUID(call, "doctor_id")
	if err != nil {
		return map[string]any{"error": err.Error()}, nil
	}
	visited, err := t.dir.HasCompletedVisits(ctx, patientID, doctorID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"has_completed_visits": visited}, nil
}

func (t *Toolset) validateSlot(ctx context.Context, call ToolCall) (map[string]any, error) {
	doctorID, err := argUUID(call, "doctor_id")
	if err != nil {
		return map[string]any{"error": err.Error()}, nil
	}
	startsAt, err := argTime(call, "starts_at")
	if err != nil {
		return map[string]any{"error": err.Error()}, nil
	}
	free, err := t.scheduler.ValidateSlot(ctx, doctorID, startsAt)
	if err != nil {
		return nil, err
	}
	return map[string]any{"free": free}, nil
}

func (t *Toolset) createAppointment(ctx context.Context, call ToolCall, phone string) (map[string]any, bool, error) {
	patientID, err := argUUID(call, "patient_id")
	if err != nil {
		return map[string]any{"error": err.Error()}, false, nil
	}
	doctorID, err := argUUID(call, "doctor_id")
	if err != nil {
		return map[string]any{"error": err.Error()}, false, nil
	}
	officeID, err := argUUID(call, "office_id")
	if err != nil {
		return map[string]any{"error": err.Error()}, false, nil
	}
	startsAt, err := argTime(call, "starts_at")
	if err != nil {
		return map[string]any{"error": err.Error()}, false, nil
	}

	if err := t.consents.Require(ctx, patientID, phone); err != nil {
		if errors.Is(err, consent.ErrNotGranted) {
			return map[string]any{
				"error":  "consent_required",
				"detail": "Se envió el aviso de privacidad; el paciente debe aceptarlo antes de agendar.",
			}, false, nil
		}
		return nil, false, err
	}

	a, err := t.scheduler.Create(ctx, scheduling.CreateRequest{
		PatientID: patientID,
		DoctorID:  doctorID,
		OfficeID:  officeID,
		StartsAt:  startsAt,
		ActorID:   patientID,
	})
	switch {
	case errors.Is(err, scheduling.ErrSlotTaken):
		return map[string]any{"error": "slot_taken"}, false, nil
	case scheduling.IsValidation(err):
		return map[string]any{"error": err.Error()}, false, nil
	case err != nil:
		return nil, false, err
	}

	if err := t.reminders.Schedule(ctx, a.ID, reminder.DefaultOffsets); err != nil {
		// The booking stands; reminders are best effort here.
		return map[string]any{
			"appointment": appointmentPayload(a, t.clk.Location()),
			"warning":     "reminders could not be scheduled",
		}, true, nil
	}
	return map[string]any{"appointment": appointmentPayload(a, t.clk.Location())}, true, nil
}

func personPayload(p *directory.Person) map[string]any {
	return map[string]any{"id": p.ID.String(), "name": p.Name, "phone": p.Phone}
}

func appointmentPayload(a *scheduling.Appointment, loc *time.Location) map[string]any {
	return map[string]any{
		"id":                a.ID.String(),
		"starts_at":         a.StartsAt.Format(time.RFC3339),
		"local_time":        a.StartsAt.In(loc).Format("02/01/2006 15:04"),
		"consultation_type": string(a.ConsultationType),
		"status":            string(a.Status),
	}
}

func argString(call ToolCall, key string) string {
	if v, ok := call.Args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func argUUID(call ToolCall, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(argString(call, key))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s is not a valid UUID", key)
	}
	return id, nil
}

func argTime(call ToolCall, key string) (time.Time, error) {
	at, err := time.Parse(time.RFC3339, argString(call, key))
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339", key)
	}
	return at, nil
}
