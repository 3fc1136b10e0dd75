package reminder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/citamed/citamed-platform/internal/clock"
	"github.com/citamed/citamed-platform/internal/observability/metrics"
	"github.com/citamed/citamed-platform/internal/whatsapp"
	"github.com/citamed/citamed-platform/pkg/logging"
)

var reminderTracer = otel.Tracer("citamed.internal.reminder")

// Template names pre-approved with the provider, one per appointment state.
const (
	templatePending   = "recordatorio_cita_pendiente"
	templateConfirmed = "recordatorio_cita_confirmada"
	templateLanguage  = "es"
)

// Messenger is the outbound surface the engine needs.
type Messenger interface {
	Send(ctx context.Context, msg *whatsapp.Message) (string, error)
}

// Engine periodically sends due reminders. Safe to run on several instances
// at once: the claim in the store guarantees at most one send per reminder.
type Engine struct {
	store     *Store
	messenger Messenger
	clk       clock.Clock
	interval  time.Duration
	window    time.Duration
	metrics   *metrics.PlatformMetrics
	logger    *logging.Logger
}

// EngineOptions carries the engine's tuning knobs.
type EngineOptions struct {
	Interval time.Duration
	Window   time.Duration
	Metrics  *metrics.PlatformMetrics
}

func NewEngine(store *Store, messenger Messenger, clk clock.Clock, opts EngineOptions, logger *logging.Logger) *Engine {
	if store == nil {
		panic("reminder: store is required")
	}
	if messenger == nil {
		panic("reminder: messenger is required")
	}
	if clk == nil {
		panic("reminder: clock is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Window <= 0 {
		opts.Window = 6 * time.Hour
	}
	return &Engine{
		store:     store,
		messenger: messenger,
		clk:       clk,
		interval:  opts.Interval,
		window:    opts.Window,
		metrics:   opts.Metrics,
		logger:    logger.Component("reminder_engine"),
	}
}

// Run ticks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("reminder engine started",
		"interval", e.interval.String(), "catch_up_window", e.window.String())
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("reminder engine stopped")
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.logger.Error("reminder tick failed", "error", err)
			}
		}
	}
}

// Tick sends every reminder currently due.
func (e *Engine) Tick(ctx context.Context) error {
	ctx, span := reminderTracer.Start(ctx, "reminder.tick")
	defer span.End()

	now := e.clk.Now()
	due, err := e.store.Due(ctx, now, e.window)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("reminders.due", len(due)))

	for _, d := range due {
		if err := e.process(ctx, d, now); err != nil {
			e.logger.Error("reminder send failed",
				"reminder_id", d.ID, "appointment_id", d.AppointmentID, "error", err)
		}
	}
	return nil
}

func (e *Engine) process(ctx context.Context, d *DueReminder, now time.Time) error {
	claimed, err := e.store.Claim(ctx, d.ID, now)
	if err != nil {
		return err
	}
	if !claimed {
		// Another instance got there first.
		e.metrics.ObserveReminder("claim_lost")
		return nil
	}

	providerID, err := e.send(ctx, d)
	if err != nil {
		e.metrics.ObserveReminder("send_failed")
		if revertErr := e.store.Revert(ctx, d.ID); revertErr != nil {
			e.logger.Error("failed to revert reminder claim",
				"reminder_id", d.ID, "error", revertErr)
		}
		return err
	}
	e.metrics.ObserveReminder("sent")

	if err := e.store.RecordProviderMessageID(ctx, d.ID, providerID); err != nil {
		// The message is out; losing the id only weakens reply resolution.
		e.logger.Warn("failed to record provider message id",
			"reminder_id", d.ID, "error", err)
	}
	e.logger.Info("reminder sent",
		"reminder_id", d.ID, "appointment_id", d.AppointmentID,
		"reminder_number", d.ReminderNumber, "provider_message_id", providerID)
	return nil
}

func (e *Engine) send(ctx context.Context, d *DueReminder) (string, error) {
	msg := e.buttonsMessage(d)
	id, err := e.messenger.Send(ctx, msg)
	if err == nil {
		return id, nil
	}
	if whatsapp.KindOf(err) != whatsapp.ErrOutsideSessionWindow {
		return "", err
	}
	// No open session; only a pre-approved template may go out.
	return e.messenger.Send(ctx, e.templateMessage(d))
}

func (e *Engine) buttonsMessage(d *DueReminder) *whatsapp.Message {
	local := d.StartsAt.In(e.clk.Location())
	var b strings.Builder
	fmt.Fprintf(&b, "Hola %s, te recordamos tu cita con %s el %s a las %s",
		firstName(d.PatientName), d.DoctorName,
		local.Format("02/01/2006"), local.Format("15:04"))
	if d.OfficeIsVirtual {
		b.WriteString(" (videollamada).")
	} else {
		fmt.Fprintf(&b, " en %s.", d.OfficeName)
	}

	buttons := []whatsapp.Button{
		{ID: "cancel_appointment_" + d.AppointmentID.String(), Title: "Cancelar"},
	}
	if d.AppointmentStatus == "pending" {
		b.WriteString(" ¿Nos confirmas tu asistencia?")
		buttons = append([]whatsapp.Button{
			{ID: "confirm_appointment_" + d.AppointmentID.String(), Title: "Confirmar"},
		}, buttons...)
	}

	return &whatsapp.Message{
		To:      d.PatientPhone,
		Kind:    whatsapp.KindButtons,
		Body:    b.String(),
		Buttons: buttons,
	}
}

func (e *Engine) templateMessage(d *DueReminder) *whatsapp.Message {
	local := d.StartsAt.In(e.clk.Location())
	name := templateConfirmed
	if d.AppointmentStatus == "pending" {
		name = templatePending
	}
	place := d.OfficeName
	if d.OfficeIsVirtual {
		place = "videollamada"
	}
	return &whatsapp.Message{
		To:   d.PatientPhone,
		Kind: whatsapp.KindTemplate,
		Template: &whatsapp.Template{
			Name:     name,
			Language: templateLanguage,
			Params: []string{
				firstName(d.PatientName),
				d.DoctorName,
				local.Format("02/01/2006"),
				local.Format("15:04"),
				place,
			},
		},
	}
}

func firstName(full string) string {
	full = strings.TrimSpace(full)
	if i := strings.IndexByte(full, ' '); i > 0 {
		return full[:i]
	}
	return full
}
