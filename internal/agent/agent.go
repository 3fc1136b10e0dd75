// Package agent runs the WhatsApp booking conversation: a per-phone loop that
// alternates model turns and tool calls until the model produces text for the
// patient.
package agent

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/citamed/citamed-platform/internal/observability/metrics"
	"github.com/citamed/citamed-platform/internal/whatsapp"
	"github.com/citamed/citamed-platform/pkg/logging"
)

var agentTracer = otel.Tracer("citamed.internal.agent")

// maxToolRounds bounds the tool loop so a confused model cannot spin forever.
const maxToolRounds = 8

const fallbackApology = "Disculpa, tuve un problema técnico. ¿Me repites tu mensaje en un momento?"

const helpMessage = "Puedo ayudarte a agendar, confirmar o cancelar citas médicas. " +
	"Cuéntame con qué doctor quieres consultar, o escribe \"salir\" para terminar."

// SystemPrompt steers the booking flow and the inline output markup.
const SystemPrompt = `Eres la asistente de citas de un consultorio médico en México. Respondes por WhatsApp, en español, con mensajes breves y cálidos.

Flujo para agendar: primero el doctor, luego el consultorio si el doctor tiene más de uno, luego la fecha, luego el horario, luego los datos del paciente. Nunca preguntes el tipo de consulta: dedúcelo con has_completed_visits_with_doctor. Usa find_patient_by_phone antes de pedir datos; solo usa create_patient si no está registrado. Antes de create_appointment llama siempre validate_slot; si el horario ya no está libre, ofrece alternativas con list_available_slots.

Para mostrar opciones usa estas directivas al final de tu mensaje:
[[LIST: cuerpo | etiqueta del botón | título1:id1 | título2:id2 ]] para listas de opciones (usa los slot_id que te dan las herramientas).
[[BUTTONS: cuerpo | título1:id1 | título2:id2 ]] para hasta 3 botones.
[[LOCATION: nombre | dirección | lat | lng ]] para la ubicación del consultorio.
[[SUCCESS]] después de agendar con éxito.

Nunca inventes doctores, horarios ni direcciones: todo sale de las herramientas.`

// Messenger sends the rendered replies.
type Messenger interface {
	Send(ctx context.Context, msg *whatsapp.Message) (string, error)
}

// Agent serializes turns per phone and runs the model/tool loop.
type Agent struct {
	llm             LLM
	tools           *Toolset
	sessions        SessionStore
	messenger       Messenger
	historyCap      int
	fallbackEnabled bool
	metrics         *metrics.PlatformMetrics
	logger          *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Options struct {
	HistoryCap      int
	FallbackEnabled bool
	Metrics         *metrics.PlatformMetrics
}

func New(llm LLM, tools *Toolset, sessions SessionStore, messenger Messenger, opts Options, logger *logging.Logger) *Agent {
	if llm == nil {
		panic("agent: llm is required")
	}
	if tools == nil {
		panic("agent: toolset is required")
	}
	if sessions == nil {
		panic("agent: session store is required")
	}
	if messenger == nil {
		panic("agent: messenger is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = 20
	}
	return &Agent{
		llm:             llm,
		tools:           tools,
		sessions:        sessions,
		messenger:       messenger,
		historyCap:      opts.HistoryCap,
		fallbackEnabled: opts.FallbackEnabled,
		metrics:         opts.Metrics,
		logger:          logger.Component("agent"),
		locks:           make(map[string]*sync.Mutex),
	}
}

func (a *Agent) lockFor(phone string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[phone]
	if !ok {
		l = &sync.Mutex{}
		a.locks[phone] = l
	}
	return l
}

// HandleMessage processes one inbound turn. Turns for the same phone run one
// at a time; different phones proceed in parallel.
func (a *Agent) HandleMessage(ctx context.Context, from, text string) error {
	ctx, span := agentTracer.Start(ctx, "agent.turn")
	defer span.End()
	span.SetAttributes(attribute.Int("message.len", len(text)))

	key := sessionKey(from)
	l := a.lockFor(key)
	l.Lock()
	defer l.Unlock()

	if handled := a.cheapCommand(ctx, from, text); handled {
		a.metrics.ObserveAgentTurn("command")
		return nil
	}

	if err := a.converse(ctx, from, text); err != nil {
		a.logger.Error("conversation turn failed", "error", err)
		span.RecordError(err)
		a.metrics.ObserveAgentTurn("error")
		if a.fallbackEnabled {
			a.sendText(ctx, from, fallbackApology)
			return nil
		}
		return err
	}
	a.metrics.ObserveAgentTurn("ok")
	return nil
}

// cheapCommand short-circuits session control words without a model call.
func (a *Agent) cheapCommand(ctx context.Context, from, text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "salir", "exit", "terminar", "reiniciar", "reset":
		if err := a.sessions.Delete(ctx, from); err != nil {
			a.logger.Warn("failed to reset session", "error", err)
		}
		a.sendText(ctx, from, "Listo, terminamos por ahora. Escríbeme cuando necesites otra cita.")
		return true
	case "ayuda", "help":
		a.sendText(ctx, from, helpMessage)
		return true
	}
	return false
}

func (a *Agent) converse(ctx context.Context, from, text string) error {
	sess, err := a.sessions.Get(ctx, from)
	if err != nil {
		return err
	}
	if sess == nil {
		sess = &Session{Phone: from}
	}

	chat := a.llm.NewChat(sess.History)
	sess.Append(RoleUser, text, a.historyCap)

	reply, err := chat.SendText(ctx, text)
	if err != nil {
		return err
	}

	booked := false
	for round := 0; len(reply.Calls) > 0; round++ {
		if round >= maxToolRounds {
			a.logger.Warn("tool loop exceeded round limit", "rounds", round)
			break
		}
		results := make([]ToolResult, 0, len(reply.Calls))
		for _, call := range reply.Calls {
			resp, didBook, err := a.tools.Execute(ctx, from, call)
			if err != nil {
				a.logger.Error("tool execution failed", "tool", call.Name, "error", err)
				resp = map[string]any{"error": "internal error, tell the patient to try again later"}
			}
			booked = booked || didBook
			results = append(results, ToolResult{Name: call.Name, Response: resp})
		}
		reply, err = chat.SendToolResults(ctx, results)
		if err != nil {
			return err
		}
	}

	final := reply.Text
	if final == "" {
		final = fallbackApology
	}
	sess.Append(RoleModel, final, a.historyCap)

	// A finished booking closes the session; the next message starts fresh.
	if booked {
		a.metrics.ObserveBooking("whatsapp", "created")
		if err := a.sessions.Delete(ctx, from); err != nil {
			a.logger.Warn("failed to close session after booking", "error", err)
		}
	} else if err := a.sessions.Put(ctx, sess); err != nil {
		a.logger.Warn("failed to save session", "error", err)
	}

	for _, msg := range RenderMarkup(from, final) {
		if _, err := a.messenger.Send(ctx, msg); err != nil {
			a.logger.Error("failed to send agent reply", "kind", string(msg.Kind), "error", err)
		}
	}
	return nil
}

func (a *Agent) sendText(ctx context.Context, to, body string) {
	if _, err := a.messenger.Send(ctx, &whatsapp.Message{
		To: to, Kind: whatsapp.KindText, Body: body,
	}); err != nil {
		a.logger.Error("failed to send agent reply", "error", err)
	}
}
