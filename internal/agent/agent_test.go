package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citamed/citamed-platform/internal/whatsapp"
)

type scriptedChat struct {
	replies []*Reply
	err     error

	texts   []string
	results [][]ToolResult
}

func (c *scriptedChat) next() (*Reply, error) {
	if c.err != nil {
		return nil, c.err
	}
	if len(c.replies) == 0 {
		return &Reply{Text: "sin respuesta"}, nil
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	return r, nil
}

func (c *scriptedChat) SendText(_ context.Context, text string) (*Reply, error) {
	c.texts = append(c.texts, text)
	return c.next()
}

func (c *scriptedChat) SendToolResults(_ context.Context, results []ToolResult) (*Reply, error) {
	c.results = append(c.results, results)
	return c.next()
}

type scriptedLLM struct {
	chat      *scriptedChat
	histories [][]Turn
}

func (l *scriptedLLM) NewChat(history []Turn) Chat {
	l.histories = append(l.histories, history)
	return l.chat
}

type captureMessenger struct {
	sent []*whatsapp.Message
	err  error
}

func (m *captureMessenger) Send(_ context.Context, msg *whatsapp.Message) (string, error) {
	m.sent = append(m.sent, msg)
	return "wamid.test", m.err
}

type agentFixture struct {
	chat      *scriptedChat
	llm       *scriptedLLM
	sessions  *MemorySessionStore
	messenger *captureMessenger
	tools     *toolFixture
	agent     *Agent
}

func newAgentFixture(t *testing.T, replies ...*Reply) *agentFixture {
	t.Helper()
	f := &agentFixture{
		chat:      &scriptedChat{replies: replies},
		sessions:  NewMemorySessionStore(time.Minute),
		messenger: &captureMessenger{},
		tools:     newToolFixture(t),
	}
	f.llm = &scriptedLLM{chat: f.chat}
	f.agent = New(f.llm, f.tools.tools, f.sessions, f.messenger, Options{
		HistoryCap:      6,
		FallbackEnabled: true,
	}, nil)
	return f
}

func TestHandleMessagePlainReply(t *testing.T) {
	f := newAgentFixture(t, &Reply{Text: "¿Con qué doctor quieres tu cita?"})

	require.NoError(t, f.agent.HandleMessage(context.Background(), "+525512345678", "hola"))

	require.Len(t, f.messenger.sent, 1)
	assert.Equal(t, "¿Con qué doctor quieres tu cita?", f.messenger.sent[0].Body)

	sess, err := f.sessions.Get(context.Background(), "+525512345678")
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Len(t, sess.History, 2)
	assert.Equal(t, RoleUser, sess.History[0].Role)
	assert.Equal(t, RoleModel, sess.History[1].Role)
}

func TestHandleMessageRunsToolLoop(t *testing.T) {
	f := newAgentFixture(t,
		&Reply{Calls: []ToolCall{{Name: "list_active_doctors"}}},
		&Reply{Text: "Tenemos a la Dra. Pérez disponible."},
	)

	require.NoError(t, f.agent.HandleMessage(context.Background(), "+525512345678", "quiero una cita"))

	require.Len(t, f.chat.results, 1)
	require.Len(t, f.chat.results[0], 1)
	assert.Equal(t, "list_active_doctors", f.chat.results[0][0].Name)
	require.Len(t, f.messenger.sent, 1)
	assert.Equal(t, "Tenemos a la Dra. Pérez disponible.", f.messenger.sent[0].Body)
}

func TestHandleMessageFeedsToolErrorsBack(t *testing.T) {
	f := newAgentFixture(t,
		&Reply{Calls: []ToolCall{{
			Name: "list_doctor_offices",
			Args: map[string]any{"doctor_id": "not-a-uuid"},
		}}},
		&Reply{Text: "Déjame verificar de nuevo."},
	)

	require.NoError(t, f.agent.HandleMessage(context.Background(), "+52", "consultorios"))

	require.Len(t, f.chat.results, 1)
	assert.Contains(t, f.chat.results[0][0].Response["error"], "doctor_id")
}

func TestHandleMessageResetsSessionAfterBooking(t *testing.T) {
	f := newAgentFixture(t,
		&Reply{Calls: []ToolCall{{
			Name: "create_appointment",
			Args: map[string]any{
				"patient_id": "7b7f5a7a-92cc-4f39-9f38-6f8a31c2f0b1",
				"doctor_id":  "2f5f2e8c-33ab-4b58-93f7-0f04cf1fca55",
				"office_id":  "c0a8012e-5d6f-4a0a-9d3f-7d4c2bb0a111",
				"starts_at":  "2025-03-11T16:00:00-06:00",
			},
		}}},
		&Reply{Text: "¡Listo, tu cita quedó agendada! [[SUCCESS]]"},
	)

	require.NoError(t, f.agent.HandleMessage(context.Background(), "+525512345678", "confirmo el horario"))

	require.Len(t, f.messenger.sent, 2)
	assert.Equal(t, whatsapp.KindText, f.messenger.sent[0].Kind)
	assert.Equal(t, whatsapp.KindSticker, f.messenger.sent[1].Kind)

	sess, err := f.sessions.Get(context.Background(), "+525512345678")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestHandleMessageExitCommandSkipsModel(t *testing.T) {
	f := newAgentFixture(t)
	require.NoError(t, f.sessions.Put(context.Background(), &Session{
		Phone:   "+525512345678",
		History: []Turn{{Role: RoleUser, Text: "hola"}},
	}))

	require.NoError(t, f.agent.HandleMessage(context.Background(), "+525512345678", "Salir"))

	assert.Empty(t, f.chat.texts)
	require.Len(t, f.messenger.sent, 1)
	assert.Contains(t, f.messenger.sent[0].Body, "terminamos")

	sess, err := f.sessions.Get(context.Background(), "+525512345678")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestHandleMessageHelpCommandSkipsModel(t *testing.T) {
	f := newAgentFixture(t)

	require.NoError(t, f.agent.HandleMessage(context.Background(), "+52", "ayuda"))

	assert.Empty(t, f.chat.texts)
	require.Len(t, f.messenger.sent, 1)
	assert.Equal(t, helpMessage, f.messenger.sent[0].Body)
}

func TestHandleMessageFallbackApologyOnModelFailure(t *testing.T) {
	f := newAgentFixture(t)
	f.chat.err = assert.AnError

	require.NoError(t, f.agent.HandleMessage(context.Background(), "+52", "hola"))

	require.Len(t, f.messenger.sent, 1)
	assert.Equal(t, fallbackApology, f.messenger.sent[0].Body)
}

func TestHandleMessageReturnsErrorWithoutFallback(t *testing.T) {
	f := newAgentFixture(t)
	f.chat.err = assert.AnError
	f.agent.fallbackEnabled = false

	err := f.agent.HandleMessage(context.Background(), "+52", "hola")
	require.Error(t, err)
	assert.Empty(t, f.messenger.sent)
}

func TestHandleMessagePrimesChatWithHistory(t *testing.T) {
	f := newAgentFixture(t, &Reply{Text: "Claro, ¿qué día te acomoda?"})
	require.NoError(t, f.sessions.Put(context.Background(), &Session{
		Phone: "+525512345678",
		History: []Turn{
			{Role: RoleUser, Text: "quiero cita con la Dra. Pérez"},
			{Role: RoleModel, Text: "¿Qué día prefieres?"},
		},
	}))

	require.NoError(t, f.agent.HandleMessage(context.Background(), "+525512345678", "el martes"))

	require.Len(t, f.llm.histories, 1)
	require.Len(t, f.llm.histories[0], 2)
	assert.Equal(t, "quiero cita con la Dra. Pérez", f.llm.histories[0][0].Text)

	sess, err := f.sessions.Get(context.Background(), "+525512345678")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Len(t, sess.History, 4)
}

func TestHandleMessageCapsStoredHistory(t *testing.T) {
	f := newAgentFixture(t, &Reply{Text: "ok"})
	history := make([]Turn, 6)
	for i := range history {
		history[i] = Turn{Role: RoleUser, Text: "turno previo"}
	}
	require.NoError(t, f.sessions.Put(context.Background(), &Session{
		Phone: "+525512345678", History: history,
	}))

	require.NoError(t, f.agent.HandleMessage(context.Background(), "+525512345678", "otro"))

	sess, err := f.sessions.Get(context.Background(), "+525512345678")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Len(t, sess.History, 6)
	assert.Equal(t, "ok", sess.History[5].Text)
}
