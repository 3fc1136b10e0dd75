package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTwilioForTest(t *testing.T, handler http.HandlerFunc) *TwilioProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewTwilioProvider(TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  "secret",
		FromNumber: "+15550001111",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	}, nil)
	require.NoError(t, err)
	return p
}

func TestTwilioSendTemplateForm(t *testing.T) {
	p := newTwilioForTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "whatsapp:+15550001111", r.PostForm.Get("From"))
		assert.Equal(t, "whatsapp:+525512345678", r.PostForm.Get("To"))
		assert.Equal(t, "HX1234", r.PostForm.Get("ContentSid"))

		var vars map[string]string
		require.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("ContentVariables")), &vars))
		assert.Equal(t, map[string]string{"1": "martes 11 de marzo", "2": "10:00"}, vars)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"sid": "SM42"})
	})

	id, err := p.Send(context.Background(), &Message{
		To:   "+525512345678",
		Kind: KindTemplate,
		Template: &Template{
			Name:     "HX1234",
			Language: "es_MX",
			Params:   []string{"martes 11 de marzo", "10:00"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "SM42", id)
}

func TestTwilioDegradesButtonsToNumberedText(t *testing.T) {
	p := newTwilioForTest(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		body := r.PostForm.Get("Body")
		assert.Contains(t, body, "¿Confirmas tu cita?")
		assert.Contains(t, body, "1. Confirmar")
		assert.Contains(t, body, "2. Cancelar")
		json.NewEncoder(w).Encode(map[string]string{"sid": "SM43"})
	})

	_, err := p.Send(context.Background(), &Message{
		To:   "+525512345678",
		Kind: KindButtons,
		Body: "¿Confirmas tu cita?",
		Buttons: []Button{
			{ID: "confirm_appointment_x", Title: "Confirmar"},
			{ID: "cancel_appointment_x", Title: "Cancelar"},
		},
	})
	require.NoError(t, err)
}

func TestTwilioClassifiesSessionWindow(t *testing.T) {
	p := newTwilioForTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"code": 63016, "message": "outside the allowed window", "status": 400,
		})
	})

	_, err := p.Send(context.Background(), &Message{
		To: "+525512345678", Kind: KindText, Body: "hola",
	})
	require.Error(t, err)
	assert.Equal(t, ErrOutsideSessionWindow, KindOf(err))
}
