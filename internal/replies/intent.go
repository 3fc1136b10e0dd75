package replies

import "strings"

// Intent is what a free-text patient reply asks for.
type Intent string

const (
	IntentNone    Intent = "none"
	IntentConfirm Intent = "confirm"
	IntentCancel  Intent = "cancel"
)

// Token sets hold normalized (lowercase, accent-stripped) forms.
var confirmTokens = map[string]bool{
	"si": true, "confirmo": true, "confirmar": true,
	"confirmada": true, "confirmado": true, "claro": true, "ok": true,
	"okay": true, "va": true, "vale": true, "dale": true, "asistire": true,
	"yes": true, "confirm": true, "confirmed": true, "sure": true, "yep": true,
}

var cancelTokens = map[string]bool{
	"cancelar": true, "cancelo": true, "cancela": true, "cancelada": true,
	"cancelado": true, "cancelacion": true,
	"cancel": true, "cancelled": true, "canceled": true,
}

// Phrases that read as a cancellation even without a cancel verb.
var cancelPhrases = []string{
	"no puedo", "no podre", "no voy", "no asistire", "no llego",
	"can't make", "cannot make", "can't come", "cant make",
}

// DetectIntent classifies a short reply. Cancellation wins over confirmation
// when both appear ("si, cancelala"), and a nearby negation flips either
// token ("no confirmo", "no quiero cancelar" are neither).
func DetectIntent(text string) Intent {
	normalized := normalize(text)
	if normalized == "" {
		return IntentNone
	}

	for _, phrase := range cancelPhrases {
		if strings.Contains(normalized, normalize(phrase)) {
			return IntentCancel
		}
	}

	words := strings.Fields(normalized)
	confirmed := false
	for i, w := range words {
		if cancelTokens[w] && !negatedAt(words, i) {
			return IntentCancel
		}
		if confirmTokens[w] && !negatedAt(words, i) {
			confirmed = true
		}
	}
	if confirmed {
		return IntentConfirm
	}
	return IntentNone
}

var negationTokens = map[string]bool{
	"no": true, "not": true, "nunca": true, "tampoco": true,
	"don't": true, "dont": true,
}

// negatedAt looks at the two words before the token, enough to cover the
// common "no quiero cancelar" shape without reaching across the sentence.
func negatedAt(words []string, i int) bool {
	for j := i - 1; j >= 0 && j >= i-2; j-- {
		if negationTokens[words[j]] {
			return true
		}
	}
	return false
}

func normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	var b strings.Builder
	for _, r := range text {
		switch r {
		case 'á':
			r = 'a'
		case 'é':
			r = 'e'
		case 'í':
			r = 'i'
		case 'ó':
			r = 'o'
		case 'ú', 'ü':
			r = 'u'
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == 'ñ', r == '\'':
			b.WriteRune(r)
		case r == ',' || r == '.' || r == '!' || r == '?':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
