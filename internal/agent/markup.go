package agent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/citamed/citamed-platform/internal/whatsapp"
)

// successStickerURL is the celebration sticker sent for [[SUCCESS]].
const successStickerURL = "https://cdn.citamed.mx/stickers/cita-lista.webp"

var directivePattern = regexp.MustCompile(`\[\[\s*(LIST|BUTTONS|LOCATION|IMAGE|SUCCESS)\s*(?::([^\]]*))?\]\]`)

// RenderMarkup converts model output with inline directives into the ordered
// outbound messages it asks for. Text between directives becomes plain
// messages. Directives that fail to parse are dropped rather than leaking
// markup to the patient.
//
// Grammar:
//
//	[[LIST: body | button | title1:id1 | title2:id2 | ... ]]
//	[[BUTTONS: body | title1:id1 | title2:id2 | title3:id3 ]]
//	[[LOCATION: name | address | lat | lng ]]
//	[[IMAGE: url ]]
//	[[SUCCESS]]
func RenderMarkup(to, text string) []*whatsapp.Message {
	var out []*whatsapp.Message
	emitText := func(chunk string) {
		chunk = strings.TrimSpace(chunk)
		if chunk != "" {
			out = append(out, &whatsapp.Message{To: to, Kind: whatsapp.KindText, Body: chunk})
		}
	}

	last := 0
	for _, loc := range directivePattern.FindAllStringSubmatchIndex(text, -1) {
		emitText(text[last:loc[0]])
		last = loc[1]

		name := text[loc[2]:loc[3]]
		var payload string
		if loc[4] >= 0 {
			payload = text[loc[4]:loc[5]]
		}
		if msg := buildDirective(to, name, payload); msg != nil {
			out = append(out, msg)
		}
	}
	emitText(text[last:])
	return out
}

func buildDirective(to, name, payload string) *whatsapp.Message {
	fields := splitFields(payload)
	switch name {
	case "SUCCESS":
		return &whatsapp.Message{To: to, Kind: whatsapp.KindSticker, MediaURL: successStickerURL}
	case "IMAGE":
		if len(fields) != 1 || fields[0] == "" {
			return nil
		}
		return &whatsapp.Message{To: to, Kind: whatsapp.KindImage, MediaURL: fields[0]}
	case "LOCATION":
		if len(fields) != 4 {
			return nil
		}
		lat, latErr := strconv.ParseFloat(fields[2], 64)
		lng, lngErr := strconv.ParseFloat(fields[3], 64)
		if latErr != nil || lngErr != nil {
			return nil
		}
		return &whatsapp.Message{To: to, Kind: whatsapp.KindLocation, Location: &whatsapp.Location{
			Name: fields[0], Address: fields[1], Latitude: lat, Longitude: lng,
		}}
	case "BUTTONS":
		if len(fields) < 2 {
			return nil
		}
		buttons := make([]whatsapp.Button, 0, len(fields)-1)
		for _, f := range fields[1:] {
			title, id, ok := splitItem(f)
			if !ok {
				return nil
			}
			buttons = append(buttons, whatsapp.Button{ID: id, Title: whatsapp.TruncateButtonTitle(title)})
		}
		if len(buttons) > 3 {
			buttons = buttons[:3]
		}
		return &whatsapp.Message{To: to, Kind: whatsapp.KindButtons, Body: fields[0], Buttons: buttons}
	case "LIST":
		if len(fields) < 3 {
			return nil
		}
		rows := make([]whatsapp.ListRow, 0, len(fields)-2)
		for _, f := range fields[2:] {
			title, id, ok := splitItem(f)
			if !ok {
				return nil
			}
			if runes := []rune(title); len(runes) > 24 {
				title = string(runes[:24])
			}
			rows = append(rows, whatsapp.ListRow{ID: id, Title: title})
		}
		return &whatsapp.Message{
			To:          to,
			Kind:        whatsapp.KindList,
			Body:        fields[0],
			ButtonLabel: fields[1],
			Sections:    []whatsapp.ListSection{{Rows: rows}},
		}
	}
	return nil
}

func splitFields(payload string) []string {
	parts := strings.Split(payload, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	if len(out) == 1 && out[0] == "" {
		return nil
	}
	return out
}

// splitItem parses "title:id". Ids never contain colons, titles may, so the
// split happens at the last one.
func splitItem(item string) (title, id string, ok bool) {
	i := strings.LastIndexByte(item, ':')
	if i <= 0 || i == len(item)-1 {
		return "", "", false
	}
	return strings.TrimSpace(item[:i]), strings.TrimSpace(item[i+1:]), true
}
