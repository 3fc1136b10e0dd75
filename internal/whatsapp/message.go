package whatsapp

import "fmt"

// Kind identifies a message capability. Providers may support a subset.
type Kind string

const (
	KindText     Kind = "text"
	KindTemplate Kind = "template"
	KindButtons  Kind = "buttons"
	KindList     Kind = "list"
	KindLocation Kind = "location"
	KindImage    Kind = "image"
	KindSticker  Kind = "sticker"
)

const (
	maxButtons        = 3
	maxButtonTitleLen = 20
	maxListTitleLen   = 24
)

// Button is one interactive reply button with a stable id.
type Button struct {
	ID    string
	Title string
}

// ListRow is one selectable row inside a list section.
type ListRow struct {
	ID          string
	Title       string
	Description string
}

// ListSection groups rows under an optional header.
type ListSection struct {
	Title string
	Rows  []ListRow
}

// Template references a pre-approved message with ordered parameters.
type Template struct {
	Name     string
	Language string
	Params   []string
}

// Location is a structured place payload.
type Location struct {
	Name      string
	Address   string
	Latitude  float64
	Longitude float64
}

// Message is a provider-agnostic outbound message.
type Message struct {
	To          string
	Kind        Kind
	Body        string
	Buttons     []Button
	ButtonLabel string // list-open button text
	Sections    []ListSection
	Template    *Template
	Location    *Location
	MediaURL    string
}

// Validate checks the capability constraints shared by all providers.
func (m *Message) Validate() error {
	if m.To == "" {
		return fmt.Errorf("whatsapp: message recipient required")
	}
	switch m.Kind {
	case KindText:
		if m.Body == "" {
			return fmt.Errorf("whatsapp: text body required")
		}
	case KindTemplate:
		if m.Template == nil || m.Template.Name == "" {
			return fmt.Errorf("whatsapp: template name required")
		}
	case KindButtons:
		if len(m.Buttons) == 0 || len(m.Buttons) > maxButtons {
			return fmt.Errorf("whatsapp: buttons message needs 1-%d buttons", maxButtons)
		}
		for _, b := range m.Buttons {
			if b.ID == "" {
				return fmt.Errorf("whatsapp: button id required")
			}
			if len([]rune(b.Title)) > maxButtonTitleLen {
				return fmt.Errorf("whatsapp: button title %q exceeds %d chars", b.Title, maxButtonTitleLen)
			}
		}
	case KindList:
		if len(m.Sections) == 0 {
			return fmt.Errorf("whatsapp: list message needs at least one section")
		}
		for _, s := range m.Sections {
			for _, row := range s.Rows {
				if row.ID == "" {
					return fmt.Errorf("whatsapp: list row id required")
				}
				if len([]rune(row.Title)) > maxListTitleLen {
					return fmt.Errorf("whatsapp: list row title %q exceeds %d chars", row.Title, maxListTitleLen)
				}
			}
		}
	case KindLocation:
		if m.Location == nil {
			return fmt.Errorf("whatsapp: location payload required")
		}
	case KindImage, KindSticker:
		if m.MediaURL == "" {
			return fmt.Errorf("whatsapp: media url required")
		}
	default:
		return fmt.Errorf("whatsapp: unknown message kind %q", m.Kind)
	}
	return nil
}

// TruncateButtonTitle trims a title to the provider limit without splitting
// runes mid-way.
func TruncateButtonTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= maxButtonTitleLen {
		return title
	}
	return string(runes[:maxButtonTitleLen])
}
