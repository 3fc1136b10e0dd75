package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/citamed/citamed-platform/pkg/logging"
)

const defaultGraphBaseURL = "https://graph.facebook.com"

// MetaProvider sends through the WhatsApp Cloud API (Graph).
type MetaProvider struct {
	accessToken   string
	phoneNumberID string
	apiVersion    string
	baseURL       string
	client        *http.Client
	logger        *logging.Logger
}

type MetaConfig struct {
	AccessToken   string
	PhoneNumberID string
	APIVersion    string
	BaseURL       string // test override
	HTTPClient    *http.Client
}

func NewMetaProvider(cfg MetaConfig, logger *logging.Logger) (*MetaProvider, error) {
	if cfg.AccessToken == "" || cfg.PhoneNumberID == "" {
		return nil, NewSendError(ErrNotConfigured, "meta",
			errors.New("access token and phone number id are required"))
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v21.0"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGraphBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &MetaProvider{
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		apiVersion:    cfg.APIVersion,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		client:        cfg.HTTPClient,
		logger:        logger.Component("whatsapp_meta"),
	}, nil
}

func (p *MetaProvider) Name() string { return "meta" }

func (p *MetaProvider) Send(ctx context.Context, msg *Message) (string, error) {
	payload, err := p.buildPayload(msg)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("whatsapp: marshal graph payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", p.baseURL, p.apiVersion, p.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("whatsapp: build graph request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", NewSendError(ErrTransientNetwork, p.Name(), err)
	}
	defer resp.Body.Close()

	var decoded graphResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode < 300 {
		return "", NewSendError(ErrPermanentUnknown, p.Name(),
			fmt.Errorf("decode graph response: %w", err))
	}

	if resp.StatusCode >= 300 || decoded.Error != nil {
		return "", p.classify(resp, decoded.Error)
	}
	if len(decoded.Messages) == 0 {
		return "", NewSendError(ErrPermanentUnknown, p.Name(),
			errors.New("graph response carried no message id"))
	}
	return decoded.Messages[0].ID, nil
}

type graphResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *graphError `json:"error"`
}

type graphError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	ErrorData struct {
		Details string `json:"details"`
	} `json:"error_data"`
}

func (p *MetaProvider) classify(resp *http.Response, ge *graphError) error {
	wrap := func(kind ErrorKind) error {
		detail := fmt.Errorf("http %d", resp.StatusCode)
		if ge != nil {
			detail = fmt.Errorf("http %d: code %d (%s)", resp.StatusCode, ge.Code, ge.Message)
		}
		se := NewSendError(kind, p.Name(), detail)
		if kind == ErrThrottled {
			se.RetryAfter = retryAfterHeader(resp)
		}
		return se
	}

	if ge != nil {
		switch ge.Code {
		case 190:
			return wrap(ErrAuthExpired)
		case 131026, 131030:
			return wrap(ErrChannelNotFound)
		case 132000, 132001, 132012, 132015:
			return wrap(ErrTemplateRejected)
		case 131047:
			return wrap(ErrOutsideSessionWindow)
		case 4, 80007, 130429:
			return wrap(ErrThrottled)
		case 100:
			if ge.Subcode == 33 {
				return wrap(ErrChannelNotFound)
			}
		}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return wrap(ErrAuthExpired)
	case resp.StatusCode == http.StatusTooManyRequests:
		return wrap(ErrThrottled)
	case resp.StatusCode >= 500:
		return wrap(ErrTransientNetwork)
	}
	return wrap(ErrPermanentUnknown)
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	return 0
}

func (p *MetaProvider) buildPayload(msg *Message) (map[string]any, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                strings.TrimPrefix(msg.To, "+"),
	}
	switch msg.Kind {
	case KindText:
		payload["type"] = "text"
		payload["text"] = map[string]any{"body": msg.Body}
	case KindTemplate:
		components := []map[string]any{}
		if len(msg.Template.Params) > 0 {
			params := make([]map[string]any, 0, len(msg.Template.Params))
			for _, v := range msg.Template.Params {
				params = append(params, map[string]any{"type": "text", "text": v})
			}
			components = append(components, map[string]any{"type": "body", "parameters": params})
		}
		payload["type"] = "template"
		payload["template"] = map[string]any{
			"name":       msg.Template.Name,
			"language":   map[string]any{"code": msg.Template.Language},
			"components": components,
		}
	case KindButtons:
		buttons := make([]map[string]any, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			buttons = append(buttons, map[string]any{
				"type":  "reply",
				"reply": map[string]any{"id": b.ID, "title": TruncateButtonTitle(b.Title)},
			})
		}
		payload["type"] = "interactive"
		payload["interactive"] = map[string]any{
			"type":   "button",
			"body":   map[string]any{"text": msg.Body},
			"action": map[string]any{"buttons": buttons},
		}
	case KindList:
		sections := make([]map[string]any, 0, len(msg.Sections))
		for _, s := range msg.Sections {
			rows := make([]map[string]any, 0, len(s.Rows))
			for _, r := range s.Rows {
				row := map[string]any{"id": r.ID, "title": r.Title}
				if r.Description != "" {
					row["description"] = r.Description
				}
				rows = append(rows, row)
			}
			sections = append(sections, map[string]any{"title": s.Title, "rows": rows})
		}
		label := msg.ButtonLabel
		if label == "" {
			label = "Ver opciones"
		}
		payload["type"] = "interactive"
		payload["interactive"] = map[string]any{
			"type":   "list",
			"body":   map[string]any{"text": msg.Body},
			"action": map[string]any{"button": label, "sections": sections},
		}
	case KindLocation:
		payload["type"] = "location"
		payload["location"] = map[string]any{
			"latitude":  msg.Location.Latitude,
			"longitude": msg.Location.Longitude,
			"name":      msg.Location.Name,
			"address":   msg.Location.Address,
		}
	case KindImage:
		payload["type"] = "image"
		payload["image"] = map[string]any{"link": msg.MediaURL}
	case KindSticker:
		payload["type"] = "sticker"
		payload["sticker"] = map[string]any{"link": msg.MediaURL}
	default:
		return nil, fmt.Errorf("whatsapp: meta provider cannot send kind %q", msg.Kind)
	}
	return payload, nil
}
