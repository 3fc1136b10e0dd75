package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/citamed/citamed-platform/pkg/logging"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

// TwilioProvider sends through the Twilio Messages API. Interactive kinds the
// API cannot express natively are degraded to numbered text choices; templates
// map to content SIDs with numbered variables.
type TwilioProvider struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	client     *http.Client
	logger     *logging.Logger
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string // test override
	HTTPClient *http.Client
}

func NewTwilioProvider(cfg TwilioConfig, logger *logging.Logger) (*TwilioProvider, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, NewSendError(ErrNotConfigured, "twilio",
			errors.New("account sid, auth token and from number are required"))
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioProvider{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.FromNumber,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		client:     cfg.HTTPClient,
		logger:     logger.Component("whatsapp_twilio"),
	}, nil
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) Send(ctx context.Context, msg *Message) (string, error) {
	form, err := p.buildForm(msg)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", p.baseURL, p.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("whatsapp: build twilio request: %w", err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", NewSendError(ErrTransientNetwork, p.Name(), err)
	}
	defer resp.Body.Close()

	var decoded struct {
		SID     string `json:"sid"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode < 300 {
		return "", NewSendError(ErrPermanentUnknown, p.Name(),
			fmt.Errorf("decode twilio response: %w", err))
	}

	if resp.StatusCode >= 300 {
		return "", p.classify(resp.StatusCode, decoded.Code, decoded.Message)
	}
	if decoded.SID == "" {
		return "", NewSendError(ErrPermanentUnknown, p.Name(),
			errors.New("twilio response carried no message sid"))
	}
	return decoded.SID, nil
}

func (p *TwilioProvider) classify(status, code int, message string) error {
	detail := fmt.Errorf("http %d: code %d (%s)", status, code, message)
	kind := ErrPermanentUnknown
	switch code {
	case 20003:
		kind = ErrAuthExpired
	case 21211, 21614, 63003:
		kind = ErrChannelNotFound
	case 63016:
		kind = ErrOutsideSessionWindow
	case 20404, 63021:
		kind = ErrTemplateRejected
	case 20429:
		kind = ErrThrottled
	default:
		switch {
		case status == http.StatusUnauthorized:
			kind = ErrAuthExpired
		case status == http.StatusTooManyRequests:
			kind = ErrThrottled
		case status >= 500:
			kind = ErrTransientNetwork
		}
	}
	return NewSendError(kind, p.Name(), detail)
}

func (p *TwilioProvider) buildForm(msg *Message) (url.Values, error) {
	form := url.Values{}
	form.Set("From", "whatsapp:"+NormalizeE164(p.from))
	form.Set("To", "whatsapp:"+msg.To)

	switch msg.Kind {
	case KindText:
		form.Set("Body", msg.Body)
	case KindTemplate:
		form.Set("ContentSid", msg.Template.Name)
		if len(msg.Template.Params) > 0 {
			vars := make(map[string]string, len(msg.Template.Params))
			for i, v := range msg.Template.Params {
				vars[strconv.Itoa(i+1)] = v
			}
			encoded, err := json.Marshal(vars)
			if err != nil {
				return nil, fmt.Errorf("whatsapp: marshal content variables: %w", err)
			}
			form.Set("ContentVariables", string(encoded))
		}
	case KindButtons:
		var b strings.Builder
		b.WriteString(msg.Body)
		for i, btn := range msg.Buttons {
			fmt.Fprintf(&b, "\n%d. %s", i+1, btn.Title)
		}
		form.Set("Body", b.String())
	case KindList:
		var b strings.Builder
		b.WriteString(msg.Body)
		n := 0
		for _, s := range msg.Sections {
			if s.Title != "" {
				b.WriteString("\n\n*" + s.Title + "*")
			}
			for _, row := range s.Rows {
				n++
				fmt.Fprintf(&b, "\n%d. %s", n, row.Title)
			}
		}
		form.Set("Body", b.String())
	case KindLocation:
		form.Set("Body", fmt.Sprintf("%s\n%s\nhttps://maps.google.com/?q=%f,%f",
			msg.Location.Name, msg.Location.Address,
			msg.Location.Latitude, msg.Location.Longitude))
	case KindImage, KindSticker:
		form.Set("MediaUrl", msg.MediaURL)
		if msg.Body != "" {
			form.Set("Body", msg.Body)
		}
	default:
		return nil, fmt.Errorf("whatsapp: twilio provider cannot send kind %q", msg.Kind)
	}
	return form, nil
}
