package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultCalendarBaseURL = "https://www.googleapis.com/calendar/v3"

// Event is the slice of a calendar event this service manages.
type Event struct {
	ID          string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
}

// Client talks to the Google Calendar events API on the doctor's primary
// calendar.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultCalendarBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

type eventPayload struct {
	Summary     string        `json:"summary"`
	Description string        `json:"description,omitempty"`
	Location    string        `json:"location,omitempty"`
	Start       eventDateTime `json:"start"`
	End         eventDateTime `json:"end"`
}

type eventDateTime struct {
	DateTime string `json:"dateTime"`
}

type eventResponse struct {
	ID string `json:"id"`
}

func (c *Client) CreateEvent(ctx context.Context, accessToken string, ev *Event) (string, error) {
	var decoded eventResponse
	err := c.do(ctx, accessToken, http.MethodPost, "/calendars/primary/events", ev, &decoded)
	if err != nil {
		return "", err
	}
	return decoded.ID, nil
}

func (c *Client) UpdateEvent(ctx context.Context, accessToken, eventID string, ev *Event) error {
	path := "/calendars/primary/events/" + eventID
	return c.do(ctx, accessToken, http.MethodPatch, path, ev, nil)
}

// DeleteEvent removes an event. A 404 or 410 means someone already deleted it
// on the calendar side, which is the outcome we wanted.
func (c *Client) DeleteEvent(ctx context.Context, accessToken, eventID string) error {
	path := "/calendars/primary/events/" + eventID
	err := c.do(ctx, accessToken, http.MethodDelete, path, nil, nil)
	var se *statusError
	if errors.As(err, &se) && (se.code == http.StatusNotFound || se.code == http.StatusGone) {
		return nil
	}
	return err
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("calendar: api returned http %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, accessToken, method, path string, ev *Event, out any) error {
	var body *bytes.Reader
	if ev != nil {
		payload := eventPayload{
			Summary:     ev.Summary,
			Description: ev.Description,
			Location:    ev.Location,
			Start:       eventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
			End:         eventDateTime{DateTime: ev.End.Format(time.RFC3339)},
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("calendar: marshal event: %w", err)
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("calendar: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if ev != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calendar: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(buf.String())}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("calendar: decode response: %w", err)
		}
	}
	return nil
}
