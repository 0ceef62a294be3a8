/*
Package calendar creates meeting events for booked sessions.

IMPLEMENTATIONS:
  Client: JSON-over-HTTP calendar service (POST {base}/events)
  Static: no external service; deterministic meeting links (dev, tests)

Both satisfy marketplace.Calendar. The booking saga bounds every call with
its own timeout, so Client only sets a generous transport timeout.
*/
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/mentor-marketplace/marketplace"
)

// Client talks to an HTTP calendar service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a calendar service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type eventRequest struct {
	Summary   string   `json:"summary"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
	TimeZone  string   `json:"time_zone"`
	Attendees []string `json:"attendees"`
}

type eventResponse struct {
	EventID     string `json:"event_id"`
	MeetingLink string `json:"meeting_link"`
}

// CreateEvent creates the event and returns its id and meeting link.
func (c *Client) CreateEvent(ctx context.Context, ev marketplace.CalendarEvent) (marketplace.CalendarResult, error) {
	if c.baseURL == "" {
		return marketplace.CalendarResult{}, fmt.Errorf("calendar service base URL is not configured")
	}

	body, err := json.Marshal(eventRequest{
		Summary:   ev.Summary,
		Start:     ev.Start.Format(time.RFC3339),
		End:       ev.End.Format(time.RFC3339),
		TimeZone:  ev.Start.Location().String(),
		Attendees: ev.Attendees,
	})
	if err != nil {
		return marketplace.CalendarResult{}, fmt.Errorf("failed to encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return marketplace.CalendarResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return marketplace.CalendarResult{}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return marketplace.CalendarResult{}, fmt.Errorf("calendar service returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out eventResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return marketplace.CalendarResult{}, fmt.Errorf("failed to decode calendar response: %w", err)
	}
	if out.MeetingLink == "" {
		return marketplace.CalendarResult{}, fmt.Errorf("calendar service returned no meeting link")
	}
	return marketplace.CalendarResult{EventID: out.EventID, MeetingLink: out.MeetingLink}, nil
}

// Static returns a fresh meeting link under BaseURL for every event.
type Static struct {
	BaseURL string
}

func (s Static) CreateEvent(ctx context.Context, _ marketplace.CalendarEvent) (marketplace.CalendarResult, error) {
	if err := ctx.Err(); err != nil {
		return marketplace.CalendarResult{}, err
	}
	base := strings.TrimSuffix(s.BaseURL, "/")
	if base == "" {
		base = "https://meet.example.com"
	}
	id := uuid.NewString()
	return marketplace.CalendarResult{EventID: id, MeetingLink: base + "/" + id}, nil
}

var (
	_ marketplace.Calendar = (*Client)(nil)
	_ marketplace.Calendar = Static{}
)
