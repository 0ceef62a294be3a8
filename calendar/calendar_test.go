package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/mentor-marketplace/marketplace"
)

func TestClient_CreateEvent(t *testing.T) {
	// GIVEN: a calendar service that echoes a meeting link
	var got eventRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(eventResponse{EventID: "evt-1", MeetingLink: "https://meet.example.com/abc"})
	}))
	defer srv.Close()

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	// WHEN: creating an event
	res, err := NewClient(srv.URL+"/", "secret").CreateEvent(context.Background(), marketplace.CalendarEvent{
		Summary:   "Mock interview",
		Start:     start,
		End:       start.Add(time.Hour),
		Attendees: []string{"s@example.com", "e@example.com"},
	})

	// THEN: the result carries the link and the request the event
	require.NoError(t, err)
	assert.Equal(t, "evt-1", res.EventID)
	assert.Equal(t, "https://meet.example.com/abc", res.MeetingLink)
	assert.Equal(t, "Mock interview", got.Summary)
	assert.Equal(t, "2026-03-10T10:00:00Z", got.Start)
	assert.Len(t, got.Attendees, 2)
}

func TestClient_ServerErrorIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").CreateEvent(context.Background(), marketplace.CalendarEvent{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestClient_MissingLinkIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(eventResponse{EventID: "evt-1"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").CreateEvent(context.Background(), marketplace.CalendarEvent{})
	assert.Error(t, err)
}

func TestStatic_UniqueLinks(t *testing.T) {
	cal := Static{BaseURL: "https://meet.test/"}
	a, err := cal.CreateEvent(context.Background(), marketplace.CalendarEvent{})
	require.NoError(t, err)
	b, err := cal.CreateEvent(context.Background(), marketplace.CalendarEvent{})
	require.NoError(t, err)

	assert.NotEqual(t, a.MeetingLink, b.MeetingLink)
	assert.Equal(t, "https://meet.test/"+a.EventID, a.MeetingLink)
}
