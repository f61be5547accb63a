package scheduling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sanavoice/sana/pkg/errorsx"
	"github.com/sanavoice/sana/pkg/resilience"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.Handler) (*CalendlyClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewCalendlyClient("test-token", discardLogger(),
		WithCalendlyBaseURL(srv.URL),
		WithCalendlyRetry(resilience.NewRetryPolicy(2, time.Millisecond)),
	)
	return c, srv
}

func TestUserURIFetchedOnceAndCached(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Fatalf("missing bearer token, got %q", got)
		}
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"resource": map[string]any{"uri": "https://api.calendly.com/users/abc"},
		})
	}))

	for i := 0; i < 3; i++ {
		uri, err := c.UserURI(context.Background())
		if err != nil {
			t.Fatalf("UserURI: %v", err)
		}
		if uri != "https://api.calendly.com/users/abc" {
			t.Fatalf("unexpected uri %q", uri)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("identity must be fetched once, got %d calls", n)
	}
}

func TestListAvailableTimesWindowAndFiltering(t *testing.T) {
	before := time.Now().UTC()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("event_type") != "https://api.calendly.com/event_types/et1" {
			t.Fatalf("unexpected event_type %q", q.Get("event_type"))
		}
		start, err := time.Parse(time.RFC3339, q.Get("start_time"))
		if err != nil {
			t.Fatalf("start_time: %v", err)
		}
		end, err := time.Parse(time.RFC3339, q.Get("end_time"))
		if err != nil {
			t.Fatalf("end_time: %v", err)
		}
		if start.Before(before) {
			t.Fatalf("window must start in the future, got %v", start)
		}
		if got := end.Sub(start); got != 3*24*time.Hour {
			t.Fatalf("expected 3 day window, got %v", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"collection": []map[string]any{
				{"status": "available", "start_time": "2026-09-02T14:00:00Z", "scheduling_url": "https://calendly.com/s/1", "invitees_remaining": 1},
				{"status": "unavailable", "start_time": "2026-09-02T15:00:00Z"},
				{"status": "available", "start_time": "not-a-time"},
			},
		})
	}))

	slots, err := c.ListAvailableTimes(context.Background(), "https://api.calendly.com/event_types/et1", 3)
	if err != nil {
		t.Fatalf("ListAvailableTimes: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("expected 1 usable slot, got %d", len(slots))
	}
	if slots[0].SchedulingURL != "https://calendly.com/s/1" {
		t.Fatalf("unexpected slot %+v", slots[0])
	}
}

func TestListAvailableTimesCapsWindow(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		start, _ := time.Parse(time.RFC3339, q.Get("start_time"))
		end, _ := time.Parse(time.RFC3339, q.Get("end_time"))
		if got := end.Sub(start); got != 6*24*time.Hour {
			t.Fatalf("oversized request must fall back to 6 days, got %v", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"collection": []any{}})
	}))
	if _, err := c.ListAvailableTimes(context.Background(), "et", 30); err != nil {
		t.Fatalf("ListAvailableTimes: %v", err)
	}
}

func TestCreateBookingPayloadAndURLs(t *testing.T) {
	start := time.Date(2026, 9, 3, 14, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/invitees" {
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		invitee := body["invitee"].(map[string]any)
		if invitee["name"] != "Pat Doe" || invitee["email"] != "pat@example.com" {
			t.Fatalf("unexpected invitee %v", invitee)
		}
		if invitee["timezone"] != "America/Chicago" {
			t.Fatalf("unexpected timezone %v", invitee["timezone"])
		}
		if body["text_reminder_number"] != "+15550100" {
			t.Fatalf("unexpected reminder number %v", body["text_reminder_number"])
		}
		qa := body["questions_and_answers"].([]any)
		if len(qa) != 1 || qa[0].(map[string]any)["answer"] != "tooth pain" {
			t.Fatalf("unexpected questions_and_answers %v", qa)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"resource": map[string]any{
				"uri":            "https://api.calendly.com/invitees/inv1",
				"name":           "Pat Doe",
				"email":          "pat@example.com",
				"cancel_url":     "https://calendly.com/cancellations/inv1",
				"reschedule_url": "https://calendly.com/reschedulings/inv1",
				"event":          map[string]any{"start_time": start.Format(time.RFC3339)},
			},
		})
	}))

	booking, err := c.CreateBooking(context.Background(), BookingRequest{
		EventTypeURI: "https://api.calendly.com/event_types/et1",
		Start:        start,
		FullName:     "Pat Doe",
		Email:        "pat@example.com",
		Phone:        "+15550100",
		Timezone:     "America/Chicago",
		Notes:        "tooth pain",
	})
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}
	if booking.CancelURL != "https://calendly.com/cancellations/inv1" {
		t.Fatalf("cancel url must come back verbatim, got %q", booking.CancelURL)
	}
	if booking.RescheduleURL != "https://calendly.com/reschedulings/inv1" {
		t.Fatalf("reschedule url must come back verbatim, got %q", booking.RescheduleURL)
	}
	if !booking.Start.Equal(start) {
		t.Fatalf("unexpected start %v", booking.Start)
	}
}

func TestAuthErrorsCarryReason(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	_, err := c.ListAvailableTimes(context.Background(), "et", 3)
	if !errorsx.HasReason(err, errorsx.ReasonSchedulerAuth) {
		t.Fatalf("expected scheduler auth reason, got %v", err)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	_, err := c.CreateBooking(context.Background(), BookingRequest{Email: "a@b.c"})
	if !errorsx.HasReason(err, errorsx.ReasonSchedulerDeclined) {
		t.Fatalf("expected scheduler declined reason, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", n)
	}
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"collection": []any{}})
	}))
	if _, err := c.ListAvailableTimes(context.Background(), "et", 3); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestCancelBookingHitsCancellationEndpoint(t *testing.T) {
	var gotPath string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["reason"] != "caller requested" {
			t.Fatalf("unexpected reason %v", body["reason"])
		}
		w.WriteHeader(http.StatusCreated)
	}))
	err := c.CancelBooking(context.Background(), "https://api.calendly.com/invitees/inv1", "caller requested")
	if err != nil {
		t.Fatalf("CancelBooking: %v", err)
	}
	if gotPath != "/invitees/inv1/cancellation" {
		t.Fatalf("unexpected path %q", gotPath)
	}
}
