package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sanavoice/sana/pkg/errorsx"
	"github.com/sanavoice/sana/pkg/resilience"
)

const (
	defaultCalendlyBaseURL = "https://api.calendly.com"
	maxWindowDays          = 7
	defaultTimezone        = "America/New_York"
)

// CalendlyClient talks to the Calendly v2 API. The authenticated user URI is
// resolved once and cached for the process lifetime; availability windows are
// always computed fresh per call so cached identity never staleness-poisons
// slot listings.
type CalendlyClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      resilience.RetryPolicy
	logger     *slog.Logger

	userOnce sync.Once
	userURI  string
	userErr  error
}

type CalendlyOption func(*CalendlyClient)

func WithCalendlyBaseURL(u string) CalendlyOption {
	return func(c *CalendlyClient) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithCalendlyHTTPClient(h *http.Client) CalendlyOption {
	return func(c *CalendlyClient) { c.httpClient = h }
}

func WithCalendlyRetry(p resilience.RetryPolicy) CalendlyOption {
	return func(c *CalendlyClient) { c.retry = p }
}

func NewCalendlyClient(token string, logger *slog.Logger, opts ...CalendlyOption) *CalendlyClient {
	c := &CalendlyClient{
		baseURL:    defaultCalendlyBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      resilience.NewRetryPolicy(2, 250*time.Millisecond),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UserURI returns the authenticated user's resource URI, fetching it on first
// use.
func (c *CalendlyClient) UserURI(ctx context.Context) (string, error) {
	c.userOnce.Do(func() {
		var out struct {
			Resource struct {
				URI string `json:"uri"`
			} `json:"resource"`
		}
		err := c.get(ctx, "/users/me", nil, &out)
		if err != nil {
			c.userErr = err
			return
		}
		c.userURI = out.Resource.URI
		c.logger.Debug("calendly_identity_resolved", "user_uri", c.userURI)
	})
	return c.userURI, c.userErr
}

// ListAvailableTimes fetches open slots for an event type. The window starts
// one minute from now (Calendly rejects start times in the past) and spans
// daysAhead days, capped at the API maximum of seven.
func (c *CalendlyClient) ListAvailableTimes(ctx context.Context, eventTypeURI string, daysAhead int) ([]Slot, error) {
	if daysAhead <= 0 || daysAhead > maxWindowDays {
		daysAhead = 6
	}
	start := time.Now().UTC().Add(time.Minute)
	end := start.Add(time.Duration(daysAhead) * 24 * time.Hour)

	q := url.Values{}
	q.Set("event_type", eventTypeURI)
	q.Set("start_time", start.Format(time.RFC3339))
	q.Set("end_time", end.Format(time.RFC3339))

	var out struct {
		Collection []struct {
			Status        string `json:"status"`
			StartTime     string `json:"start_time"`
			SchedulingURL string `json:"scheduling_url"`
			InviteesRem   int    `json:"invitees_remaining"`
		} `json:"collection"`
	}
	if err := c.get(ctx, "/event_type_available_times", q, &out); err != nil {
		return nil, err
	}

	slots := make([]Slot, 0, len(out.Collection))
	for _, item := range out.Collection {
		if item.Status != "" && item.Status != "available" {
			continue
		}
		t, err := time.Parse(time.RFC3339, item.StartTime)
		if err != nil {
			c.logger.Warn("calendly_slot_unparseable", "start_time", item.StartTime)
			continue
		}
		slots = append(slots, Slot{
			Start:         t,
			SchedulingURL: item.SchedulingURL,
			InviteesLeft:  item.InviteesRem,
		})
	}
	return slots, nil
}

// ListEventTypes fetches the active event types of the authenticated user.
func (c *CalendlyClient) ListEventTypes(ctx context.Context) ([]EventType, error) {
	userURI, err := c.UserURI(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("user", userURI)
	q.Set("active", "true")

	var out struct {
		Collection []struct {
			URI      string `json:"uri"`
			Name     string `json:"name"`
			Duration int    `json:"duration"`
			Active   bool   `json:"active"`
		} `json:"collection"`
	}
	if err := c.get(ctx, "/event_types", q, &out); err != nil {
		return nil, err
	}

	types := make([]EventType, 0, len(out.Collection))
	for _, item := range out.Collection {
		types = append(types, EventType{
			URI:      item.URI,
			Name:     item.Name,
			Duration: item.Duration,
			Active:   item.Active,
		})
	}
	return types, nil
}

// CreateBooking books a slot for the caller. Cancel and reschedule URLs come
// back verbatim from the API so downstream text can hand them to the caller.
func (c *CalendlyClient) CreateBooking(ctx context.Context, req BookingRequest) (Booking, error) {
	tz := req.Timezone
	if tz == "" {
		tz = defaultTimezone
	}

	payload := map[string]any{
		"event_type": req.EventTypeURI,
		"start_time": req.Start.UTC().Format(time.RFC3339),
		"invitee": map[string]any{
			"name":     req.FullName,
			"email":    req.Email,
			"timezone": tz,
		},
	}
	if req.Phone != "" {
		payload["text_reminder_number"] = req.Phone
	}
	if req.Notes != "" {
		payload["questions_and_answers"] = []map[string]string{
			{"question": "Notes", "answer": req.Notes},
		}
	}

	var out struct {
		Resource struct {
			URI           string `json:"uri"`
			Name          string `json:"name"`
			Email         string `json:"email"`
			CancelURL     string `json:"cancel_url"`
			RescheduleURL string `json:"reschedule_url"`
			Event         struct {
				StartTime string `json:"start_time"`
			} `json:"event"`
		} `json:"resource"`
	}
	if err := c.post(ctx, "/invitees", payload, &out); err != nil {
		return Booking{}, err
	}

	booked := Booking{
		URI:           out.Resource.URI,
		Start:         req.Start,
		InviteeName:   out.Resource.Name,
		InviteeEmail:  out.Resource.Email,
		CancelURL:     out.Resource.CancelURL,
		RescheduleURL: out.Resource.RescheduleURL,
	}
	if t, err := time.Parse(time.RFC3339, out.Resource.Event.StartTime); err == nil {
		booked.Start = t
	}
	c.logger.Info("calendly_booking_created", "uri", booked.URI, "start", booked.Start)
	return booked, nil
}

// CancelBooking cancels an existing invitee booking by its resource URI.
func (c *CalendlyClient) CancelBooking(ctx context.Context, bookingURI, reason string) error {
	path := "/cancellation"
	if strings.HasPrefix(bookingURI, "http") {
		u, err := url.Parse(bookingURI)
		if err != nil {
			return errorsx.Wrap(fmt.Errorf("parse booking uri: %w", err), errorsx.ReasonSchedulerRequest)
		}
		path = u.Path + "/cancellation"
	} else {
		path = strings.TrimRight(bookingURI, "/") + "/cancellation"
	}

	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	return c.post(ctx, path, payload, nil)
}

func (c *CalendlyClient) get(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, q, nil, out)
}

func (c *CalendlyClient) post(ctx context.Context, path string, payload, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, payload, out)
}

func (c *CalendlyClient) do(ctx context.Context, method, path string, q url.Values, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return errorsx.Wrap(fmt.Errorf("marshal request: %w", err), errorsx.ReasonSchedulerRequest)
		}
	}

	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var lastStatus int
	err := c.retry.Do(func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		lastStatus = resp.StatusCode
		if resp.StatusCode >= 500 {
			return fmt.Errorf("calendly %s %s: status %d", method, path, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return resilience.Permanent(fmt.Errorf("calendly %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data))))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resilience.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}

	switch {
	case lastStatus == http.StatusUnauthorized || lastStatus == http.StatusForbidden:
		return errorsx.Wrap(err, errorsx.ReasonSchedulerAuth)
	case lastStatus >= 400 && lastStatus < 500:
		return errorsx.Wrap(err, errorsx.ReasonSchedulerDeclined)
	default:
		return errorsx.Wrap(err, errorsx.ReasonSchedulerRequest)
	}
}
