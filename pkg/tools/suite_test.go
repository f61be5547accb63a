package tools

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sanavoice/sana/pkg/persona"
	"github.com/sanavoice/sana/pkg/scheduling"
)

type fakeProvider struct {
	slots        []scheduling.Slot
	types        []scheduling.EventType
	listErr      error
	bookErr      error
	bookCalls    int32
	lastBooking  scheduling.BookingRequest
	cancelCalls  int32
	cancelledURI string
}

func (f *fakeProvider) ListAvailableTimes(_ context.Context, _ string, _ int) ([]scheduling.Slot, error) {
	return f.slots, f.listErr
}

func (f *fakeProvider) ListEventTypes(context.Context) ([]scheduling.EventType, error) {
	return f.types, nil
}

func (f *fakeProvider) CreateBooking(_ context.Context, req scheduling.BookingRequest) (scheduling.Booking, error) {
	atomic.AddInt32(&f.bookCalls, 1)
	f.lastBooking = req
	if f.bookErr != nil {
		return scheduling.Booking{}, f.bookErr
	}
	return scheduling.Booking{
		URI:           "https://api.calendly.com/invitees/inv1",
		Start:         req.Start,
		InviteeName:   req.FullName,
		InviteeEmail:  req.Email,
		CancelURL:     "https://calendly.com/cancellations/inv1",
		RescheduleURL: "https://calendly.com/reschedulings/inv1",
	}, nil
}

func (f *fakeProvider) CancelBooking(_ context.Context, uri, _ string) error {
	atomic.AddInt32(&f.cancelCalls, 1)
	f.cancelledURI = uri
	return nil
}

func testBundle() persona.Bundle {
	return persona.Bundle{
		TenantID:  "default",
		AgentName: "Sana",
		Timezone:  "UTC",
		Info: persona.PracticeInfo{
			Name:           "Bright Smiles Dental",
			Phone:          "+15550123",
			Address:        "12 Main St",
			OperatingHours: map[string]string{"monday": "9 AM to 5 PM"},
			Services:       []string{"cleaning", "whitening"},
			Insurance:      "We accept most major plans.",
		},
	}
}

func newSuiteRegistry(provider scheduling.Provider, bundle persona.Bundle) *Registry {
	r := NewRegistry(testLogger())
	NewSuite(provider, bundle, testLogger()).RegisterAll(r)
	return r
}

func defaultTypes() []scheduling.EventType {
	return []scheduling.EventType{
		{URI: "et-cleaning", Name: "Cleaning", Duration: 30, Active: true},
		{URI: "et-whitening", Name: "Whitening", Duration: 60, Active: true},
	}
}

func TestGetAvailableSlots(t *testing.T) {
	provider := &fakeProvider{
		types: defaultTypes(),
		slots: []scheduling.Slot{
			{Start: time.Date(2026, 9, 2, 14, 0, 0, 0, time.UTC)},
		},
	}
	r := newSuiteRegistry(provider, testBundle())
	res := r.Invoke(context.Background(), ToolGetAvailableSlots, map[string]any{"days_ahead": float64(3)})
	if !res.OK {
		t.Fatalf("invoke: %v", res.Err)
	}
	if !strings.Contains(res.Payload, "On Wednesday, September 2, I have 2 PM.") {
		t.Fatalf("unexpected payload %q", res.Payload)
	}
}

func TestGetAvailableSlotsProviderFailure(t *testing.T) {
	provider := &fakeProvider{types: defaultTypes(), listErr: errors.New("upstream down")}
	r := newSuiteRegistry(provider, testBundle())
	res := r.Invoke(context.Background(), ToolGetAvailableSlots, nil)
	if res.OK {
		t.Fatal("provider failure must not report success")
	}
	if res.Payload == "" {
		t.Fatal("failure must carry a spoken payload")
	}
}

func TestBookAppointment(t *testing.T) {
	provider := &fakeProvider{types: defaultTypes()}
	r := newSuiteRegistry(provider, testBundle())
	res := r.Invoke(context.Background(), ToolBookAppointment, map[string]any{
		"full_name":      "Pat Doe",
		"email":          "pat@example.com",
		"iso_start_time": "2026-09-02T14:00:00Z",
		"phone":          "+15550100",
		"reason":         "tooth pain",
	})
	if !res.OK {
		t.Fatalf("invoke: %v", res.Err)
	}
	if !strings.Contains(res.Payload, "Booked Pat Doe") {
		t.Fatalf("unexpected payload %q", res.Payload)
	}
	if provider.lastBooking.Phone != "+15550100" || provider.lastBooking.Notes != "tooth pain" {
		t.Fatalf("optional fields must flow through, got %+v", provider.lastBooking)
	}
}

func TestBookAppointmentSurfacesProviderLinks(t *testing.T) {
	provider := &fakeProvider{types: defaultTypes()}
	r := newSuiteRegistry(provider, testBundle())
	res := r.Invoke(context.Background(), ToolBookAppointment, map[string]any{
		"full_name":      "Pat Doe",
		"email":          "pat@example.com",
		"iso_start_time": "2026-09-02T14:00:00Z",
	})
	if !res.OK {
		t.Fatalf("invoke: %v", res.Err)
	}
	if !strings.Contains(res.Payload, "https://calendly.com/cancellations/inv1") {
		t.Fatalf("confirmation must carry the cancel link verbatim, got %q", res.Payload)
	}
	if !strings.Contains(res.Payload, "https://calendly.com/reschedulings/inv1") {
		t.Fatalf("confirmation must carry the reschedule link verbatim, got %q", res.Payload)
	}
}

func TestBookAppointmentRequiresEmail(t *testing.T) {
	provider := &fakeProvider{types: defaultTypes()}
	r := newSuiteRegistry(provider, testBundle())
	res := r.Invoke(context.Background(), ToolBookAppointment, map[string]any{
		"full_name":      "Pat Doe",
		"iso_start_time": "2026-09-02T14:00:00Z",
	})
	if res.OK {
		t.Fatal("booking without email must fail")
	}
	if n := atomic.LoadInt32(&provider.bookCalls); n != 0 {
		t.Fatalf("provider must not be called on validation failure, got %d calls", n)
	}
}

func TestBookAppointmentDeduplicatesRetries(t *testing.T) {
	provider := &fakeProvider{types: defaultTypes()}
	r := newSuiteRegistry(provider, testBundle())
	args := map[string]any{
		"full_name":      "Pat Doe",
		"email":          "Pat@Example.com",
		"iso_start_time": "2026-09-02T14:00:00Z",
	}
	first := r.Invoke(context.Background(), ToolBookAppointment, args)
	if !first.OK {
		t.Fatalf("first booking: %v", first.Err)
	}
	args["email"] = "pat@example.com"
	second := r.Invoke(context.Background(), ToolBookAppointment, args)
	if !second.OK {
		t.Fatalf("retried booking: %v", second.Err)
	}
	if second.Payload != first.Payload {
		t.Fatalf("retry must return the original confirmation: %q vs %q", second.Payload, first.Payload)
	}
	if n := atomic.LoadInt32(&provider.bookCalls); n != 1 {
		t.Fatalf("retry must not double-book, got %d provider calls", n)
	}
}

func TestBookAppointmentFailedAttemptIsNotRemembered(t *testing.T) {
	provider := &fakeProvider{types: defaultTypes(), bookErr: errors.New("conflict")}
	r := newSuiteRegistry(provider, testBundle())
	args := map[string]any{
		"full_name":      "Pat Doe",
		"email":          "pat@example.com",
		"iso_start_time": "2026-09-02T14:00:00Z",
	}
	if res := r.Invoke(context.Background(), ToolBookAppointment, args); res.OK {
		t.Fatal("failed booking must not report success")
	}
	provider.bookErr = nil
	if res := r.Invoke(context.Background(), ToolBookAppointment, args); !res.OK {
		t.Fatalf("retry after failure must reach the provider: %v", res.Err)
	}
	if n := atomic.LoadInt32(&provider.bookCalls); n != 2 {
		t.Fatalf("expected 2 provider calls, got %d", n)
	}
}

func TestGetServiceTypes(t *testing.T) {
	provider := &fakeProvider{types: defaultTypes()}
	r := newSuiteRegistry(provider, testBundle())
	res := r.Invoke(context.Background(), ToolGetServiceTypes, nil)
	if !res.OK {
		t.Fatalf("invoke: %v", res.Err)
	}
	if !strings.Contains(res.Payload, "Cleaning (30 minutes)") {
		t.Fatalf("unexpected payload %q", res.Payload)
	}
}

func TestGetPracticeInfoCategories(t *testing.T) {
	r := newSuiteRegistry(&fakeProvider{}, testBundle())
	cases := map[string]string{
		"hours":     "Monday 9 AM to 5 PM",
		"location":  "12 Main St",
		"contact":   "+15550123",
		"services":  "cleaning, whitening",
		"insurance": "We accept most major plans.",
	}
	for category, want := range cases {
		res := r.Invoke(context.Background(), ToolGetPracticeInfo, map[string]any{"category": category})
		if !res.OK {
			t.Fatalf("%s: %v", category, res.Err)
		}
		if !strings.Contains(res.Payload, want) {
			t.Fatalf("%s: payload %q missing %q", category, res.Payload, want)
		}
	}
}

func TestGetPracticeInfoUnknownCategoryFallsBack(t *testing.T) {
	r := newSuiteRegistry(&fakeProvider{}, testBundle())
	res := r.Invoke(context.Background(), ToolGetPracticeInfo, map[string]any{"category": "parking"})
	if !res.OK {
		t.Fatalf("invoke: %v", res.Err)
	}
	if !strings.Contains(res.Payload, "Bright Smiles Dental") {
		t.Fatalf("unknown category must fall back to the full summary, got %q", res.Payload)
	}
}

func TestRegisterAllHonorsEnabledTools(t *testing.T) {
	bundle := testBundle()
	bundle.EnabledTools = []string{ToolGetPracticeInfo}
	r := newSuiteRegistry(&fakeProvider{}, bundle)
	if got := r.Names(); len(got) != 1 || got[0] != ToolGetPracticeInfo {
		t.Fatalf("expected only %s, got %v", ToolGetPracticeInfo, got)
	}
}

func TestServiceMatchPicksEventType(t *testing.T) {
	provider := &fakeProvider{types: defaultTypes()}
	s := NewSuite(provider, testBundle(), testLogger())
	uri, err := s.resolveEventType(context.Background(), "whitening")
	if err != nil {
		t.Fatalf("resolveEventType: %v", err)
	}
	if uri != "et-whitening" {
		t.Fatalf("expected et-whitening, got %s", uri)
	}
}
