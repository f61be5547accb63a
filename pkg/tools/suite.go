package tools

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sanavoice/sana/pkg/persona"
	"github.com/sanavoice/sana/pkg/scheduling"
)

const (
	ToolGetAvailableSlots = "get_available_slots"
	ToolBookAppointment   = "book_appointment"
	ToolGetServiceTypes   = "get_service_types"
	ToolGetPracticeInfo   = "get_practice_info"

	defaultDaysAhead = 3
)

// Suite builds the appointment tools for one session. It carries per-session
// booking state: retried book_appointment calls with the same email and slot
// return the original confirmation instead of double-booking.
type Suite struct {
	provider scheduling.Provider
	bundle   persona.Bundle
	logger   *slog.Logger

	mu        sync.Mutex
	eventType string
	booked    map[uint64]string
}

func NewSuite(provider scheduling.Provider, bundle persona.Bundle, logger *slog.Logger) *Suite {
	return &Suite{
		provider: provider,
		bundle:   bundle,
		logger:   logger,
		booked:   make(map[uint64]string),
	}
}

// RegisterAll registers every tool the tenant enables.
func (s *Suite) RegisterAll(r *Registry) {
	for _, def := range s.definitions() {
		if s.bundle.ToolEnabled(def.Name) {
			r.Register(def)
		}
	}
}

func (s *Suite) definitions() []Definition {
	return []Definition{
		{
			Name:        ToolGetAvailableSlots,
			Description: "Look up open appointment times over the next few days.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"days_ahead": map[string]any{
						"type":        "integer",
						"description": "How many days ahead to search, between 1 and 7.",
					},
					"service": map[string]any{
						"type":        "string",
						"description": "Optional service name to match against appointment types.",
					},
				},
			},
			Handler: s.getAvailableSlots,
		},
		{
			Name:        ToolBookAppointment,
			Description: "Book an appointment once the caller has confirmed a specific time.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"full_name": map[string]any{
						"type":        "string",
						"description": "Caller's full name.",
					},
					"email": map[string]any{
						"type":        "string",
						"description": "Caller's email address for the confirmation.",
					},
					"iso_start_time": map[string]any{
						"type":        "string",
						"description": "Confirmed slot start time in RFC 3339 format.",
					},
					"phone": map[string]any{
						"type":        "string",
						"description": "Optional phone number for text reminders.",
					},
					"reason": map[string]any{
						"type":        "string",
						"description": "Optional reason for the visit.",
					},
				},
				"required": []string{"full_name", "email", "iso_start_time"},
			},
			Handler: s.bookAppointment,
		},
		{
			Name:        ToolGetServiceTypes,
			Description: "List the appointment types the practice offers.",
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: s.getServiceTypes,
		},
		{
			Name:        ToolGetPracticeInfo,
			Description: "Answer questions about the practice: hours, location, services, contact, insurance.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"category": map[string]any{
						"type":        "string",
						"description": "One of hours, location, services, contact, insurance.",
					},
				},
			},
			Handler: s.getPracticeInfo,
		},
	}
}

func (s *Suite) getAvailableSlots(ctx context.Context, args map[string]any) (string, error) {
	days := intArg(args, "days_ahead", defaultDaysAhead)
	service, _ := args["service"].(string)

	uri, err := s.resolveEventType(ctx, service)
	if err != nil {
		return "I couldn't reach the scheduling system just now.", err
	}
	slots, err := s.provider.ListAvailableTimes(ctx, uri, days)
	if err != nil {
		return "I couldn't look up available times just now.", err
	}
	return scheduling.FormatAvailableTimes(slots, s.bundle.Location()), nil
}

func (s *Suite) bookAppointment(ctx context.Context, args map[string]any) (string, error) {
	fullName, _ := args["full_name"].(string)
	email, _ := args["email"].(string)
	isoStart, _ := args["iso_start_time"].(string)
	phone, _ := args["phone"].(string)
	reason, _ := args["reason"].(string)

	start, err := time.Parse(time.RFC3339, isoStart)
	if err != nil {
		return "I couldn't understand that appointment time.", fmt.Errorf("parse iso_start_time: %w", err)
	}

	key := bookingKey(email, start)
	s.mu.Lock()
	if prior, seen := s.booked[key]; seen {
		s.mu.Unlock()
		s.logger.Info("booking_deduplicated", "email", email, "start", start)
		return prior, nil
	}
	s.mu.Unlock()

	uri, err := s.resolveEventType(ctx, "")
	if err != nil {
		return "I couldn't reach the scheduling system just now.", err
	}
	booking, err := s.provider.CreateBooking(ctx, scheduling.BookingRequest{
		EventTypeURI: uri,
		Start:        start,
		FullName:     fullName,
		Email:        email,
		Phone:        phone,
		Timezone:     s.bundle.Timezone,
		Notes:        reason,
	})
	if err != nil {
		return "I wasn't able to book that time.", err
	}

	local := booking.Start.In(s.bundle.Location())
	confirmation := fmt.Sprintf(
		"Booked %s for %s on %s at %s. A confirmation email is on its way to %s.",
		fullName, s.bundle.Info.Name,
		local.Format("Monday, January 2"), local.Format("3:04 PM"),
		email,
	)
	// The provider's links are passed through untouched; the email relies on
	// them being the exact URLs the provider issued.
	if booking.CancelURL != "" {
		confirmation += " Cancel link: " + booking.CancelURL
	}
	if booking.RescheduleURL != "" {
		confirmation += " Reschedule link: " + booking.RescheduleURL
	}
	s.mu.Lock()
	s.booked[key] = confirmation
	s.mu.Unlock()
	return confirmation, nil
}

func (s *Suite) getServiceTypes(ctx context.Context, _ map[string]any) (string, error) {
	types, err := s.provider.ListEventTypes(ctx)
	if err != nil {
		return "I couldn't look up our appointment types just now.", err
	}
	if len(types) == 0 {
		return "No appointment types are configured right now.", nil
	}
	parts := make([]string, 0, len(types))
	for _, et := range types {
		if !et.Active {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%d minutes)", et.Name, et.Duration))
	}
	return "We offer: " + strings.Join(parts, ", ") + ".", nil
}

func (s *Suite) getPracticeInfo(_ context.Context, args map[string]any) (string, error) {
	category, _ := args["category"].(string)
	info := s.bundle.Info

	switch strings.ToLower(strings.TrimSpace(category)) {
	case "hours":
		if len(info.OperatingHours) == 0 {
			break
		}
		return "Our hours are: " + formatHours(info.OperatingHours), nil
	case "location":
		if info.Address != "" {
			return "We're located at " + info.Address + ".", nil
		}
	case "services":
		if len(info.Services) > 0 {
			return "We offer " + strings.Join(info.Services, ", ") + ".", nil
		}
	case "contact":
		if info.Phone != "" {
			return "You can reach us at " + info.Phone + ".", nil
		}
	case "insurance":
		if info.Insurance != "" {
			return info.Insurance, nil
		}
	}

	// Unknown category or missing field: answer with everything we know
	// rather than refusing.
	var parts []string
	if info.Name != "" {
		parts = append(parts, info.Name)
	}
	if info.Address != "" {
		parts = append(parts, "located at "+info.Address)
	}
	if info.Phone != "" {
		parts = append(parts, "phone "+info.Phone)
	}
	if len(info.OperatingHours) > 0 {
		parts = append(parts, "hours: "+formatHours(info.OperatingHours))
	}
	if len(info.Services) > 0 {
		parts = append(parts, "services: "+strings.Join(info.Services, ", "))
	}
	if info.AdditionalDetails != "" {
		parts = append(parts, info.AdditionalDetails)
	}
	if len(parts) == 0 {
		return "I don't have that information on hand.", nil
	}
	return strings.Join(parts, ". ") + ".", nil
}

func (s *Suite) resolveEventType(ctx context.Context, service string) (string, error) {
	s.mu.Lock()
	cached := s.eventType
	s.mu.Unlock()
	if cached != "" && service == "" {
		return cached, nil
	}

	types, err := s.provider.ListEventTypes(ctx)
	if err != nil {
		return "", err
	}
	var fallback string
	for _, et := range types {
		if !et.Active {
			continue
		}
		if fallback == "" {
			fallback = et.URI
		}
		if service != "" && strings.Contains(strings.ToLower(et.Name), strings.ToLower(service)) {
			return et.URI, nil
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("no active event types")
	}
	s.mu.Lock()
	s.eventType = fallback
	s.mu.Unlock()
	return fallback, nil
}

func bookingKey(email string, start time.Time) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	h.Write([]byte{'|'})
	h.Write([]byte(start.UTC().Format(time.RFC3339)))
	return h.Sum64()
}

func formatHours(hours map[string]string) string {
	order := []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}
	var parts []string
	for _, day := range order {
		if v, ok := hours[day]; ok {
			parts = append(parts, capitalize(day)+" "+v)
		}
	}
	if len(parts) == 0 {
		for day, v := range hours {
			parts = append(parts, day+" "+v)
		}
	}
	return strings.Join(parts, ", ") + "."
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func intArg(args map[string]any, name string, fallback int) int {
	switch v := args[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
