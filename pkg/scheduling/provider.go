package scheduling

import (
	"context"
	"time"
)

// Slot is one bookable start time for an event type.
type Slot struct {
	Start         time.Time
	SchedulingURL string
	InviteesLeft  int
}

// EventType is one kind of appointment a tenant offers.
type EventType struct {
	URI      string
	Name     string
	Duration int
	Active   bool
}

// BookingRequest carries everything needed to create an appointment.
type BookingRequest struct {
	EventTypeURI string
	Start        time.Time
	FullName     string
	Email        string
	Phone        string
	Timezone     string
	Notes        string
}

// Booking is a confirmed appointment.
type Booking struct {
	URI           string
	Start         time.Time
	InviteeName   string
	InviteeEmail  string
	CancelURL     string
	RescheduleURL string
}

// Provider is the capability surface the tools layer books against.
type Provider interface {
	ListAvailableTimes(ctx context.Context, eventTypeURI string, daysAhead int) ([]Slot, error)
	ListEventTypes(ctx context.Context) ([]EventType, error)
	CreateBooking(ctx context.Context, req BookingRequest) (Booking, error)
	CancelBooking(ctx context.Context, bookingURI, reason string) error
}
