// Package queue defines message payloads exchanged over the message broker.
package queue

import (
	"time"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

// Routing keys of booking events on the booking exchange.
const (
	EventBookingConfirmed = "booking.confirmed"
	EventBookingCancelled = "booking.cancelled"
)

// BookingEvent is published after a booking was confirmed or cancelled.  It
// carries the full booking snapshot so the notification side never has to
// query the reservation database.
type BookingEvent struct {
	Event      string          `json:"event"`
	OccurredAt time.Time       `json:"occurred_at"`
	Booking    BookingSnapshot `json:"booking"`
}

// BookingSnapshot is the booking as it was committed.
type BookingSnapshot struct {
	ID            string            `json:"id"`
	TripID        uint64            `json:"trip_id"`
	CompanyID     uint64            `json:"company_id"`
	UserID        *uint64           `json:"user_id,omitempty"`
	ContactName   string            `json:"contact_name"`
	ContactPhone  string            `json:"contact_phone"`
	ContactEmail  string            `json:"contact_email,omitempty"`
	Passengers    []model.Passenger `json:"passengers"`
	TotalAmount   int64             `json:"total_amount"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	TicketCode    string            `json:"ticket_code,omitempty"`
	PaymentMethod string            `json:"payment_method,omitempty"`
}

// NewBookingEvent builds the event for b at time at.
func NewBookingEvent(event string, b *model.Booking, at time.Time) BookingEvent {
	return BookingEvent{
		Event:      event,
		OccurredAt: at.UTC(),
		Booking: BookingSnapshot{
			ID:            b.ID,
			TripID:        b.TripID,
			CompanyID:     b.CompanyID,
			UserID:        b.UserID,
			ContactName:   b.ContactName,
			ContactPhone:  b.ContactPhone,
			ContactEmail:  b.ContactEmail,
			Passengers:    append([]model.Passenger(nil), b.Passengers...),
			TotalAmount:   b.TotalAmount,
			Status:        string(b.Status),
			PaymentStatus: string(b.PaymentStatus),
			TicketCode:    b.TicketCode,
			PaymentMethod: b.PaymentMethod,
		},
	}
}
