package model

import (
	"errors"
	"time"
)

// BookingStatus is the lifecycle state of a booking.  PENDING only exists
// in memory while a hold is being validated; it is never persisted.
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingHeld      BookingStatus = "HELD"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingExpired   BookingStatus = "EXPIRED"
)

// PaymentStatus tracks money independently of the booking status, since a
// payment can fail and be retried while the hold is still open.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// ErrInvalidTransition is returned when a booking cannot move from its
// current status to the requested one.
var ErrInvalidTransition = errors.New("invalid booking transition")

// Passenger is one traveller of a booking.  PriceAtBooking is the trip price
// captured when the hold was taken; it is never recomputed.
type Passenger struct {
	Name           string `json:"name"`             // booking_passengers.name
	Phone          string `json:"phone"`            // booking_passengers.phone
	SeatNumber     string `json:"seat_number"`      // booking_passengers.seat_number
	PriceAtBooking int64  `json:"price_at_booking"` // booking_passengers.price_at_booking
}

// Booking is the reservation record for one or more seats of a trip.
//
// Fields:
//
//	UserID           – owning account; nil for guest bookings.
//	TotalAmount      – sum of passenger prices at hold time, immutable once HELD.
//	HeldUntil        – hold deadline, set only while HELD.
//	TicketCode       – assigned at confirmation, globally unique.
//	PaymentOrderCode – gateway correlation id of the active payment link.
type Booking struct {
	ID               string        `json:"id"`
	TripID           uint64        `json:"trip_id"`
	CompanyID        uint64        `json:"company_id"`
	UserID           *uint64       `json:"user_id,omitempty"`
	ContactName      string        `json:"contact_name"`
	ContactPhone     string        `json:"contact_phone"`
	ContactEmail     string        `json:"contact_email"`
	Passengers       []Passenger   `json:"passengers"`
	TotalAmount      int64         `json:"total_amount"`
	Status           BookingStatus `json:"status"`
	HeldUntil        *time.Time    `json:"held_until,omitempty"`
	PaymentStatus    PaymentStatus `json:"payment_status"`
	TicketCode       string        `json:"ticket_code,omitempty"`
	PaymentOrderCode *int64        `json:"payment_order_code,omitempty"`
	PaymentMethod    string        `json:"payment_method,omitempty"`
	GatewayTxnRef    string        `json:"gateway_txn_ref,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// SeatNumbers returns the seats of the booking in passenger order.
func (b *Booking) SeatNumbers() []string {
	out := make([]string, 0, len(b.Passengers))
	for _, p := range b.Passengers {
		out = append(out, p.SeatNumber)
	}
	return out
}

// IsTerminal reports whether no further transition is possible except the
// CONFIRMED -> CANCELLED refund path.
func (b *Booking) IsTerminal() bool {
	switch b.Status {
	case BookingConfirmed, BookingCancelled, BookingExpired:
		return true
	}
	return false
}

// IsHoldExpired reports whether a HELD booking is past its deadline.
func (b *Booking) IsHoldExpired(now time.Time) bool {
	return b.Status == BookingHeld && b.HeldUntil != nil && !now.Before(*b.HeldUntil)
}

// Hold moves a PENDING booking to HELD with the given deadline.
func (b *Booking) Hold(now, until time.Time) error {
	if b.Status != BookingPending {
		return ErrInvalidTransition
	}
	u := until.UTC()
	b.Status = BookingHeld
	b.HeldUntil = &u
	b.PaymentStatus = PaymentPending
	b.CreatedAt = now
	b.UpdatedAt = now
	return nil
}

// Confirm moves a HELD booking to CONFIRMED and records the payment.
func (b *Booking) Confirm(now time.Time, method, txnRef, ticketCode string) error {
	if b.Status != BookingHeld {
		return ErrInvalidTransition
	}
	b.Status = BookingConfirmed
	b.PaymentStatus = PaymentPaid
	b.HeldUntil = nil
	b.PaymentMethod = method
	b.GatewayTxnRef = txnRef
	b.TicketCode = ticketCode
	b.UpdatedAt = now
	return nil
}

// Cancel moves a HELD or CONFIRMED booking to CANCELLED.
func (b *Booking) Cancel(now time.Time) error {
	if b.Status != BookingHeld && b.Status != BookingConfirmed {
		return ErrInvalidTransition
	}
	b.Status = BookingCancelled
	b.HeldUntil = nil
	b.UpdatedAt = now
	return nil
}

// Expire moves a HELD booking whose deadline has passed to EXPIRED.
func (b *Booking) Expire(now time.Time) error {
	if !b.IsHoldExpired(now) {
		return ErrInvalidTransition
	}
	b.Status = BookingExpired
	b.HeldUntil = nil
	b.UpdatedAt = now
	return nil
}

// Clone returns a deep copy of the booking.
func (b *Booking) Clone() *Booking {
	c := *b
	c.Passengers = append([]Passenger(nil), b.Passengers...)
	if b.UserID != nil {
		u := *b.UserID
		c.UserID = &u
	}
	if b.HeldUntil != nil {
		h := *b.HeldUntil
		c.HeldUntil = &h
	}
	if b.PaymentOrderCode != nil {
		o := *b.PaymentOrderCode
		c.PaymentOrderCode = &o
	}
	return &c
}
