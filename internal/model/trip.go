package model

import (
	"errors"
	"sort"
	"time"
)

// TripStatus is the operational state of a scheduled trip.
type TripStatus string

const (
	TripScheduled TripStatus = "SCHEDULED"
	TripDeparted  TripStatus = "DEPARTED"
	TripArrived   TripStatus = "ARRIVED"
	TripCancelled TripStatus = "CANCELLED"
)

// SeatStatus is the availability of one seat on one trip.
type SeatStatus string

const (
	SeatAvailable SeatStatus = "AVAILABLE"
	SeatHeld      SeatStatus = "HELD"
	SeatBooked    SeatStatus = "BOOKED"
	// SeatLocked is set by trip management (driver seat, broken seat) and is
	// never touched by the reservation engine.
	SeatLocked SeatStatus = "LOCKED"
)

// ErrSeatNotOwned is returned by Commit when a seat is not held or booked by
// the committing booking.
var ErrSeatNotOwned = errors.New("seat not owned by booking")

// Seat is one entry of a trip's seat inventory.
//
// Fields:
//
//	SeatNumber – label printed on the vehicle layout (e.g. "A1").
//	Status     – AVAILABLE, HELD, BOOKED or LOCKED.
//	BookingRef – booking that owns the seat; empty when AVAILABLE.
type Seat struct {
	SeatNumber string     `json:"seat_number"` // trip_seats.seat_number
	Status     SeatStatus `json:"status"`      // trip_seats.status
	BookingRef string     `json:"-"`           // trip_seats.booking_id (nullable)
}

// Trip is a scheduled run of a vehicle along a route.  It owns the seat
// inventory; AvailableSeatsCount is a cache of the seat array and is
// recomputed after every mutation.
type Trip struct {
	ID                  uint64     `json:"id"`
	CompanyID           uint64     `json:"company_id"`
	VehicleID           uint64     `json:"vehicle_id"`
	FromLocationID      uint64     `json:"from_location_id"`
	ToLocationID        uint64     `json:"to_location_id"`
	Stops               []string   `json:"stops,omitempty"`
	DepartureAt         time.Time  `json:"departure_at"`
	ArrivalAt           time.Time  `json:"arrival_at"`
	Price               int64      `json:"price"`
	Status              TripStatus `json:"status"`
	Seats               []Seat     `json:"seats"`
	AvailableSeatsCount int        `json:"available_seats_count"`
}

// SeatConflictError lists the requested seats that could not be reserved.
type SeatConflictError struct {
	Seats []string
}

func (e *SeatConflictError) Error() string {
	return "seats unavailable"
}

// seatIndex maps seat numbers to their position in t.Seats.
func (t *Trip) seatIndex() map[string]int {
	idx := make(map[string]int, len(t.Seats))
	for i, s := range t.Seats {
		idx[s.SeatNumber] = i
	}
	return idx
}

// Seat returns the seat with the given number.
func (t *Trip) Seat(number string) (Seat, bool) {
	for _, s := range t.Seats {
		if s.SeatNumber == number {
			return s, true
		}
	}
	return Seat{}, false
}

// UnavailableSeats returns the requested seats that are unknown or not
// AVAILABLE, in request order.
func (t *Trip) UnavailableSeats(numbers []string) []string {
	idx := t.seatIndex()
	var out []string
	for _, n := range numbers {
		i, ok := idx[n]
		if !ok || t.Seats[i].Status != SeatAvailable {
			out = append(out, n)
		}
	}
	return out
}

// TryReserve moves every requested seat from AVAILABLE to HELD for bookingID.
// It is all or nothing: when any seat is unavailable no seat is changed and a
// *SeatConflictError naming the offending seats is returned.
func (t *Trip) TryReserve(numbers []string, bookingID string) error {
	if conflicts := t.UnavailableSeats(numbers); len(conflicts) > 0 {
		return &SeatConflictError{Seats: conflicts}
	}
	idx := t.seatIndex()
	for _, n := range numbers {
		s := &t.Seats[idx[n]]
		s.Status = SeatHeld
		s.BookingRef = bookingID
	}
	t.recount()
	return nil
}

// Commit turns the booking's HELD seats into BOOKED.  Seats already BOOKED by
// the same booking are left as they are.
func (t *Trip) Commit(numbers []string, bookingID string) error {
	idx := t.seatIndex()
	for _, n := range numbers {
		i, ok := idx[n]
		if !ok || t.Seats[i].BookingRef != bookingID {
			return ErrSeatNotOwned
		}
		if st := t.Seats[i].Status; st != SeatHeld && st != SeatBooked {
			return ErrSeatNotOwned
		}
	}
	for _, n := range numbers {
		t.Seats[idx[n]].Status = SeatBooked
	}
	t.recount()
	return nil
}

// Release returns HELD or BOOKED seats to AVAILABLE and clears their owner.
// Seats owned by a different booking are skipped, so a stale seat list can
// never free someone else's seat.  Releasing twice is harmless.
func (t *Trip) Release(numbers []string, bookingID string) {
	idx := t.seatIndex()
	for _, n := range numbers {
		i, ok := idx[n]
		if !ok {
			continue
		}
		s := &t.Seats[i]
		if s.Status != SeatHeld && s.Status != SeatBooked {
			continue
		}
		if s.BookingRef != "" && s.BookingRef != bookingID {
			continue
		}
		s.Status = SeatAvailable
		s.BookingRef = ""
	}
	t.recount()
}

// ResetInventory frees every HELD or BOOKED seat.  Trip management calls it
// when a trip is cancelled; it is idempotent.
func (t *Trip) ResetInventory() {
	for i := range t.Seats {
		if t.Seats[i].Status == SeatHeld || t.Seats[i].Status == SeatBooked {
			t.Seats[i].Status = SeatAvailable
		}
		t.Seats[i].BookingRef = ""
	}
	t.recount()
}

// Recount refreshes AvailableSeatsCount from the seat array.  Loaders call it
// so a drifted stored counter never leaks out.
func (t *Trip) Recount() { t.recount() }

func (t *Trip) recount() {
	n := 0
	for _, s := range t.Seats {
		if s.Status == SeatAvailable {
			n++
		}
	}
	t.AvailableSeatsCount = n
}

// SeatsOwnedBy returns the seat numbers currently referencing bookingID,
// sorted.
func (t *Trip) SeatsOwnedBy(bookingID string) []string {
	var out []string
	for _, s := range t.Seats {
		if s.BookingRef == bookingID {
			out = append(out, s.SeatNumber)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of the trip.
func (t *Trip) Clone() *Trip {
	c := *t
	c.Seats = append([]Seat(nil), t.Seats...)
	c.Stops = append([]string(nil), t.Stops...)
	return &c
}
