package model

import (
	"errors"
	"reflect"
	"testing"
)

func newTrip(seats ...string) *Trip {
	t := &Trip{ID: 1, Status: TripScheduled, Price: 100000}
	for _, n := range seats {
		t.Seats = append(t.Seats, Seat{SeatNumber: n, Status: SeatAvailable})
	}
	t.Recount()
	return t
}

func TestTryReserve_AllOrNothing(t *testing.T) {
	trip := newTrip("A1", "A2", "A3")
	if err := trip.TryReserve([]string{"A1"}, "x"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	err := trip.TryReserve([]string{"A1", "A2"}, "y")
	var conflict *SeatConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected SeatConflictError, got %v", err)
	}
	if !reflect.DeepEqual(conflict.Seats, []string{"A1"}) {
		t.Fatalf("conflict seats = %v, want [A1]", conflict.Seats)
	}
	if s, _ := trip.Seat("A2"); s.Status != SeatAvailable || s.BookingRef != "" {
		t.Fatalf("A2 mutated by failed reserve: %+v", s)
	}
	if trip.AvailableSeatsCount != 2 {
		t.Fatalf("available = %d, want 2", trip.AvailableSeatsCount)
	}
}

func TestTryReserve_UnknownSeatIsConflict(t *testing.T) {
	trip := newTrip("A1")
	err := trip.TryReserve([]string{"A1", "Z9"}, "x")
	var conflict *SeatConflictError
	if !errors.As(err, &conflict) || !reflect.DeepEqual(conflict.Seats, []string{"Z9"}) {
		t.Fatalf("expected conflict on Z9, got %v", err)
	}
}

func TestTryReserve_LockedSeat(t *testing.T) {
	trip := newTrip("A1", "A2")
	trip.Seats[1].Status = SeatLocked
	trip.Recount()
	if trip.AvailableSeatsCount != 1 {
		t.Fatalf("available = %d, want 1", trip.AvailableSeatsCount)
	}
	if err := trip.TryReserve([]string{"A2"}, "x"); err == nil {
		t.Fatalf("locked seat must not be reservable")
	}
}

func TestCommit_IdempotentForOwner(t *testing.T) {
	trip := newTrip("A1", "A2")
	if err := trip.TryReserve([]string{"A1", "A2"}, "x"); err != nil {
		t.Fatal(err)
	}
	if err := trip.Commit([]string{"A1", "A2"}, "x"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := trip.Commit([]string{"A1", "A2"}, "x"); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	for _, n := range []string{"A1", "A2"} {
		if s, _ := trip.Seat(n); s.Status != SeatBooked || s.BookingRef != "x" {
			t.Fatalf("seat %s = %+v", n, s)
		}
	}
	if trip.AvailableSeatsCount != 0 {
		t.Fatalf("available = %d, want 0", trip.AvailableSeatsCount)
	}
}

func TestCommit_RejectsForeignSeat(t *testing.T) {
	trip := newTrip("A1")
	if err := trip.TryReserve([]string{"A1"}, "x"); err != nil {
		t.Fatal(err)
	}
	if err := trip.Commit([]string{"A1"}, "y"); !errors.Is(err, ErrSeatNotOwned) {
		t.Fatalf("expected ErrSeatNotOwned, got %v", err)
	}
	if s, _ := trip.Seat("A1"); s.Status != SeatHeld {
		t.Fatalf("seat changed by rejected commit: %+v", s)
	}
}

func TestRelease_SkipsOtherOwnersAndIsIdempotent(t *testing.T) {
	trip := newTrip("A1", "A2")
	_ = trip.TryReserve([]string{"A1"}, "x")
	_ = trip.TryReserve([]string{"A2"}, "y")

	trip.Release([]string{"A1", "A2"}, "x")
	trip.Release([]string{"A1", "A2"}, "x")

	if s, _ := trip.Seat("A1"); s.Status != SeatAvailable || s.BookingRef != "" {
		t.Fatalf("A1 not released: %+v", s)
	}
	if s, _ := trip.Seat("A2"); s.Status != SeatHeld || s.BookingRef != "y" {
		t.Fatalf("A2 owned by y was released: %+v", s)
	}
	if trip.AvailableSeatsCount != 1 {
		t.Fatalf("available = %d, want 1", trip.AvailableSeatsCount)
	}
}

func TestResetInventory(t *testing.T) {
	trip := newTrip("A1", "A2", "A3")
	_ = trip.TryReserve([]string{"A1"}, "x")
	_ = trip.TryReserve([]string{"A2"}, "y")
	_ = trip.Commit([]string{"A2"}, "y")

	trip.ResetInventory()
	trip.ResetInventory()
	if trip.AvailableSeatsCount != 3 {
		t.Fatalf("available = %d, want 3", trip.AvailableSeatsCount)
	}
	if got := trip.SeatsOwnedBy("y"); len(got) != 0 {
		t.Fatalf("seats still owned after reset: %v", got)
	}
}

func TestRecountFixesDriftedCounter(t *testing.T) {
	trip := newTrip("A1", "A2")
	trip.AvailableSeatsCount = 17
	trip.Recount()
	if trip.AvailableSeatsCount != 2 {
		t.Fatalf("available = %d, want 2", trip.AvailableSeatsCount)
	}
}
