package repository

import (
	"context"
	"time"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

// Reader groups the non-locking reads used outside transactions: the seat
// map, lookups, the reclaimer scan and webhook pre-checks.
type Reader interface {
	GetTrip(ctx context.Context, tripID uint64) (*model.Trip, error)
	GetBooking(ctx context.Context, bookingID string) (*model.Booking, error)
	GetBookingByTicketCode(ctx context.Context, code string) (*model.Booking, error)
	GetPayment(ctx context.Context, orderCode int64) (*model.PaymentTransaction, error)
	// ListExpiredHolds returns ids of HELD bookings with held_until <= now,
	// oldest deadline first.
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]string, error)
	// UserIDByEmail resolves an active account by case-insensitive email.
	UserIDByEmail(ctx context.Context, email string) (uint64, error)
	// ListBookings returns the bookings matching f, newest first.
	ListBookings(ctx context.Context, f BookingFilter) ([]*model.Booking, error)
}

// BookingFilter selects bookings for the account and trip listings.  Nil
// fields do not filter.
type BookingFilter struct {
	UserID *uint64
	TripID *uint64
	Status model.BookingStatus // empty for any
	Limit  int
}

// DefaultListLimit caps listings that do not set a limit.
const DefaultListLimit = 100

func (f BookingFilter) limit() int {
	if f.Limit <= 0 || f.Limit > DefaultListLimit {
		return DefaultListLimit
	}
	return f.Limit
}

func (f BookingFilter) match(b *model.Booking) bool {
	if f.UserID != nil && (b.UserID == nil || *b.UserID != *f.UserID) {
		return false
	}
	if f.TripID != nil && b.TripID != *f.TripID {
		return false
	}
	return f.Status == "" || b.Status == f.Status
}

// Tx is a unit of work.  Lock* reads take row locks that are held until the
// transaction ends, so a value read through Tx cannot change underneath the
// caller.
type Tx interface {
	LockTrip(ctx context.Context, tripID uint64) (*model.Trip, error)
	// SaveSeats persists the given seats of the trip together with its
	// available seat count.
	SaveSeats(ctx context.Context, trip *model.Trip, seatNumbers []string) error

	LockBooking(ctx context.Context, bookingID string) (*model.Booking, error)
	InsertBooking(ctx context.Context, b *model.Booking) error
	UpdateBooking(ctx context.Context, b *model.Booking) error
	TicketCodeExists(ctx context.Context, code string) (bool, error)

	LockPayment(ctx context.Context, orderCode int64) (*model.PaymentTransaction, error)
	InsertPayment(ctx context.Context, p *model.PaymentTransaction) error
	UpdatePayment(ctx context.Context, p *model.PaymentTransaction) error
	// FailPendingPayments marks every PENDING transaction of the booking as
	// FAILED.
	FailPendingPayments(ctx context.Context, bookingID string, now time.Time) error
}

// Store is the persistence backend of the reservation core.
type Store interface {
	Reader
	// WithTx runs fn in a transaction.  The transaction commits when fn
	// returns nil and rolls back otherwise.  Lost races surface as
	// ErrTxConflict.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
