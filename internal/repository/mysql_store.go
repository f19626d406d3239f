package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iliyamo/bus-seat-reservation/internal/database"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

// MySQLStore implements Store on top of the table repositories.
type MySQLStore struct {
	db       *sql.DB
	trips    *TripRepo
	bookings *BookingRepo
	payments *PaymentRepo
	users    *UserRepo
}

// NewMySQLStore wires the table repositories around one connection pool.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{
		db:       db,
		trips:    NewTripRepo(db),
		bookings: NewBookingRepo(db),
		payments: NewPaymentRepo(db),
		users:    NewUserRepo(db),
	}
}

// DB exposes the underlying *sql.DB for health checks.
func (s *MySQLStore) DB() *sql.DB { return s.db }

func (s *MySQLStore) GetTrip(ctx context.Context, tripID uint64) (*model.Trip, error) {
	return s.trips.GetByID(ctx, tripID)
}

func (s *MySQLStore) GetBooking(ctx context.Context, id string) (*model.Booking, error) {
	return s.bookings.GetByID(ctx, id)
}

func (s *MySQLStore) GetBookingByTicketCode(ctx context.Context, code string) (*model.Booking, error) {
	return s.bookings.GetByTicketCode(ctx, code)
}

func (s *MySQLStore) GetPayment(ctx context.Context, orderCode int64) (*model.PaymentTransaction, error) {
	return s.payments.GetByOrderCode(ctx, orderCode)
}

func (s *MySQLStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.bookings.ListExpiredHolds(ctx, now, limit)
}

func (s *MySQLStore) UserIDByEmail(ctx context.Context, email string) (uint64, error) {
	return s.users.ActiveIDByEmail(ctx, email)
}

func (s *MySQLStore) ListBookings(ctx context.Context, f BookingFilter) ([]*model.Booking, error) {
	return s.bookings.List(ctx, f)
}

// WithTx begins a transaction, runs fn and commits.  A deadlock or lock wait
// timeout anywhere in the unit of work is reported as ErrTxConflict.
func (s *MySQLStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&mysqlTx{tx: tx, s: s}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	committed = true
	return nil
}

func classify(err error) error {
	if database.IsTransient(err) {
		return fmt.Errorf("%w: %v", ErrTxConflict, err)
	}
	return err
}

type mysqlTx struct {
	tx *sql.Tx
	s  *MySQLStore
}

func (t *mysqlTx) LockTrip(ctx context.Context, tripID uint64) (*model.Trip, error) {
	return t.s.trips.LockTx(ctx, t.tx, tripID)
}

func (t *mysqlTx) SaveSeats(ctx context.Context, trip *model.Trip, seatNumbers []string) error {
	return t.s.trips.UpdateSeatsTx(ctx, t.tx, trip, seatNumbers)
}

func (t *mysqlTx) LockBooking(ctx context.Context, id string) (*model.Booking, error) {
	return t.s.bookings.LockTx(ctx, t.tx, id)
}

func (t *mysqlTx) InsertBooking(ctx context.Context, b *model.Booking) error {
	return t.s.bookings.CreateTx(ctx, t.tx, b)
}

func (t *mysqlTx) UpdateBooking(ctx context.Context, b *model.Booking) error {
	return t.s.bookings.UpdateTx(ctx, t.tx, b)
}

func (t *mysqlTx) TicketCodeExists(ctx context.Context, code string) (bool, error) {
	return t.s.bookings.TicketCodeExistsTx(ctx, t.tx, code)
}

func (t *mysqlTx) LockPayment(ctx context.Context, orderCode int64) (*model.PaymentTransaction, error) {
	return t.s.payments.LockTx(ctx, t.tx, orderCode)
}

func (t *mysqlTx) InsertPayment(ctx context.Context, p *model.PaymentTransaction) error {
	return t.s.payments.CreateTx(ctx, t.tx, p)
}

func (t *mysqlTx) UpdatePayment(ctx context.Context, p *model.PaymentTransaction) error {
	return t.s.payments.UpdateTx(ctx, t.tx, p)
}

func (t *mysqlTx) FailPendingPayments(ctx context.Context, bookingID string, now time.Time) error {
	return t.s.payments.FailPendingTx(ctx, t.tx, bookingID, now)
}
