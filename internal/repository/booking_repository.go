package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/bus-seat-reservation/internal/database"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

// BookingRepo provides persistence for bookings and their passengers.  The
// passengers of a booking are stored in booking_passengers and are written
// once, when the hold is created.  All timestamps are stored in UTC.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a new BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

const bookingColumns = `id, trip_id, company_id, user_id, contact_name, contact_phone, contact_email,
                        total_amount, status, held_until, payment_status, ticket_code,
                        payment_order_code, payment_method, gateway_txn_ref, created_at, updated_at`

// GetByID loads a booking and its passengers.  ErrNotFound is returned when
// no booking has the id.
func (r *BookingRepo) GetByID(ctx context.Context, id string) (*model.Booking, error) {
	return r.loadWhere(ctx, r.db, `id = ?`, id, false)
}

// GetByTicketCode loads a confirmed booking by its ticket code.
func (r *BookingRepo) GetByTicketCode(ctx context.Context, code string) (*model.Booking, error) {
	return r.loadWhere(ctx, r.db, `ticket_code = ?`, code, false)
}

// LockTx loads a booking inside tx and locks its row until the transaction
// ends.
func (r *BookingRepo) LockTx(ctx context.Context, tx *sql.Tx, id string) (*model.Booking, error) {
	return r.loadWhere(ctx, tx, `id = ?`, id, true)
}

func (r *BookingRepo) loadWhere(ctx context.Context, q queryer, where string, arg interface{}, forUpdate bool) (*model.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + where
	if forUpdate {
		query += ` FOR UPDATE`
	}
	b, err := scanBooking(q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		`SELECT name, phone, seat_number, price_at_booking FROM booking_passengers WHERE booking_id = ? ORDER BY position`,
		b.ID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p model.Passenger
		var phone sql.NullString
		if err := rows.Scan(&p.Name, &phone, &p.SeatNumber, &p.PriceAtBooking); err != nil {
			return nil, err
		}
		p.Phone = phone.String
		b.Passengers = append(b.Passengers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

func scanBooking(row *sql.Row) (*model.Booking, error) {
	var (
		b         model.Booking
		userID    sql.NullInt64
		email     sql.NullString
		heldUntil sql.NullTime
		code      sql.NullString
		orderCode sql.NullInt64
		method    sql.NullString
		txnRef    sql.NullString
	)
	err := row.Scan(
		&b.ID, &b.TripID, &b.CompanyID, &userID, &b.ContactName, &b.ContactPhone, &email,
		&b.TotalAmount, &b.Status, &heldUntil, &b.PaymentStatus, &code,
		&orderCode, &method, &txnRef, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		uid := uint64(userID.Int64)
		b.UserID = &uid
	}
	if heldUntil.Valid {
		h := heldUntil.Time.UTC()
		b.HeldUntil = &h
	}
	if orderCode.Valid {
		oc := orderCode.Int64
		b.PaymentOrderCode = &oc
	}
	b.ContactEmail = email.String
	b.TicketCode = code.String
	b.PaymentMethod = method.String
	b.GatewayTxnRef = txnRef.String
	return &b, nil
}

// CreateTx inserts a booking and its passengers within tx.
func (r *BookingRepo) CreateTx(ctx context.Context, tx *sql.Tx, b *model.Booking) error {
	const q = `INSERT INTO bookings (id, trip_id, company_id, user_id, contact_name, contact_phone, contact_email,
                                     total_amount, status, held_until, payment_status, created_at, updated_at)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q,
		b.ID, b.TripID, b.CompanyID, nullUint(b.UserID), b.ContactName, b.ContactPhone, nullStr(b.ContactEmail),
		b.TotalAmount, b.Status, nullTime(b.HeldUntil), b.PaymentStatus, b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
	); err != nil {
		return err
	}
	if len(b.Passengers) == 0 {
		return nil
	}
	query := `INSERT INTO booking_passengers (booking_id, position, name, phone, seat_number, price_at_booking) VALUES `
	args := make([]interface{}, 0, len(b.Passengers)*6)
	for i, p := range b.Passengers {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?, ?)"
		args = append(args, b.ID, i, p.Name, nullStr(p.Phone), p.SeatNumber, p.PriceAtBooking)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpdateTx writes the mutable columns of a booking within tx.  Passengers
// and amounts never change after the hold and are not rewritten.
func (r *BookingRepo) UpdateTx(ctx context.Context, tx *sql.Tx, b *model.Booking) error {
	const q = `UPDATE bookings
               SET user_id = ?, status = ?, held_until = ?, payment_status = ?, ticket_code = ?,
                   payment_order_code = ?, payment_method = ?, gateway_txn_ref = ?, updated_at = ?
               WHERE id = ?`
	res, err := tx.ExecContext(ctx, q,
		nullUint(b.UserID), b.Status, nullTime(b.HeldUntil), b.PaymentStatus, nullStr(b.TicketCode),
		nullInt(b.PaymentOrderCode), nullStr(b.PaymentMethod), nullStr(b.GatewayTxnRef), b.UpdatedAt.UTC(),
		b.ID,
	)
	if err != nil {
		if database.IsDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// TicketCodeExistsTx reports whether a booking already carries the code.
func (r *BookingRepo) TicketCodeExistsTx(ctx context.Context, tx *sql.Tx, code string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM bookings WHERE ticket_code = ? LIMIT 1`, code).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListExpiredHolds returns ids of HELD bookings whose hold deadline is at or
// before now, oldest first.
func (r *BookingRepo) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM bookings WHERE status = ? AND held_until <= ? ORDER BY held_until LIMIT ?`,
		model.BookingHeld, now.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List returns the bookings matching f, newest first, with passengers.
func (r *BookingRepo) List(ctx context.Context, f BookingFilter) ([]*model.Booking, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	if f.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.TripID != nil {
		where = append(where, "trip_id = ?")
		args = append(args, *f.TripID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	args = append(args, f.limit())
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM bookings WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC, id LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*model.Booking, 0, len(ids))
	for _, id := range ids {
		b, err := r.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Deleted between the two reads.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullUint(v *uint64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
