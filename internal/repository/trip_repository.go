package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

// TripRepo reads trips and writes their seat inventory.  Trips themselves are
// created by trip management; the reservation core only changes seat rows
// and the cached available count.
type TripRepo struct {
	db *sql.DB
}

// NewTripRepo constructs a TripRepo given a DB handle.
func NewTripRepo(db *sql.DB) *TripRepo { return &TripRepo{db: db} }

const tripColumns = `id, company_id, vehicle_id, from_location_id, to_location_id, stops,
                     departure_at, arrival_at, price, status, available_seats_count`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// GetByID loads a trip with its seats.  It returns ErrNotFound when the trip
// does not exist.
func (r *TripRepo) GetByID(ctx context.Context, tripID uint64) (*model.Trip, error) {
	return r.load(ctx, r.db, tripID, false)
}

// LockTx loads a trip with its seats inside tx and locks the trip row and
// its seat rows with SELECT ... FOR UPDATE.  Two holds on the same trip
// serialize here, so the second one sees the seats the first one took.
func (r *TripRepo) LockTx(ctx context.Context, tx *sql.Tx, tripID uint64) (*model.Trip, error) {
	return r.load(ctx, tx, tripID, true)
}

func (r *TripRepo) load(ctx context.Context, q queryer, tripID uint64, forUpdate bool) (*model.Trip, error) {
	lock := ""
	if forUpdate {
		lock = " FOR UPDATE"
	}
	var t model.Trip
	var stops sql.NullString
	err := q.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = ?`+lock, tripID).Scan(
		&t.ID, &t.CompanyID, &t.VehicleID, &t.FromLocationID, &t.ToLocationID, &stops,
		&t.DepartureAt, &t.ArrivalAt, &t.Price, &t.Status, &t.AvailableSeatsCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if stops.Valid && stops.String != "" {
		if err := json.Unmarshal([]byte(stops.String), &t.Stops); err != nil {
			return nil, err
		}
	}

	// Seats are returned in layout order.
	rows, err := q.QueryContext(ctx,
		`SELECT seat_number, status, booking_id FROM trip_seats WHERE trip_id = ? ORDER BY position`+lock,
		tripID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s model.Seat
		var ref sql.NullString
		if err := rows.Scan(&s.SeatNumber, &s.Status, &ref); err != nil {
			return nil, err
		}
		s.BookingRef = ref.String
		t.Seats = append(t.Seats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	t.Recount()
	return &t, nil
}

// UpdateSeatsTx writes the status and owner of the named seats and the trip's
// available seat count within tx.  The caller must hold the trip lock.
func (r *TripRepo) UpdateSeatsTx(ctx context.Context, tx *sql.Tx, trip *model.Trip, seatNumbers []string) error {
	for _, n := range seatNumbers {
		s, ok := trip.Seat(n)
		if !ok {
			continue
		}
		var ref interface{}
		if s.BookingRef != "" {
			ref = s.BookingRef
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE trip_seats SET status = ?, booking_id = ? WHERE trip_id = ? AND seat_number = ?`,
			s.Status, ref, trip.ID, s.SeatNumber,
		); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE trips SET available_seats_count = ? WHERE id = ?`,
		trip.AvailableSeatsCount, trip.ID,
	)
	return err
}
