package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/bus-seat-reservation/internal/database"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

// PaymentRepo stores payment transactions keyed by the gateway order code.
type PaymentRepo struct {
	db *sql.DB
}

// NewPaymentRepo returns a new PaymentRepo bound to the given database.
func NewPaymentRepo(db *sql.DB) *PaymentRepo { return &PaymentRepo{db: db} }

const paymentSelect = `SELECT order_code, booking_id, amount, status, reference, raw_payload, created_at, updated_at
                       FROM payment_transactions WHERE order_code = ?`

// GetByOrderCode returns the transaction with the given order code or
// ErrNotFound.
func (r *PaymentRepo) GetByOrderCode(ctx context.Context, orderCode int64) (*model.PaymentTransaction, error) {
	return scanPayment(r.db.QueryRowContext(ctx, paymentSelect, orderCode))
}

// LockTx is GetByOrderCode with a row lock held until tx ends.
func (r *PaymentRepo) LockTx(ctx context.Context, tx *sql.Tx, orderCode int64) (*model.PaymentTransaction, error) {
	return scanPayment(tx.QueryRowContext(ctx, paymentSelect+` FOR UPDATE`, orderCode))
}

func scanPayment(row *sql.Row) (*model.PaymentTransaction, error) {
	var p model.PaymentTransaction
	var ref sql.NullString
	err := row.Scan(&p.OrderCode, &p.BookingID, &p.Amount, &p.Status, &ref, &p.RawPayload, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Reference = ref.String
	return &p, nil
}

// CreateTx inserts a new transaction.  ErrDuplicate is returned when the
// order code is already used.
func (r *PaymentRepo) CreateTx(ctx context.Context, tx *sql.Tx, p *model.PaymentTransaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO payment_transactions (order_code, booking_id, amount, status, reference, raw_payload, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.OrderCode, p.BookingID, p.Amount, p.Status, nullStr(p.Reference), p.RawPayload, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if database.IsDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// UpdateTx writes status, reference and the raw webhook payload.
func (r *PaymentRepo) UpdateTx(ctx context.Context, tx *sql.Tx, p *model.PaymentTransaction) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE payment_transactions SET status = ?, reference = ?, raw_payload = ?, updated_at = ? WHERE order_code = ?`,
		p.Status, nullStr(p.Reference), p.RawPayload, p.UpdatedAt.UTC(), p.OrderCode,
	)
	return err
}

// FailPendingTx marks every PENDING transaction of the booking as FAILED so
// only the newest payment link stays active.
func (r *PaymentRepo) FailPendingTx(ctx context.Context, tx *sql.Tx, bookingID string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE payment_transactions SET status = ?, updated_at = ? WHERE booking_id = ? AND status = ?`,
		model.PaymentFailed, now.UTC(), bookingID, model.PaymentPending,
	)
	return err
}
