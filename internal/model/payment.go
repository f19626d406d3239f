package model

import "time"

// PaymentTransaction records one payment attempt at the gateway.  BookingID
// is a soft reference: the booking may have expired or been cancelled by the
// time the gateway reports back.
//
// Fields:
//
//	OrderCode  – gateway correlation id, unique.
//	Amount     – amount requested from the gateway.
//	Status     – PENDING, PAID, FAILED or REFUNDED.
//	Reference  – gateway transaction reference once paid.
//	RawPayload – last webhook body, kept for audit.
type PaymentTransaction struct {
	OrderCode  int64         // payment_transactions.order_code
	BookingID  string        // payment_transactions.booking_id
	Amount     int64         // payment_transactions.amount
	Status     PaymentStatus // payment_transactions.status
	Reference  string        // payment_transactions.reference
	RawPayload []byte        // payment_transactions.raw_payload (nullable)
	CreatedAt  time.Time     // payment_transactions.created_at
	UpdatedAt  time.Time     // payment_transactions.updated_at
}
