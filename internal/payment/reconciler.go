package payment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/repository"
	"github.com/iliyamo/bus-seat-reservation/internal/reservation"
)

// successCode is the gateway status code for a successful operation.
const successCode = "00"

// MethodGateway is recorded as the payment method of bookings paid online.
const MethodGateway = "PAYOS"

// Confirmer confirms a paid booking.  *reservation.Engine implements it.
type Confirmer interface {
	ConfirmBooking(ctx context.Context, req reservation.ConfirmRequest) (*model.Booking, error)
}

// Reconciler applies gateway webhooks to payment transactions and bookings.
type Reconciler struct {
	store       repository.Store
	confirmer   Confirmer
	checksumKey string
	now         func() time.Time
	log         *log.Logger
}

// NewReconciler returns a Reconciler verifying webhooks with checksumKey.
func NewReconciler(store repository.Store, confirmer Confirmer, checksumKey string) *Reconciler {
	return &Reconciler{
		store:       store,
		confirmer:   confirmer,
		checksumKey: checksumKey,
		now:         time.Now,
		log:         log.New("webhook"),
	}
}

type webhookData struct {
	OrderCode     int64  `json:"orderCode"`
	Amount        int64  `json:"amount"`
	Code          string `json:"code"`
	Desc          string `json:"desc"`
	Reference     string `json:"reference"`
	PaymentLinkID string `json:"paymentLinkId"`
}

// Outcome says what a webhook delivery did.  The HTTP layer answers 200
// whatever the outcome; it exists for logs and tests.
type Outcome string

const (
	OutcomeRejected     Outcome = "rejected"      // bad signature or unreadable body
	OutcomeUnknownOrder Outcome = "unknown_order" // no transaction with that order code
	OutcomeFailed       Outcome = "failed"        // gateway reported a failed payment
	OutcomeConfirmed    Outcome = "confirmed"     // booking confirmed, or already was
	OutcomeDiverged     Outcome = "diverged"      // paid, but the booking could not be confirmed
	OutcomeError        Outcome = "error"         // store failure, delivery may be retried
)

// HandleWebhook verifies and applies one gateway delivery.  It never fails:
// every problem is logged and the delivery acknowledged, so the gateway does
// not keep retrying payloads that will never apply.  signature overrides the
// one carried in the body when non-empty.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) Outcome {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.log.Warnf("discard webhook: unreadable body: %v", err)
		return OutcomeRejected
	}
	if signature == "" {
		signature = env.Signature
	}
	if !VerifyData(r.checksumKey, env.Data, signature) {
		r.log.Warnf("discard webhook: signature mismatch")
		return OutcomeRejected
	}
	var data webhookData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		r.log.Warnf("discard webhook: unreadable data: %v", err)
		return OutcomeRejected
	}

	if env.Code != successCode || data.Code != successCode {
		return r.markFailed(ctx, data, env.Data)
	}

	bookingID, err := r.markPaid(ctx, data, env.Data)
	if errors.Is(err, repository.ErrNotFound) {
		r.log.Warnf("discard webhook: unknown order %d", data.OrderCode)
		return OutcomeUnknownOrder
	}
	if err != nil {
		r.log.Errorf("order %d: record payment: %v", data.OrderCode, err)
		return OutcomeError
	}

	b, err := r.confirmer.ConfirmBooking(ctx, reservation.ConfirmRequest{
		BookingID:     bookingID,
		PaidAmount:    data.Amount,
		PaymentMethod: MethodGateway,
		GatewayTxnRef: data.Reference,
	})
	if err != nil {
		// Money was taken but the booking could not be confirmed, typically
		// because the hold expired first.  Operators resolve this by hand.
		r.log.Errorf("RECONCILE order %d paid %d (ref %s) but booking %s not confirmed: %v",
			data.OrderCode, data.Amount, data.Reference, bookingID, err)
		return OutcomeDiverged
	}
	r.log.Infof("order %d confirmed booking %s ticket %s", data.OrderCode, b.ID, b.TicketCode)
	return OutcomeConfirmed
}

// markPaid records the payment and returns the booking it belongs to.  A
// transaction that was superseded by a newer link is still marked paid: the
// money arrived.
func (r *Reconciler) markPaid(ctx context.Context, data webhookData, raw json.RawMessage) (string, error) {
	var bookingID string
	err := r.store.WithTx(ctx, func(tx repository.Tx) error {
		p, err := tx.LockPayment(ctx, data.OrderCode)
		if err != nil {
			return err
		}
		bookingID = p.BookingID
		if p.Status == model.PaymentPaid {
			return nil
		}
		if p.Status == model.PaymentFailed {
			r.log.Warnf("order %d was superseded but has been paid", data.OrderCode)
		}
		p.Status = model.PaymentPaid
		p.Reference = data.Reference
		p.RawPayload = append([]byte(nil), raw...)
		p.UpdatedAt = r.now().UTC()
		return tx.UpdatePayment(ctx, p)
	})
	return bookingID, err
}

// markFailed records a failed payment.  A payment already marked paid is
// never downgraded.
func (r *Reconciler) markFailed(ctx context.Context, data webhookData, raw json.RawMessage) Outcome {
	err := r.store.WithTx(ctx, func(tx repository.Tx) error {
		p, err := tx.LockPayment(ctx, data.OrderCode)
		if err != nil {
			return err
		}
		if p.Status != model.PaymentPending {
			return nil
		}
		p.Status = model.PaymentFailed
		p.RawPayload = append([]byte(nil), raw...)
		p.UpdatedAt = r.now().UTC()
		return tx.UpdatePayment(ctx, p)
	})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		r.log.Warnf("discard failure webhook: unknown order %d", data.OrderCode)
		return OutcomeUnknownOrder
	case err != nil:
		r.log.Errorf("order %d: record failure: %v", data.OrderCode, err)
		return OutcomeError
	}
	r.log.Infof("order %d failed at gateway: %s", data.OrderCode, data.Desc)
	return OutcomeFailed
}
