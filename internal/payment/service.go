package payment

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/repository"
	"github.com/iliyamo/bus-seat-reservation/internal/reservation"
	"github.com/iliyamo/bus-seat-reservation/internal/utils"
)

// LinkResult is what a customer needs to pay for a held booking.
type LinkResult struct {
	BookingID     string    `json:"booking_id"`
	OrderCode     int64     `json:"order_code"`
	Amount        int64     `json:"amount"`
	CheckoutURL   string    `json:"checkout_url"`
	QRCode        string    `json:"qr_code"`
	QRImage       string    `json:"qr_image,omitempty"`
	PaymentLinkID string    `json:"payment_link_id,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Service opens payment links for held bookings.
type Service struct {
	store   repository.Store
	gateway Gateway
	now     func() time.Time
	orders  func() (int64, error)
	log     *log.Logger
}

// NewService returns a Service that records transactions in store and opens
// links through gateway.
func NewService(store repository.Store, gateway Gateway) *Service {
	return &Service{
		store:   store,
		gateway: gateway,
		now:     time.Now,
		orders:  NewOrderCode,
		log:     log.New("payment"),
	}
}

// maxOrderAttempts bounds order code collisions before giving up.
const maxOrderAttempts = 5

// NewOrderCode returns a numeric order code: the current unix millisecond
// followed by three random digits.  It stays below 2^53 so JavaScript
// clients can handle it as a number.
func NewOrderCode() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000))
	if err != nil {
		return 0, err
	}
	return time.Now().UnixMilli()*1000 + n.Int64(), nil
}

// RequestLink records a new pending transaction for the booking, making it
// the booking's only active order, and asks the gateway for a checkout link
// that expires with the hold.
func (s *Service) RequestLink(ctx context.Context, bookingID string) (*LinkResult, error) {
	var (
		booking *model.Booking
		txn     *model.PaymentTransaction
	)
	var err error
	for attempt := 1; attempt <= maxOrderAttempts; attempt++ {
		booking, txn, err = s.openTransaction(ctx, bookingID)
		if !errors.Is(err, repository.ErrDuplicate) && !errors.Is(err, repository.ErrTxConflict) {
			break
		}
	}
	if err != nil {
		var ee *reservation.Error
		if errors.As(err, &ee) {
			return nil, ee
		}
		s.log.Errorf("open payment for booking %s: %v", bookingID, err)
		return nil, &reservation.Error{Kind: reservation.KindInternal, Message: "could not record payment", Err: err}
	}

	link, err := s.gateway.CreatePaymentLink(ctx, LinkRequest{
		OrderCode:   txn.OrderCode,
		Amount:      txn.Amount,
		Description: describe(booking),
		BuyerName:   booking.ContactName,
		BuyerPhone:  booking.ContactPhone,
		BuyerEmail:  booking.ContactEmail,
		Items:       items(booking),
		ExpiredAt:   *booking.HeldUntil,
	})
	if err != nil {
		s.log.Errorf("payment link for order %d: %v", txn.OrderCode, err)
		s.failTransaction(ctx, txn.OrderCode)
		return nil, &reservation.Error{Kind: reservation.KindInternal, Message: "payment gateway unavailable", Err: err}
	}

	res := &LinkResult{
		BookingID:     booking.ID,
		OrderCode:     txn.OrderCode,
		Amount:        txn.Amount,
		CheckoutURL:   link.CheckoutURL,
		QRCode:        link.QRCode,
		PaymentLinkID: link.PaymentLinkID,
		ExpiresAt:     *booking.HeldUntil,
	}
	if link.QRCode != "" {
		img, err := utils.QRDataURI(link.QRCode, 256)
		if err != nil {
			s.log.Warnf("render qr for order %d: %v", txn.OrderCode, err)
		} else {
			res.QRImage = img
		}
	}
	return res, nil
}

func (s *Service) openTransaction(ctx context.Context, bookingID string) (*model.Booking, *model.PaymentTransaction, error) {
	code, err := s.orders()
	if err != nil {
		return nil, nil, err
	}
	var booking *model.Booking
	var txn *model.PaymentTransaction
	err = s.store.WithTx(ctx, func(tx repository.Tx) error {
		b, err := tx.LockBooking(ctx, bookingID)
		if errors.Is(err, repository.ErrNotFound) {
			return &reservation.Error{Kind: reservation.KindNotFound, Message: "booking not found"}
		}
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if b.Status != model.BookingHeld {
			return &reservation.Error{Kind: reservation.KindInvalidState,
				Message: fmt.Sprintf("booking is %s", strings.ToLower(string(b.Status)))}
		}
		if b.IsHoldExpired(now) {
			return &reservation.Error{Kind: reservation.KindInvalidState, Message: "hold has expired"}
		}
		if err := tx.FailPendingPayments(ctx, b.ID, now); err != nil {
			return err
		}
		p := &model.PaymentTransaction{
			OrderCode: code,
			BookingID: b.ID,
			Amount:    b.TotalAmount,
			Status:    model.PaymentPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		b.PaymentOrderCode = &code
		b.PaymentStatus = model.PaymentPending
		b.UpdatedAt = now
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		booking, txn = b, p
		return nil
	})
	return booking, txn, err
}

func (s *Service) failTransaction(ctx context.Context, orderCode int64) {
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		p, err := tx.LockPayment(ctx, orderCode)
		if err != nil {
			return err
		}
		if p.Status != model.PaymentPending {
			return nil
		}
		p.Status = model.PaymentFailed
		p.UpdatedAt = s.now().UTC()
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		s.log.Errorf("mark order %d failed: %v", orderCode, err)
	}
}

// describe builds the bank transfer description, which the gateway caps at
// 25 characters.
func describe(b *model.Booking) string {
	id := strings.ReplaceAll(b.ID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return "VE " + strings.ToUpper(id)
}

func items(b *model.Booking) []Item {
	out := make([]Item, 0, len(b.Passengers))
	for _, p := range b.Passengers {
		out = append(out, Item{Name: "Seat " + p.SeatNumber, Quantity: 1, Price: p.PriceAtBooking})
	}
	return out
}
