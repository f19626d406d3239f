// Package reservation is the only writer of booking status and seat
// inventory.  Every mutation runs in one store transaction that covers both
// the booking and the trip's seats, so neither can change without the other.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/queue"
	"github.com/iliyamo/bus-seat-reservation/internal/repository"
)

// HoldDurationSource supplies the hold duration.  It is consulted on every
// CreateHold so operators can tune it at runtime.
type HoldDurationSource interface {
	HoldDuration() time.Duration
}

// Publisher delivers booking events after commit.  Errors are logged by the
// engine and never returned to the caller.
type Publisher interface {
	PublishBookingEvent(ctx context.Context, event string, b *model.Booking) error
}

type fixedHold time.Duration

func (f fixedHold) HoldDuration() time.Duration { return time.Duration(f) }

type nopPublisher struct{}

func (nopPublisher) PublishBookingEvent(context.Context, string, *model.Booking) error { return nil }

// Engine implements hold, confirm, cancel, lookup and expiration.
type Engine struct {
	store        repository.Store
	now          func() time.Time
	hold         HoldDurationSource
	publisher    Publisher
	codes        CodeGenerator
	newID        func() string
	log          *log.Logger
	txAttempts   int
	codeAttempts int

	publishTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithHoldDuration sets the source of the hold duration.
func WithHoldDuration(src HoldDurationSource) Option { return func(e *Engine) { e.hold = src } }

// WithPublisher sets the booking event publisher.
func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithCodeGenerator replaces the random ticket code source.
func WithCodeGenerator(g CodeGenerator) Option { return func(e *Engine) { e.codes = g } }

// WithIDGenerator replaces the booking id source.
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

// WithLogger sets the logger used for swallowed failures.
func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.log = l } }

// WithTxAttempts bounds how often confirm, cancel and expire run their
// transaction when the store reports a lost race.
func WithTxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.txAttempts = n
		}
	}
}

// WithPublishTimeout bounds how long an event publish may take after commit.
func WithPublishTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.publishTimeout = d
		}
	}
}

// defaultPublishTimeout covers the publisher's retries against a slow broker
// without holding a webhook reply open for long.
const defaultPublishTimeout = 5 * time.Second

// NewEngine returns an Engine over store.
func NewEngine(store repository.Store, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		now:          time.Now,
		hold:         fixedHold(15 * time.Minute),
		publisher:    nopPublisher{},
		codes:        RandomTicketCode,
		newID:        func() string { return uuid.NewString() },
		log:          log.New("reservation"),
		txAttempts:   3,
		codeAttempts: maxCodeAttempts,

		publishTimeout: defaultPublishTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// PassengerInput is one passenger of a hold request.
type PassengerInput struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	SeatNumber string `json:"seat_number"`
}

// Contact is the person the booking is registered to.
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

// HoldRequest asks for a hold on one seat per passenger.
type HoldRequest struct {
	TripID      uint64
	Passengers  []PassengerInput
	Contact     Contact
	RequesterID *uint64 // authenticated user, nil for guests
}

// ConfirmRequest records a payment against a held booking.
type ConfirmRequest struct {
	BookingID     string
	PaidAmount    int64
	PaymentMethod string
	GatewayTxnRef string
}

// Requester is the caller of a cancellation.
type Requester struct {
	UserID uint64
	Admin  bool
}

func (e *Engine) clock() time.Time { return e.now().UTC() }

// CreateHold claims every requested seat for a new HELD booking, or none of
// them.  Concurrent holds on overlapping seats are serialized by the trip
// row lock; the loser fails with Conflict listing the contended seats.  A
// hold is never retried by the engine.
func (e *Engine) CreateHold(ctx context.Context, req HoldRequest) (*model.Booking, error) {
	trip, err := e.store.GetTrip(ctx, req.TripID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newErr(KindNotFound, "trip not found")
	}
	if err != nil {
		return nil, internal("load trip", err)
	}
	now := e.clock()
	if err := tripOpen(trip, now); err != nil {
		return nil, err
	}

	seats, err := validateHold(req)
	if err != nil {
		return nil, err
	}

	// Cheap fast-fail against the unlocked read.  The authoritative check is
	// TryReserve on the locked re-read below.  Seats already taken here are
	// reported as Conflict with the same seat list the locked check would
	// give, so every losing caller sees one error shape.
	if bad := unknownOrLocked(trip, seats); len(bad) > 0 {
		return nil, &Error{Kind: KindBadRequest, Message: "seats cannot be booked on this trip", Seats: bad}
	}
	if taken := trip.UnavailableSeats(seats); len(taken) > 0 {
		return nil, conflict(taken)
	}

	userID := e.resolveUser(ctx, req)

	booking := &model.Booking{
		ID:           e.newID(),
		TripID:       trip.ID,
		CompanyID:    trip.CompanyID,
		UserID:       userID,
		ContactName:  strings.TrimSpace(req.Contact.Name),
		ContactPhone: strings.TrimSpace(req.Contact.Phone),
		ContactEmail: strings.ToLower(strings.TrimSpace(req.Contact.Email)),
		Status:       model.BookingPending,
	}
	until := now.Add(e.hold.HoldDuration())

	err = e.store.WithTx(ctx, func(tx repository.Tx) error {
		locked, err := tx.LockTrip(ctx, req.TripID)
		if errors.Is(err, repository.ErrNotFound) {
			return newErr(KindNotFound, "trip not found")
		}
		if err != nil {
			return err
		}
		if err := tripOpen(locked, now); err != nil {
			return err
		}
		if err := locked.TryReserve(seats, booking.ID); err != nil {
			var sc *model.SeatConflictError
			if errors.As(err, &sc) {
				return conflict(sc.Seats)
			}
			return err
		}
		if err := tx.SaveSeats(ctx, locked, seats); err != nil {
			return err
		}

		// Price is snapshotted from the locked trip and never recomputed.
		booking.Passengers = make([]model.Passenger, 0, len(req.Passengers))
		booking.TotalAmount = 0
		for _, p := range req.Passengers {
			booking.Passengers = append(booking.Passengers, model.Passenger{
				Name:           strings.TrimSpace(p.Name),
				Phone:          strings.TrimSpace(p.Phone),
				SeatNumber:     strings.TrimSpace(p.SeatNumber),
				PriceAtBooking: locked.Price,
			})
			booking.TotalAmount += locked.Price
		}
		booking.CompanyID = locked.CompanyID
		if err := booking.Hold(now, until); err != nil {
			return err
		}
		return tx.InsertBooking(ctx, booking)
	})
	if err != nil {
		var ee *Error
		if errors.As(err, &ee) {
			return nil, ee
		}
		if errors.Is(err, repository.ErrTxConflict) {
			// Not seat contention, so not Conflict; the hold is never retried here.
			e.log.Warnf("create hold on trip %d: %v", req.TripID, err)
			return nil, internal("store busy, retry the hold", err)
		}
		return nil, internal("create hold", err)
	}
	return booking, nil
}

func tripOpen(t *model.Trip, now time.Time) error {
	if t.Status != model.TripScheduled {
		return newErr(KindInvalidState, fmt.Sprintf("trip is %s", strings.ToLower(string(t.Status))))
	}
	if !t.DepartureAt.IsZero() && !now.Before(t.DepartureAt) {
		return newErr(KindInvalidState, "trip has already departed")
	}
	return nil
}

// validateHold checks the request shape and returns the trimmed seat
// numbers in passenger order.
func validateHold(req HoldRequest) ([]string, error) {
	if len(req.Passengers) == 0 {
		return nil, newErr(KindBadRequest, "at least one passenger is required")
	}
	if strings.TrimSpace(req.Contact.Name) == "" || strings.TrimSpace(req.Contact.Phone) == "" {
		return nil, newErr(KindBadRequest, "contact name and phone are required")
	}
	seats := make([]string, 0, len(req.Passengers))
	seen := make(map[string]bool, len(req.Passengers))
	var dups []string
	for _, p := range req.Passengers {
		n := strings.TrimSpace(p.SeatNumber)
		if n == "" {
			return nil, newErr(KindBadRequest, "every passenger needs a seat number")
		}
		if strings.TrimSpace(p.Name) == "" {
			return nil, newErr(KindBadRequest, "every passenger needs a name")
		}
		if seen[n] {
			dups = append(dups, n)
			continue
		}
		seen[n] = true
		seats = append(seats, n)
	}
	if len(dups) > 0 {
		return nil, &Error{Kind: KindBadRequest, Message: "duplicate seat numbers in request", Seats: dups}
	}
	return seats, nil
}

func unknownOrLocked(t *model.Trip, seats []string) []string {
	var bad []string
	for _, n := range seats {
		s, ok := t.Seat(n)
		if !ok || s.Status == model.SeatLocked {
			bad = append(bad, n)
		}
	}
	return bad
}

// resolveUser links the booking to an account: the authenticated requester,
// else an active account with the contact email.  Lookup failures only
// cost the link, never the hold.
func (e *Engine) resolveUser(ctx context.Context, req HoldRequest) *uint64 {
	if req.RequesterID != nil {
		id := *req.RequesterID
		return &id
	}
	email := strings.TrimSpace(req.Contact.Email)
	if email == "" {
		return nil
	}
	id, err := e.store.UserIDByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			e.log.Warnf("user lookup by contact email failed: %v", err)
		}
		return nil
	}
	return &id
}

// retry runs fn until it succeeds, fails with something other than a lost
// transaction race, or the attempts are used up.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.txAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, repository.ErrTxConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Warnf("%s: transaction conflict (attempt %d/%d)", op, attempt, e.txAttempts)
	}
	return err
}

// ConfirmBooking records payment for a HELD booking, assigns its ticket code
// and books its seats.  Confirming a CONFIRMED booking returns it unchanged,
// so repeated gateway deliveries are harmless.
func (e *Engine) ConfirmBooking(ctx context.Context, req ConfirmRequest) (*model.Booking, error) {
	var out *model.Booking
	var transitioned bool
	err := e.retry(ctx, "confirm", func() error {
		transitioned = false
		return e.store.WithTx(ctx, func(tx repository.Tx) error {
			b, err := tx.LockBooking(ctx, req.BookingID)
			if errors.Is(err, repository.ErrNotFound) {
				return newErr(KindNotFound, "booking not found")
			}
			if err != nil {
				return err
			}
			if b.Status == model.BookingConfirmed {
				out = b
				return nil
			}
			if b.Status != model.BookingHeld {
				return newErr(KindInvalidState, fmt.Sprintf("booking is %s", strings.ToLower(string(b.Status))))
			}
			now := e.clock()
			if b.IsHoldExpired(now) {
				return newErr(KindInvalidState, "hold has expired")
			}
			if req.PaidAmount < b.TotalAmount {
				return newErr(KindInsufficientPayment,
					fmt.Sprintf("paid %d, booking total is %d", req.PaidAmount, b.TotalAmount))
			}

			code, err := e.uniqueTicketCode(ctx, tx)
			if err != nil {
				return err
			}

			trip, err := tx.LockTrip(ctx, b.TripID)
			if err != nil {
				return err
			}
			seats := b.SeatNumbers()
			if err := trip.Commit(seats, b.ID); err != nil {
				return internal(fmt.Sprintf("seats of booking %s are not held by it", b.ID), err)
			}
			if err := tx.SaveSeats(ctx, trip, seats); err != nil {
				return err
			}
			if err := b.Confirm(now, req.PaymentMethod, req.GatewayTxnRef, code); err != nil {
				return err
			}
			if err := tx.UpdateBooking(ctx, b); err != nil {
				if errors.Is(err, repository.ErrDuplicate) {
					// Another confirmation took the same code between check
					// and write.
					return fmt.Errorf("%w: ticket code taken", repository.ErrTxConflict)
				}
				return err
			}
			out = b
			transitioned = true
			return nil
		})
	})
	if err != nil {
		return nil, e.surface("confirm booking", err)
	}
	if transitioned {
		e.publish(ctx, queue.EventBookingConfirmed, out)
	}
	return out, nil
}

func (e *Engine) uniqueTicketCode(ctx context.Context, tx repository.Tx) (string, error) {
	for i := 0; i < e.codeAttempts; i++ {
		code, err := e.codes()
		if err != nil {
			return "", err
		}
		exists, err := tx.TicketCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", newErr(KindCodeGenerationExhausted,
		fmt.Sprintf("no unique ticket code after %d attempts, retry confirmation", e.codeAttempts))
}

// CancelBooking cancels a HELD or CONFIRMED booking and frees its seats.
// Cancelling a CANCELLED booking returns it unchanged.  When both a
// requester and an owning account are known, only the owner or an admin may
// cancel.
func (e *Engine) CancelBooking(ctx context.Context, bookingID string, requester *Requester) (*model.Booking, error) {
	var out *model.Booking
	var transitioned bool
	err := e.retry(ctx, "cancel", func() error {
		transitioned = false
		return e.store.WithTx(ctx, func(tx repository.Tx) error {
			b, err := tx.LockBooking(ctx, bookingID)
			if errors.Is(err, repository.ErrNotFound) {
				return newErr(KindNotFound, "booking not found")
			}
			if err != nil {
				return err
			}
			if requester != nil && b.UserID != nil && !requester.Admin && requester.UserID != *b.UserID {
				return newErr(KindForbidden, "booking belongs to another account")
			}
			if b.Status == model.BookingCancelled {
				out = b
				return nil
			}
			now := e.clock()
			if err := b.Cancel(now); err != nil {
				return newErr(KindInvalidState, fmt.Sprintf("booking is %s", strings.ToLower(string(b.Status))))
			}
			if err := e.releaseSeats(ctx, tx, b); err != nil {
				return err
			}
			if err := tx.UpdateBooking(ctx, b); err != nil {
				return err
			}
			out = b
			transitioned = true
			return nil
		})
	})
	if err != nil {
		return nil, e.surface("cancel booking", err)
	}
	if transitioned {
		e.publish(ctx, queue.EventBookingCancelled, out)
	}
	return out, nil
}

func (e *Engine) releaseSeats(ctx context.Context, tx repository.Tx, b *model.Booking) error {
	trip, err := tx.LockTrip(ctx, b.TripID)
	if errors.Is(err, repository.ErrNotFound) {
		// Trip removed by trip management; nothing left to release.
		return nil
	}
	if err != nil {
		return err
	}
	seats := b.SeatNumbers()
	trip.Release(seats, b.ID)
	return tx.SaveSeats(ctx, trip, seats)
}

// ExpireBooking expires a HELD booking whose deadline has passed and frees
// its seats in the same transaction.  It reports whether the booking was
// expired; bookings that are gone, no longer HELD or still within their
// deadline are left alone.
func (e *Engine) ExpireBooking(ctx context.Context, bookingID string) (bool, error) {
	var expired bool
	err := e.retry(ctx, "expire", func() error {
		expired = false
		return e.store.WithTx(ctx, func(tx repository.Tx) error {
			b, err := tx.LockBooking(ctx, bookingID)
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			now := e.clock()
			if !b.IsHoldExpired(now) {
				return nil
			}
			if err := b.Expire(now); err != nil {
				return err
			}
			if err := e.releaseSeats(ctx, tx, b); err != nil {
				return err
			}
			if err := tx.UpdateBooking(ctx, b); err != nil {
				return err
			}
			expired = true
			return nil
		})
	})
	if err != nil {
		return false, e.surface("expire booking", err)
	}
	return expired, nil
}

// Lookup returns the booking with the given ticket code or id when phone
// matches its contact phone.  It is the only authentication for guests.
func (e *Engine) Lookup(ctx context.Context, identifier, phone string) (*model.Booking, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || strings.TrimSpace(phone) == "" {
		return nil, newErr(KindBadRequest, "ticket code or booking id and phone are required")
	}

	var b *model.Booking
	var err error
	if code := strings.ToUpper(identifier); looksLikeTicketCode(code) {
		b, err = e.store.GetBookingByTicketCode(ctx, code)
	} else {
		err = repository.ErrNotFound
	}
	if errors.Is(err, repository.ErrNotFound) {
		b, err = e.store.GetBooking(ctx, identifier)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newErr(KindNotFound, "booking not found")
	}
	if err != nil {
		return nil, internal("lookup booking", err)
	}
	if normalizePhone(phone) != normalizePhone(b.ContactPhone) {
		return nil, newErr(KindForbidden, "phone number does not match booking")
	}
	return b, nil
}

// normalizePhone drops the separators people type into phone numbers.
func normalizePhone(p string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(p))
}

// surface converts a transaction error into an engine error.
func (e *Engine) surface(op string, err error) error {
	var ee *Error
	if errors.As(err, &ee) {
		if ee.Kind == KindInternal {
			e.log.Errorf("%s: %v", op, ee)
		}
		return ee
	}
	e.log.Errorf("%s: %v", op, err)
	return internal(op, err)
}

// publish runs after commit.  The state change already happened, so the
// event must not die with the caller's request context.
func (e *Engine) publish(ctx context.Context, event string, b *model.Booking) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishTimeout)
	defer cancel()
	if err := e.publisher.PublishBookingEvent(pctx, event, b.Clone()); err != nil {
		e.log.Errorf("publish %s for booking %s: %v", event, b.ID, err)
	}
}
