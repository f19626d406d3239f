package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

// MemoryStore is an in-process Store.  Transactions are serialized by one
// mutex and work on copies that replace the stored values on commit, so a
// failed transaction leaves no trace.  It backs the tests and the memory
// store driver.
type MemoryStore struct {
	mu        sync.Mutex
	trips     map[uint64]*model.Trip
	bookings  map[string]*model.Booking
	payments  map[int64]*model.PaymentTransaction
	users     map[string]model.User
	conflicts int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:    make(map[uint64]*model.Trip),
		bookings: make(map[string]*model.Booking),
		payments: make(map[int64]*model.PaymentTransaction),
		users:    make(map[string]model.User),
	}
}

// PutTrip stores a copy of the trip, replacing any trip with the same id.
func (s *MemoryStore) PutTrip(t *model.Trip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := t.Clone()
	c.Recount()
	s.trips[t.ID] = c
}

// PutUser registers an account for email lookups.
func (s *MemoryStore) PutUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(strings.TrimSpace(u.Email))] = u
}

// InjectConflicts makes the next n transactions fail with ErrTxConflict
// after fn has run, as if MySQL had picked them as deadlock victims.
func (s *MemoryStore) InjectConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = n
}

func (s *MemoryStore) GetTrip(_ context.Context, tripID uint64) (*model.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) GetBooking(_ context.Context, id string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) GetBookingByTicketCode(_ context.Context, code string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bookings {
		if b.TicketCode != "" && b.TicketCode == code {
			return b.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetPayment(_ context.Context, orderCode int64) (*model.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderCode]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) ListExpiredHolds(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*model.Booking
	for _, b := range s.bookings {
		if b.IsHoldExpired(now) {
			due = append(due, b)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].HeldUntil.Before(*due[j].HeldUntil) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, 0, len(due))
	for _, b := range due {
		ids = append(ids, b.ID)
	}
	return ids, nil
}

func (s *MemoryStore) UserIDByEmail(_ context.Context, email string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[strings.ToLower(strings.TrimSpace(email))]
	if !ok || !u.IsActive {
		return 0, ErrNotFound
	}
	return u.ID, nil
}

func (s *MemoryStore) ListBookings(_ context.Context, f BookingFilter) ([]*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Booking
	for _, b := range s.bookings {
		if f.match(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// WithTx runs fn against a private copy of the touched rows and publishes
// the copies only when fn succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{
		s:        s,
		trips:    make(map[uint64]*model.Trip),
		bookings: make(map[string]*model.Booking),
		payments: make(map[int64]*model.PaymentTransaction),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if s.conflicts > 0 {
		s.conflicts--
		return ErrTxConflict
	}
	for id, t := range tx.trips {
		s.trips[id] = t
	}
	for id, b := range tx.bookings {
		s.bookings[id] = b
	}
	for code, p := range tx.payments {
		s.payments[code] = p
	}
	return nil
}

// memTx holds the rows written in one transaction.  The store mutex is held
// for the whole transaction, so reads of untouched rows go straight to the
// store maps.
type memTx struct {
	s        *MemoryStore
	trips    map[uint64]*model.Trip
	bookings map[string]*model.Booking
	payments map[int64]*model.PaymentTransaction
}

func (t *memTx) LockTrip(_ context.Context, tripID uint64) (*model.Trip, error) {
	if tr, ok := t.trips[tripID]; ok {
		return tr.Clone(), nil
	}
	tr, ok := t.s.trips[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	return tr.Clone(), nil
}

func (t *memTx) SaveSeats(_ context.Context, trip *model.Trip, _ []string) error {
	if _, ok := t.s.trips[trip.ID]; !ok {
		return ErrNotFound
	}
	c := trip.Clone()
	c.Recount()
	t.trips[trip.ID] = c
	return nil
}

func (t *memTx) booking(id string) (*model.Booking, bool) {
	if b, ok := t.bookings[id]; ok {
		return b, true
	}
	b, ok := t.s.bookings[id]
	return b, ok
}

func (t *memTx) LockBooking(_ context.Context, id string) (*model.Booking, error) {
	b, ok := t.booking(id)
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (t *memTx) InsertBooking(_ context.Context, b *model.Booking) error {
	if _, ok := t.booking(b.ID); ok {
		return ErrDuplicate
	}
	t.bookings[b.ID] = b.Clone()
	return nil
}

func (t *memTx) UpdateBooking(_ context.Context, b *model.Booking) error {
	if _, ok := t.booking(b.ID); !ok {
		return ErrNotFound
	}
	if b.TicketCode != "" {
		if taken, _ := t.ticketTakenBy(b.TicketCode); taken != "" && taken != b.ID {
			return ErrDuplicate
		}
	}
	t.bookings[b.ID] = b.Clone()
	return nil
}

func (t *memTx) ticketTakenBy(code string) (string, bool) {
	for id, b := range t.bookings {
		if b.TicketCode == code {
			return id, true
		}
	}
	for id, b := range t.s.bookings {
		if _, shadowed := t.bookings[id]; shadowed {
			continue
		}
		if b.TicketCode == code {
			return id, true
		}
	}
	return "", false
}

func (t *memTx) TicketCodeExists(_ context.Context, code string) (bool, error) {
	_, ok := t.ticketTakenBy(code)
	return ok, nil
}

func (t *memTx) payment(code int64) (*model.PaymentTransaction, bool) {
	if p, ok := t.payments[code]; ok {
		return p, true
	}
	p, ok := t.s.payments[code]
	return p, ok
}

func (t *memTx) LockPayment(_ context.Context, orderCode int64) (*model.PaymentTransaction, error) {
	p, ok := t.payment(orderCode)
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (t *memTx) InsertPayment(_ context.Context, p *model.PaymentTransaction) error {
	if _, ok := t.payment(p.OrderCode); ok {
		return ErrDuplicate
	}
	c := *p
	t.payments[p.OrderCode] = &c
	return nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *model.PaymentTransaction) error {
	if _, ok := t.payment(p.OrderCode); !ok {
		return ErrNotFound
	}
	c := *p
	t.payments[p.OrderCode] = &c
	return nil
}

func (t *memTx) FailPendingPayments(_ context.Context, bookingID string, now time.Time) error {
	seen := make(map[int64]bool)
	fail := func(p *model.PaymentTransaction) {
		if p.BookingID != bookingID || p.Status != model.PaymentPending {
			return
		}
		c := *p
		c.Status = model.PaymentFailed
		c.UpdatedAt = now
		t.payments[c.OrderCode] = &c
	}
	for code, p := range t.payments {
		seen[code] = true
		fail(p)
	}
	for code, p := range t.s.payments {
		if !seen[code] {
			fail(p)
		}
	}
	return nil
}
