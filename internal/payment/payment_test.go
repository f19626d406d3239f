package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/iliyamo/bus-seat-reservation/internal/config"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/queue"
	"github.com/iliyamo/bus-seat-reservation/internal/repository"
	"github.com/iliyamo/bus-seat-reservation/internal/reservation"
)

const testKey = "checksum-secret"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type events struct {
	mu    sync.Mutex
	names []string
}

func (e *events) PublishBookingEvent(_ context.Context, event string, _ *model.Booking) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.names = append(e.names, event)
	return nil
}

func (e *events) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, got := range e.names {
		if got == name {
			n++
		}
	}
	return n
}

type fakeGateway struct {
	err  error
	reqs []LinkRequest
}

func (g *fakeGateway) CreatePaymentLink(_ context.Context, req LinkRequest) (*Link, error) {
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return nil, g.err
	}
	return &Link{PaymentLinkID: "pl-1", CheckoutURL: "https://pay.example/checkout", QRCode: "00020101021238570010A000000727"}, nil
}

func quiet() *log.Logger {
	l := log.New("test")
	l.SetLevel(log.OFF)
	return l
}

type fixture struct {
	store   *repository.MemoryStore
	clock   *clock
	events  *events
	engine  *reservation.Engine
	gateway *fakeGateway
	service *Service
	recon   *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   repository.NewMemoryStore(),
		clock:   &clock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)},
		events:  &events{},
		gateway: &fakeGateway{},
	}
	f.store.PutTrip(&model.Trip{
		ID:          1,
		CompanyID:   3,
		Price:       200000,
		Status:      model.TripScheduled,
		DepartureAt: f.clock.Now().Add(48 * time.Hour),
		Seats: []model.Seat{
			{SeatNumber: "B1", Status: model.SeatAvailable},
			{SeatNumber: "B2", Status: model.SeatAvailable},
		},
	})
	f.engine = reservation.NewEngine(f.store,
		reservation.WithClock(f.clock.Now),
		reservation.WithPublisher(f.events),
		reservation.WithLogger(quiet()),
	)
	f.service = NewService(f.store, f.gateway)
	f.service.now = f.clock.Now
	f.service.log = quiet()
	var next int64 = 1000
	f.service.orders = func() (int64, error) {
		next++
		return next, nil
	}
	f.recon = NewReconciler(f.store, f.engine, testKey)
	f.recon.now = f.clock.Now
	f.recon.log = quiet()
	return f
}

func (f *fixture) hold(t *testing.T, seats ...string) *model.Booking {
	t.Helper()
	req := reservation.HoldRequest{TripID: 1, Contact: reservation.Contact{Name: "Tran Binh", Phone: "0912345678"}}
	for _, s := range seats {
		req.Passengers = append(req.Passengers, reservation.PassengerInput{Name: "Binh", SeatNumber: s})
	}
	b, err := f.engine.CreateHold(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateHold: %v", err)
	}
	return b
}

// webhook builds a signed gateway delivery.
func webhook(t *testing.T, key string, orderCode, amount int64, code string) []byte {
	t.Helper()
	data := map[string]interface{}{
		"orderCode":     orderCode,
		"amount":        amount,
		"code":          code,
		"desc":          "success",
		"reference":     "FT2605010001",
		"accountNumber": "12345678",
		"currency":      "VND",
		"paymentLinkId": "pl-1",
	}
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	m, err := decodeObject(raw)
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	body, err := json.Marshal(map[string]interface{}{
		"code":      code,
		"desc":      "success",
		"success":   code == successCode,
		"data":      json.RawMessage(raw),
		"signature": SignData(key, m),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func TestSignPaymentRequestMatchesKnownVector(t *testing.T) {
	got := SignPaymentRequest("key", 10000, "https://c", "VE 1", 42, "https://r")
	want := hmacHex("key", "amount=10000&cancelUrl=https://c&description=VE 1&orderCode=42&returnUrl=https://r")
	if got != want {
		t.Fatalf("signature = %s, want %s", got, want)
	}
}

func TestVerifyDataSortsKeysAndRejectsTampering(t *testing.T) {
	raw := json.RawMessage(`{"orderCode":123,"amount":5000,"desc":null,"code":"00"}`)
	sig := hmacHex(testKey, "amount=5000&code=00&desc=&orderCode=123")
	if !VerifyData(testKey, raw, sig) {
		t.Fatalf("valid signature rejected")
	}
	if !VerifyData(testKey, raw, strings.ToUpper(sig)) {
		t.Fatalf("upper-case signature rejected")
	}
	tampered := json.RawMessage(`{"orderCode":123,"amount":1,"desc":null,"code":"00"}`)
	if VerifyData(testKey, tampered, sig) {
		t.Fatalf("tampered data accepted")
	}
	if VerifyData("other", raw, sig) {
		t.Fatalf("wrong key accepted")
	}
	if VerifyData(testKey, raw, "") {
		t.Fatalf("empty signature accepted")
	}
}

func TestRequestLinkRecordsPendingTransaction(t *testing.T) {
	f := newFixture(t)
	b := f.hold(t, "B1", "B2")

	res, err := f.service.RequestLink(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("RequestLink: %v", err)
	}
	if res.Amount != 400000 || res.CheckoutURL == "" {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasPrefix(res.QRImage, "data:image/png;base64,") {
		t.Fatalf("qr image = %.40q", res.QRImage)
	}
	req := f.gateway.reqs[0]
	if !req.ExpiredAt.Equal(*b.HeldUntil) || len(req.Items) != 2 || len(req.Description) > maxDescriptionLen {
		t.Fatalf("gateway request = %+v", req)
	}

	p, err := f.store.GetPayment(context.Background(), res.OrderCode)
	if err != nil || p.Status != model.PaymentPending || p.BookingID != b.ID {
		t.Fatalf("payment = %+v, %v", p, err)
	}
	got, _ := f.store.GetBooking(context.Background(), b.ID)
	if got.PaymentOrderCode == nil || *got.PaymentOrderCode != res.OrderCode {
		t.Fatalf("booking order code = %v", got.PaymentOrderCode)
	}
}

func TestRequestLinkSupersedesEarlierOrder(t *testing.T) {
	f := newFixture(t)
	b := f.hold(t, "B1")

	first, err := f.service.RequestLink(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("first link: %v", err)
	}
	second, err := f.service.RequestLink(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("second link: %v", err)
	}
	if first.OrderCode == second.OrderCode {
		t.Fatalf("order code reused")
	}
	p, _ := f.store.GetPayment(context.Background(), first.OrderCode)
	if p.Status != model.PaymentFailed {
		t.Fatalf("first order = %s, want FAILED", p.Status)
	}
}

func TestRequestLinkRetriesOrderCodeCollision(t *testing.T) {
	f := newFixture(t)
	b := f.hold(t, "B1")
	other := f.hold(t, "B2")
	taken, err := f.service.RequestLink(context.Background(), other.ID)
	if err != nil {
		t.Fatalf("RequestLink: %v", err)
	}

	codes := []int64{taken.OrderCode, taken.OrderCode + 7}
	f.service.orders = func() (int64, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	res, err := f.service.RequestLink(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("RequestLink after collision: %v", err)
	}
	if res.OrderCode != taken.OrderCode+7 {
		t.Fatalf("order code = %d", res.OrderCode)
	}
}

func TestRequestLinkRejectsClosedBookings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.RequestLink(ctx, "missing"); !reservation.IsKind(err, reservation.KindNotFound) {
		t.Fatalf("missing booking err = %v", err)
	}

	b := f.hold(t, "B1")
	f.clock.Advance(16 * time.Minute)
	if _, err := f.service.RequestLink(ctx, b.ID); !reservation.IsKind(err, reservation.KindInvalidState) {
		t.Fatalf("expired hold err = %v", err)
	}

	c := f.hold(t, "B2")
	if _, err := f.engine.CancelBooking(ctx, c.ID, nil); err != nil {
		t.Fatalf("CancelBooking: %v", err)
	}
	if _, err := f.service.RequestLink(ctx, c.ID); !reservation.IsKind(err, reservation.KindInvalidState) {
		t.Fatalf("cancelled booking err = %v", err)
	}
	if len(f.gateway.reqs) != 0 {
		t.Fatalf("gateway called %d times", len(f.gateway.reqs))
	}
}

func TestRequestLinkGatewayFailureFailsTransaction(t *testing.T) {
	f := newFixture(t)
	b := f.hold(t, "B1")
	f.gateway.err = errors.New("timeout")

	if _, err := f.service.RequestLink(context.Background(), b.ID); !reservation.IsKind(err, reservation.KindInternal) {
		t.Fatalf("err = %v", err)
	}
	got, _ := f.store.GetBooking(context.Background(), b.ID)
	p, err := f.store.GetPayment(context.Background(), *got.PaymentOrderCode)
	if err != nil || p.Status != model.PaymentFailed {
		t.Fatalf("payment = %+v, %v", p, err)
	}
	if got.Status != model.BookingHeld {
		t.Fatalf("booking = %s", got.Status)
	}
}

func TestWebhookConfirmsBooking(t *testing.T) {
	f := newFixture(t)
	b := f.hold(t, "B1")
	link, err := f.service.RequestLink(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("RequestLink: %v", err)
	}

	out := f.recon.HandleWebhook(context.Background(), webhook(t, testKey, link.OrderCode, link.Amount, "00"), "")
	if out != OutcomeConfirmed {
		t.Fatalf("outcome = %s", out)
	}
	got, _ := f.store.GetBooking(context.Background(), b.ID)
	if got.Status != model.BookingConfirmed || got.PaymentMethod != MethodGateway || got.GatewayTxnRef != "FT2605010001" {
		t.Fatalf("booking = %+v", got)
	}
	p, _ := f.store.GetPayment(context.Background(), link.OrderCode)
	if p.Status != model.PaymentPaid || p.Reference != "FT2605010001" || len(p.RawPayload) == 0 {
		t.Fatalf("payment = %+v", p)
	}
}

func TestWebhookReplayConfirmsOnce(t *testing.T) {
	f := newFixture(t)
	b := f.hold(t, "B1")
	link, _ := f.service.RequestLink(context.Background(), b.ID)
	body := webhook(t, testKey, link.OrderCode, link.Amount, "00")

	f.recon.HandleWebhook(context.Background(), body, "")
	first, _ := f.store.GetBooking(context.Background(), b.ID)
	if out := f.recon.HandleWebhook(context.Background(), body, ""); out != OutcomeConfirmed {
		t.Fatalf("replay outcome = %s", out)
	}
	second, _ := f.store.GetBooking(context.Background(), b.ID)

	if n := f.events.count(queue.EventBookingConfirmed); n != 1 {
		t.Fatalf("confirmed events = %d, want 1", n)
	}
	if first.TicketCode == "" || first.TicketCode != second.TicketCode {
		t.Fatalf("ticket codes %q then %q", first.TicketCode, second.TicketCode)
	}
}

func TestWebhookBadSignatureMutatesNothing(t *testing.T) {
	f := newFixture(t)
	b := f.hold(t, "B1")
	link, _ := f.service.RequestLink(context.Background(), b.ID)

	forged := webhook(t, "attacker-key", link.OrderCode, link.Amount, "00")
	if out := f.recon.HandleWebhook(context.Background(), forged, ""); out != OutcomeRejected {
		t.Fatalf("outcome = %s", out)
	}
	valid := webhook(t, testKey, link.OrderCode, link.Amount, "00")
	if out := f.recon.HandleWebhook(context.Background(), valid, "deadbeef"); out != OutcomeRejected {
		t.Fatalf("header signature ignored: %s", out)
	}
	if out := f.recon.HandleWebhook(context.Background(), []byte("not json"), ""); out != OutcomeRejected {
		t.Fatalf("garbage outcome = %s", out)
	}

	p, _ := f.store.GetPayment(context.Background(), link.OrderCode)
	got, _ := f.store.GetBooking(context.Background(), b.ID)
	if p.Status != model.PaymentPending || got.Status != model.BookingHeld {
		t.Fatalf("state changed: payment %s booking %s", p.Status, got.Status)
	}
}

func TestWebhookFailureMarksTransactionOnly(t *testing.T) {
	f := newFixture(t)
	b := f.hold(t, "B1")
	link, _ := f.service.RequestLink(context.Background(), b.ID)

	if out := f.recon.HandleWebhook(context.Background(), webhook(t, testKey, link.OrderCode, link.Amount, "01"), ""); out != OutcomeFailed {
		t.Fatalf("outcome = %s", out)
	}
	p, _ := f.store.GetPayment(context.Background(), link.OrderCode)
	got, _ := f.store.GetBooking(context.Background(), b.ID)
	if p.Status != model.PaymentFailed || got.Status != model.BookingHeld {
		t.Fatalf("payment %s booking %s", p.Status, got.Status)
	}
	var audit struct {
		OrderCode int64  `json:"orderCode"`
		Code      string `json:"code"`
	}
	if err := json.Unmarshal(p.RawPayload, &audit); err != nil || audit.OrderCode != link.OrderCode || audit.Code != "01" {
		t.Fatalf("raw payload %q not kept (%v)", p.RawPayload, err)
	}
}

func TestWebhookFailureNeverDowngradesPaid(t *testing.T) {
	f := newFixture(t)
	b := f.hold(t, "B1")
	link, _ := f.service.RequestLink(context.Background(), b.ID)
	f.recon.HandleWebhook(context.Background(), webhook(t, testKey, link.OrderCode, link.Amount, "00"), "")

	f.recon.HandleWebhook(context.Background(), webhook(t, testKey, link.OrderCode, link.Amount, "01"), "")
	p, _ := f.store.GetPayment(context.Background(), link.OrderCode)
	if p.Status != model.PaymentPaid {
		t.Fatalf("payment = %s, want PAID", p.Status)
	}
}

func TestWebhookUnknownOrderIsDiscarded(t *testing.T) {
	f := newFixture(t)
	b := f.hold(t, "B1")

	if out := f.recon.HandleWebhook(context.Background(), webhook(t, testKey, 123, 200000, "00"), ""); out != OutcomeUnknownOrder {
		t.Fatalf("outcome = %s", out)
	}
	got, _ := f.store.GetBooking(context.Background(), b.ID)
	if got.Status != model.BookingHeld || f.events.count(queue.EventBookingConfirmed) != 0 {
		t.Fatalf("booking touched by unknown order: %s", got.Status)
	}
}

func TestWebhookAfterExpiryLeavesPaidAndExpired(t *testing.T) {
	f := newFixture(t)
	b := f.hold(t, "B1")
	link, _ := f.service.RequestLink(context.Background(), b.ID)
	f.clock.Advance(20 * time.Minute)
	if ok, err := f.engine.ExpireBooking(context.Background(), b.ID); err != nil || !ok {
		t.Fatalf("ExpireBooking = %v, %v", ok, err)
	}

	if out := f.recon.HandleWebhook(context.Background(), webhook(t, testKey, link.OrderCode, link.Amount, "00"), ""); out != OutcomeDiverged {
		t.Fatalf("outcome = %s", out)
	}
	p, _ := f.store.GetPayment(context.Background(), link.OrderCode)
	got, _ := f.store.GetBooking(context.Background(), b.ID)
	if p.Status != model.PaymentPaid || got.Status != model.BookingExpired {
		t.Fatalf("payment %s booking %s", p.Status, got.Status)
	}
}

func TestWebhookUnderpaymentDoesNotConfirm(t *testing.T) {
	f := newFixture(t)
	b := f.hold(t, "B1")
	link, _ := f.service.RequestLink(context.Background(), b.ID)

	if out := f.recon.HandleWebhook(context.Background(), webhook(t, testKey, link.OrderCode, link.Amount-1, "00"), ""); out != OutcomeDiverged {
		t.Fatalf("outcome = %s", out)
	}
	got, _ := f.store.GetBooking(context.Background(), b.ID)
	if got.Status != model.BookingHeld {
		t.Fatalf("booking = %s", got.Status)
	}
}

func TestPayOSClientCreatePaymentLink(t *testing.T) {
	var gotBody createLinkBody
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/payment-requests" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		gotHeaders = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		data := json.RawMessage(`{"paymentLinkId":"pl-9","checkoutUrl":"https://pay.example/c/9","qrCode":"0002010102"}`)
		m, _ := decodeObject(data)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"code": "00", "desc": "success", "data": data, "signature": SignData(testKey, m),
		})
	}))
	defer srv.Close()

	c := NewPayOSClient(config.PayOSConfig{
		BaseURL: srv.URL + "/", ClientID: "cid", APIKey: "akey", ChecksumKey: testKey,
		ReturnURL: "https://shop/return", CancelURL: "https://shop/cancel",
	})
	expires := time.Date(2026, 5, 1, 8, 15, 0, 0, time.UTC)
	link, err := c.CreatePaymentLink(context.Background(), LinkRequest{
		OrderCode: 77, Amount: 200000, Description: "a description longer than the limit", ExpiredAt: expires,
	})
	if err != nil {
		t.Fatalf("CreatePaymentLink: %v", err)
	}
	if link.PaymentLinkID != "pl-9" || link.CheckoutURL != "https://pay.example/c/9" || link.QRCode != "0002010102" {
		t.Fatalf("link = %+v", link)
	}
	if gotHeaders.Get("x-client-id") != "cid" || gotHeaders.Get("x-api-key") != "akey" {
		t.Fatalf("headers = %v", gotHeaders)
	}
	if len(gotBody.Description) != maxDescriptionLen || gotBody.ExpiredAt != expires.Unix() {
		t.Fatalf("body = %+v", gotBody)
	}
	want := SignPaymentRequest(testKey, 200000, "https://shop/cancel", gotBody.Description, 77, "https://shop/return")
	if gotBody.Signature != want {
		t.Fatalf("request signature = %s, want %s", gotBody.Signature, want)
	}
}

func TestPayOSClientGatewayErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"http status": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		},
		"gateway code": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"code":"231","desc":"order exists","data":null}`))
		},
		"bad signature": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"code":"00","desc":"ok","data":{"checkoutUrl":"x"},"signature":"abc"}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			c := NewPayOSClient(config.PayOSConfig{BaseURL: srv.URL, ChecksumKey: testKey})
			_, err := c.CreatePaymentLink(context.Background(), LinkRequest{OrderCode: 1, Amount: 1})
			if !errors.Is(err, ErrGateway) {
				t.Fatalf("err = %v, want ErrGateway", err)
			}
		})
	}
}
