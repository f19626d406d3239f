package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-seat-reservation/internal/middleware"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/payment"
	"github.com/iliyamo/bus-seat-reservation/internal/repository"
	"github.com/iliyamo/bus-seat-reservation/internal/reservation"
	"github.com/iliyamo/bus-seat-reservation/internal/utils"
)

// BookingHandler exposes the reservation engine to customers and counter
// staff.  Guests and signed-in customers use the same endpoints; the JWT, if
// any, only decides who owns a new booking and who may cancel it.
type BookingHandler struct {
	Engine   *reservation.Engine
	Store    repository.Reader
	Payments *payment.Service
}

// NewBookingHandler constructs a BookingHandler.  All dependencies must be
// non-nil.
func NewBookingHandler(engine *reservation.Engine, store repository.Reader, payments *payment.Service) *BookingHandler {
	if engine == nil || store == nil || payments == nil {
		panic("nil dependency passed to NewBookingHandler")
	}
	return &BookingHandler{Engine: engine, Store: store, Payments: payments}
}

// bookingResponse is a booking plus, once confirmed, its ticket QR.
type bookingResponse struct {
	*model.Booking
	TicketQR string `json:"ticket_qr,omitempty"`
}

func pathID(c echo.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

// SeatMap handles GET /v1/trips/:id/seats.  It reads without locking, so the
// map can be a moment stale; holds re-check under lock.
func (h *BookingHandler) SeatMap(c echo.Context) error {
	tripID, ok := pathID(c)
	if !ok {
		return badRequest(c, "invalid trip id")
	}
	trip, err := h.Store.GetTrip(c.Request().Context(), tripID)
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorBody{Error: reservation.KindNotFound, Message: "trip not found"})
	}
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, trip)
}

type holdBody struct {
	Passengers []reservation.PassengerInput `json:"passengers"`
	Contact    reservation.Contact          `json:"contact"`
}

// CreateHold handles POST /v1/trips/:id/holds.  It responds 201 with the HELD
// booking, 409 with the contended seats when any seat was taken first.
func (h *BookingHandler) CreateHold(c echo.Context) error {
	tripID, ok := pathID(c)
	if !ok {
		return badRequest(c, "invalid trip id")
	}
	var body holdBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	req := reservation.HoldRequest{TripID: tripID, Passengers: body.Passengers, Contact: body.Contact}
	if uid, ok := middleware.UserID(c); ok {
		req.RequesterID = &uid
	}
	b, err := h.Engine.CreateHold(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, bookingResponse{Booking: b})
}

// PaymentLink handles POST /v1/bookings/:id/payment-link.
func (h *BookingHandler) PaymentLink(c echo.Context) error {
	res, err := h.Payments.RequestLink(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type cancelBody struct {
	Phone string `json:"phone"`
}

// Cancel handles POST /v1/bookings/:id/cancel.  Signed-in callers are
// checked against the booking owner by the engine.  Guests prove they hold
// the booking with its contact phone, as for lookup.
func (h *BookingHandler) Cancel(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var requester *reservation.Requester
	if uid, ok := middleware.UserID(c); ok {
		requester = &reservation.Requester{UserID: uid, Admin: middleware.IsAdmin(c)}
	} else {
		var body cancelBody
		if err := c.Bind(&body); err != nil {
			return badRequest(c, "invalid request body")
		}
		if strings.TrimSpace(body.Phone) == "" {
			return badRequest(c, "phone is required to cancel without signing in")
		}
		if _, err := h.Engine.Lookup(ctx, id, body.Phone); err != nil {
			return writeError(c, err)
		}
	}

	b, err := h.Engine.CancelBooking(ctx, id, requester)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, bookingResponse{Booking: b})
}

// Lookup handles GET /v1/bookings/lookup?code=&phone=.  code may be a ticket
// code or a booking id.
func (h *BookingHandler) Lookup(c echo.Context) error {
	b, err := h.Engine.Lookup(c.Request().Context(), c.QueryParam("code"), c.QueryParam("phone"))
	if err != nil {
		return writeError(c, err)
	}
	res := bookingResponse{Booking: b}
	if b.Status == model.BookingConfirmed && b.TicketCode != "" {
		if qr, err := utils.QRDataURI(b.TicketCode, 256); err == nil {
			res.TicketQR = qr
		} else {
			c.Logger().Warnf("ticket qr for booking %s: %v", b.ID, err)
		}
	}
	return c.JSON(http.StatusOK, res)
}

type confirmBody struct {
	PaidAmount    int64  `json:"paid_amount"`
	PaymentMethod string `json:"payment_method"`
	Reference     string `json:"reference"`
}

// AdminConfirm handles POST /v1/admin/bookings/:id/confirm, used at the
// ticket counter when a customer pays in cash or by card terminal.
func (h *BookingHandler) AdminConfirm(c echo.Context) error {
	var body confirmBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	method := strings.ToUpper(strings.TrimSpace(body.PaymentMethod))
	if method == "" {
		method = "CASH"
	}
	b, err := h.Engine.ConfirmBooking(c.Request().Context(), reservation.ConfirmRequest{
		BookingID:     c.Param("id"),
		PaidAmount:    body.PaidAmount,
		PaymentMethod: method,
		GatewayTxnRef: strings.TrimSpace(body.Reference),
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, bookingResponse{Booking: b})
}

func listFilter(c echo.Context) repository.BookingFilter {
	f := repository.BookingFilter{Status: model.BookingStatus(strings.ToUpper(strings.TrimSpace(c.QueryParam("status"))))}
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil {
		f.Limit = n
	}
	return f
}

// MyBookings handles GET /v1/my-bookings for a signed-in customer.
func (h *BookingHandler) MyBookings(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	f := listFilter(c)
	f.UserID = &uid
	items, err := h.Store.ListBookings(c.Request().Context(), f)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// TripBookings handles GET /v1/admin/trips/:id/bookings, the passenger
// manifest used at boarding.
func (h *BookingHandler) TripBookings(c echo.Context) error {
	tripID, ok := pathID(c)
	if !ok {
		return badRequest(c, "invalid trip id")
	}
	f := listFilter(c)
	f.TripID = &tripID
	items, err := h.Store.ListBookings(c.Request().Context(), f)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}
