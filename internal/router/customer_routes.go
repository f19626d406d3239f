package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-seat-reservation/internal/handler"
	"github.com/iliyamo/bus-seat-reservation/internal/middleware"
)

// RegisterCustomer registers the booking endpoints used by guests and
// signed-in customers alike.  A JWT is optional everywhere: when present it
// links new bookings to the account and authorizes cancellation.
//
// seatCache wraps the seat map; holdLimit throttles hold creation.
func RegisterCustomer(e *echo.Echo, h *handler.BookingHandler, jwtSecret string, seatCache, holdLimit echo.MiddlewareFunc) {
	g := e.Group("/v1", middleware.OptionalJWT(jwtSecret))

	g.GET("/trips/:id/seats", h.SeatMap, seatCache)
	// The limiter runs after OptionalJWT so signed-in users get their own bucket.
	g.POST("/trips/:id/holds", h.CreateHold, holdLimit)

	g.GET("/bookings/lookup", h.Lookup)
	g.POST("/bookings/:id/payment-link", h.PaymentLink)
	g.POST("/bookings/:id/cancel", h.Cancel)

	// Listing needs an account; guests find their booking through lookup.
	g.GET("/my-bookings", h.MyBookings, middleware.JWTAuth(jwtSecret))
}
