package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-seat-reservation/internal/handler"
	"github.com/iliyamo/bus-seat-reservation/internal/middleware"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

// RegisterAdmin registers counter-staff endpoints under /v1/admin.  All
// routes require a valid JWT with the ADMIN role.
func RegisterAdmin(e *echo.Echo, h *handler.BookingHandler, jwtSecret string) {
	g := e.Group(
		"/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleAdmin),
	)
	g.POST("/bookings/:id/confirm", h.AdminConfirm)
	// Admins cancel through the same handler; the engine skips the owner
	// check for them.
	g.POST("/bookings/:id/cancel", h.Cancel)
	g.GET("/trips/:id/bookings", h.TripBookings)
}
