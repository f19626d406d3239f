// Package router wires handlers and middleware onto the Echo instance.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-seat-reservation/internal/handler"
)

// RegisterRoutes registers the unauthenticated probe endpoints.  /healthz
// is liveness for the load balancer; /readyz also probes the database and
// Redis.
func RegisterRoutes(e *echo.Echo, checks map[string]handler.Check) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(checks))
}

// RegisterWebhook registers the payment gateway callback.  It carries no
// JWT; the reconciler authenticates the payload by its signature.
func RegisterWebhook(e *echo.Echo, h *handler.WebhookHandler) {
	e.POST("/v1/payments/webhook", h.Payment)
}
