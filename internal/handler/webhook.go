package handler

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-seat-reservation/internal/payment"
)

// maxWebhookBody caps what is read from the gateway.
const maxWebhookBody = 64 << 10

// WebhookHandler receives payment gateway callbacks.
type WebhookHandler struct {
	Reconciler *payment.Reconciler
}

// Payment handles POST /v1/payments/webhook.  It always answers 200 so the
// gateway does not retry deliveries that were deliberately discarded; the
// outcome is only logged.
func (h *WebhookHandler) Payment(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		c.Logger().Warnf("webhook: read body: %v", err)
		return c.JSON(http.StatusOK, echo.Map{"success": true})
	}
	out := h.Reconciler.HandleWebhook(c.Request().Context(), body, c.Request().Header.Get("X-Signature"))
	c.Logger().Infof("webhook: %s", out)
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}
