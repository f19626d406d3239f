package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-seat-reservation/internal/reservation"
)

// errorBody is the JSON shape of every failed booking operation.
type errorBody struct {
	Error   reservation.Kind `json:"error"`
	Message string           `json:"message"`
	Seats   []string         `json:"seats,omitempty"`
}

var kindStatus = map[reservation.Kind]int{
	reservation.KindNotFound:                http.StatusNotFound,
	reservation.KindBadRequest:              http.StatusBadRequest,
	reservation.KindConflict:                http.StatusConflict,
	reservation.KindInvalidState:            http.StatusConflict,
	reservation.KindForbidden:               http.StatusForbidden,
	reservation.KindInsufficientPayment:     http.StatusPaymentRequired,
	reservation.KindCodeGenerationExhausted: http.StatusServiceUnavailable,
	reservation.KindInternal:                http.StatusInternalServerError,
}

// StatusOf returns the HTTP status for an engine error kind.
func StatusOf(k reservation.Kind) int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// writeError renders err.  Internal details never reach the client.
func writeError(c echo.Context, err error) error {
	kind := reservation.KindOf(err)
	body := errorBody{Error: kind, Message: "internal error"}
	var ee *reservation.Error
	if errors.As(err, &ee) && kind != reservation.KindInternal {
		body.Message = ee.Message
		body.Seats = ee.Seats
	}
	if kind == reservation.KindInternal {
		c.Logger().Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
	}
	return c.JSON(StatusOf(kind), body)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Error: reservation.KindBadRequest, Message: msg})
}
