package reservation

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure.  Handlers map kinds to HTTP statuses;
// the webhook reconciler only logs them.
type Kind string

const (
	KindNotFound                Kind = "NOT_FOUND"
	KindBadRequest              Kind = "BAD_REQUEST"
	KindConflict                Kind = "CONFLICT"
	KindInvalidState            Kind = "INVALID_STATE"
	KindForbidden               Kind = "FORBIDDEN"
	KindInsufficientPayment     Kind = "INSUFFICIENT_PAYMENT"
	KindCodeGenerationExhausted Kind = "CODE_GENERATION_EXHAUSTED"
	KindInternal                Kind = "INTERNAL"
)

// Error is returned by every Engine operation.  Seats is set for Conflict
// and for BadRequest caused by specific seat numbers.
type Error struct {
	Kind    Kind
	Message string
	Seats   []string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err.  Errors that did not come from the engine
// are Internal; nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an engine error of the given kind.
func IsKind(err error, k Kind) bool { return err != nil && KindOf(err) == k }

func newErr(k Kind, msg string) *Error { return &Error{Kind: k, Message: msg} }

func conflict(seats []string) *Error {
	return &Error{Kind: KindConflict, Message: "seats no longer available", Seats: seats}
}

func internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}
