package order

import (
	"errors"
	"fmt"

	"github.com/example/grabandgo/pkg/models"
)

// ErrorCode categorizes failures of order operations.
type ErrorCode string

const (
	// CodeValidation: bad input, rejected before anything was persisted.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeNotFound: the order or restaurant does not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeForbidden: the acting identity may not perform the operation.
	CodeForbidden ErrorCode = "FORBIDDEN"

	// CodeInvalidTransition: the order's status does not allow the event.
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// CodeNotReadyForPickup: verification attempted on an order not in ready.
	CodeNotReadyForPickup ErrorCode = "NOT_READY_FOR_PICKUP"

	// CodeInvalidCode: the presented pickup code does not match.
	CodeInvalidCode ErrorCode = "INVALID_CODE"

	// CodeConflict: another actor changed the order first.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeStoreUnavailable: the persistent store could not be reached.
	CodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// Error is returned by every operation in this package.
type Error struct {
	Code    ErrorCode
	Message string
	OrderID string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.OrderID != "" {
		msg += fmt.Sprintf(" (order=%s)", e.OrderID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so the sentinels below work
// with errors.Is regardless of message or order id.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrValidation        = &Error{Code: CodeValidation, Message: "invalid request"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrForbidden         = &Error{Code: CodeForbidden, Message: "not permitted"}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition, Message: "invalid transition"}
	ErrNotReadyForPickup = &Error{Code: CodeNotReadyForPickup, Message: "order is not ready for pickup"}
	ErrInvalidCode       = &Error{Code: CodeInvalidCode, Message: "invalid pickup code"}
	ErrConflict          = &Error{Code: CodeConflict, Message: "order was changed by someone else"}
	ErrStoreUnavailable  = &Error{Code: CodeStoreUnavailable, Message: "store unavailable"}
)

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func NewValidationError(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(kind, id string) *Error {
	e := &Error{Code: CodeNotFound, Message: kind + " not found"}
	if kind == "order" {
		e.OrderID = id
	} else {
		e.Message = fmt.Sprintf("%s %s not found", kind, id)
	}
	return e
}

func NewForbiddenError(orderID, reason string) *Error {
	return &Error{Code: CodeForbidden, Message: reason, OrderID: orderID}
}

// NewTransitionError explains why ev cannot be applied from status.
func NewTransitionError(orderID string, from models.OrderStatus, ev Event) *Error {
	msg := fmt.Sprintf("cannot %s an order that is %s", ev, from)
	if from.IsTerminal() {
		msg += "; the order is no longer actionable"
	}
	return &Error{Code: CodeInvalidTransition, Message: msg, OrderID: orderID}
}

func NewConflictError(orderID string, expected models.OrderStatus) *Error {
	return &Error{
		Code:    CodeConflict,
		Message: fmt.Sprintf("order is no longer %s; someone else already handled it", expected),
		OrderID: orderID,
	}
}

// StoreUnavailable wraps a transport or driver failure.
func StoreUnavailable(err error) *Error {
	return &Error{Code: CodeStoreUnavailable, Message: "store unavailable", Err: err}
}
