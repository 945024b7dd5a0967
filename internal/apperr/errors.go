// Package apperr is the error taxonomy shared by services and handlers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation         Kind = "VALIDATION_ERROR"
	KindNotFound           Kind = "NOT_FOUND"
	KindInvalidState       Kind = "INVALID_STATE"
	KindLockHeld           Kind = "LOCK_HELD"
	KindInsufficientFunds  Kind = "INSUFFICIENT_FUNDS"
	KindGatewayUnavailable Kind = "GATEWAY_UNAVAILABLE"
	KindInvalidSignature   Kind = "INVALID_SIGNATURE"
	KindAlreadyEnrolled    Kind = "ALREADY_ENROLLED"
	KindForbidden          Kind = "FORBIDDEN"
	KindInternal           Kind = "INTERNAL"
)

// Sentinels. Match with errors.Is; any *Error of the same kind matches.
var (
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInvalidState       = &Error{Kind: KindInvalidState, Message: "operation not allowed in current state"}
	ErrLockHeld           = &Error{Kind: KindLockHeld, Message: "a checkout is already in progress"}
	ErrInsufficientFunds  = &Error{Kind: KindInsufficientFunds, Message: "insufficient wallet balance"}
	ErrGatewayUnavailable = &Error{Kind: KindGatewayUnavailable, Message: "payment provider unavailable"}
	ErrInvalidSignature   = &Error{Kind: KindInvalidSignature, Message: "invalid webhook signature"}
	ErrAlreadyEnrolled    = &Error{Kind: KindAlreadyEnrolled, Message: "already enrolled in course"}
	ErrForbidden          = &Error{Kind: KindForbidden, Message: "forbidden"}
)

type Error struct {
	Kind    Kind
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the caller may retry the same request later.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

func (k Kind) Retryable() bool {
	switch k {
	case KindLockHeld, KindGatewayUnavailable, KindInternal:
		return true
	}
	return false
}

// HTTPStatus maps a kind to its response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState, KindLockHeld, KindAlreadyEnrolled:
		return http.StatusConflict
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindGatewayUnavailable:
		return http.StatusServiceUnavailable
	case KindInvalidSignature:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation builds a ValidationError for a request field.
func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

func Validationf(field, format string, args ...any) *Error {
	return Validation(field, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
