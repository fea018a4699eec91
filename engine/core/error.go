package core

import (
	"errors"
	"fmt"
)

// Error codes shared across the engine. Operations return these so transport
// layers and batch callers can branch on the kind without string matching.
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeOrderViolation    = "ORDER_VIOLATION"
	ErrCodeInvalidArgument   = "INVALID_ARGUMENT"
	ErrCodeRenderFailure     = "RENDER_FAILURE"
	ErrCodeDeliveryFailure   = "DELIVERY_FAILURE"
	ErrCodeInternal          = "INTERNAL"
)

// Error is a structured error carrying a stable code and contextual details.
type Error struct {
	Err     error
	Code    string
	Details map[string]any
}

// NewError wraps err with a code and optional details.
func NewError(err error, code string, details map[string]any) *Error {
	return &Error{Err: err, Code: code, Details: details}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the engine error code from err, or ErrCodeInternal when the
// error is not a *core.Error.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return ErrCodeInternal
}
