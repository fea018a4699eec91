package request

import "errors"

// Domain errors
var (
	ErrRequestNotFound   = errors.New("signing request not found")
	ErrSignerNotFound    = errors.New("signer not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOrderViolation    = errors.New("signing order violation")
	ErrConflict          = errors.New("request was modified concurrently")
	ErrNoSigners         = errors.New("request requires at least one signer")
	ErrStepUpRequired    = errors.New("step-up verification required")
)
