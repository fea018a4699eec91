package core

import "errors"

// Result is the envelope returned by every inbound command. Callers branch on
// Success; ErrorKind carries the engine error code when Success is false.
type Result struct {
	Success      bool           `json:"success"`
	Data         any            `json:"data,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Ok builds a successful result carrying data.
func Ok(data any) *Result {
	return &Result{Success: true, Data: data}
}

// Fail builds a failed result from an error, preserving its code and details.
func Fail(err error) *Result {
	if err == nil {
		return &Result{Success: false, ErrorKind: ErrCodeInternal}
	}
	res := &Result{
		Success:      false,
		ErrorKind:    CodeOf(err),
		ErrorMessage: err.Error(),
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		res.Details = cerr.Details
	}
	return res
}
