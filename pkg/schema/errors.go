package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeVersionConflict   = "VERSION_CONFLICT"
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeExecutor          = "EXECUTOR_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeTransient         = "TRANSIENT_ERROR"
	ErrCodeLockUnavailable   = "LOCK_UNAVAILABLE"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeScanInProgress    = "SCAN_IN_PROGRESS"
)

// StewardError is the structured error type returned by every steward operation.
type StewardError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *StewardError) Error() string {
	switch {
	case e.RunID != "" && e.StepID != "":
		return fmt.Sprintf("[%s] run %s step %s: %s", e.Code, e.RunID, e.StepID, e.Message)
	case e.RunID != "":
		return fmt.Sprintf("[%s] run %s: %s", e.Code, e.RunID, e.Message)
	case e.StepID != "":
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StewardError) Unwrap() error {
	return e.Cause
}

// NewError creates a new StewardError.
func NewError(code, message string) *StewardError {
	return &StewardError{Code: code, Message: message}
}

// NewErrorf creates a new StewardError with a formatted message.
func NewErrorf(code, format string, args ...any) *StewardError {
	return &StewardError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRun attaches a run ID to the error.
func (e *StewardError) WithRun(runID string) *StewardError {
	e.RunID = runID
	return e
}

// WithStep attaches a step ID to the error.
func (e *StewardError) WithStep(stepID string) *StewardError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *StewardError) WithCause(err error) *StewardError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StewardError) WithDetails(details map[string]any) *StewardError {
	e.Details = details
	return e
}

// AsError extracts the first StewardError in err's chain.
func AsError(err error) (*StewardError, bool) {
	var se *StewardError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsCode reports whether any StewardError in err's chain carries code.
func IsCode(err error, code string) bool {
	for err != nil {
		var se *StewardError
		if !errors.As(err, &se) {
			return false
		}
		if se.Code == code {
			return true
		}
		err = se.Cause
	}
	return false
}

// CodeOf returns the code of the outermost StewardError, or "" if none.
func CodeOf(err error) string {
	if se, ok := AsError(err); ok {
		return se.Code
	}
	return ""
}
